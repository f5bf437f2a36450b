package duel

import (
	"time"

	"github.com/dilemmalab/arena/internal/config"
	"github.com/dilemmalab/arena/internal/game/dice"
)

// Phase names the partition a block belongs to.
type Phase string

const (
	PhaseBefore Phase = "before"
	PhaseMain   Phase = "main"
	PhaseAfter  Phase = "after"
)

// Environments and rotations an arena block can draw.
var (
	environments = []string{"default", "pleasant", "unpleasant"}
	rotations    = []int{0, 90, 180, 270}
)

// BlockParams are one scheduled block's drawn parameters.
type BlockParams struct {
	// Index is the zero-based position in the block schedule.
	Index int `json:"index"`
	// Phase is the before/main/after partition this index falls in.
	Phase Phase `json:"phase"`
	// Instrumented blocks expose the opponent's identity and avatar to the
	// human side; non-instrumented blocks mask them.
	Instrumented bool `json:"instrumented"`
	// Environment selects the rendered scene.
	Environment string `json:"environment"`
	// Rotation is the scene rotation in degrees.
	Rotation int `json:"rotation"`
	// Seat is the first side's seat flag; the second side gets its mirror.
	Seat bool `json:"seat"`
	// Loading is the artificial loading duration shown to clients.
	Loading time.Duration `json:"loading"`
	// Rounds is this block's round count.
	Rounds int `json:"rounds"`
}

// PhaseFor maps a block index onto the configured before/main/after partition.
//
// Precondition: index in [0, cfg.Blocks()).
func PhaseFor(cfg config.GameConfig, index int) Phase {
	switch {
	case index < cfg.BlocksBefore:
		return PhaseBefore
	case index < cfg.BlocksBefore+cfg.BlocksMain:
		return PhaseMain
	default:
		return PhaseAfter
	}
}

// DrawBlock draws the parameters for the block at index. Main-phase blocks
// mask the opponent's identity; before and after blocks are instrumented.
//
// Precondition: cfg must be validated; src must be non-nil; index in range.
func DrawBlock(cfg config.GameConfig, src dice.Source, index int) BlockParams {
	phase := PhaseFor(cfg, index)
	return BlockParams{
		Index:        index,
		Phase:        phase,
		Instrumented: phase != PhaseMain,
		Environment:  dice.Pick(src, environments),
		Rotation:     dice.Pick(src, rotations),
		Seat:         src.Intn(2) == 0,
		Loading:      DrawLoadingDelay(cfg, src),
		Rounds:       dice.Range(src, cfg.RoundsMin, cfg.RoundsMax),
	}
}

// DrawLoadingDelay draws an inter-block loading delay from the configured
// range at millisecond granularity.
func DrawLoadingDelay(cfg config.GameConfig, src dice.Source) time.Duration {
	minMs := int(cfg.LoadingDelayMin / time.Millisecond)
	maxMs := int(cfg.LoadingDelayMax / time.Millisecond)
	if maxMs <= minMs {
		return cfg.LoadingDelayMin
	}
	return time.Duration(dice.Range(src, minMs, maxMs)) * time.Millisecond
}
