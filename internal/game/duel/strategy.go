package duel

import (
	"fmt"

	"github.com/dilemmalab/arena/internal/game/dice"
)

// Policy names an automated-opponent strategy.
type Policy string

const (
	PolicyCooperate   Policy = "cooperate"
	PolicyDefect      Policy = "defect"
	PolicyRandom      Policy = "random"
	PolicyTitForTat   Policy = "tit_for_tat"
	PolicyAlternating Policy = "alternating"
	// PolicyRedraw is not itself a strategy: it draws one of the five
	// concrete policies uniformly whenever a strategy is (re)selected.
	PolicyRedraw Policy = "redraw"
)

var concretePolicies = []Policy{
	PolicyCooperate, PolicyDefect, PolicyRandom, PolicyTitForTat, PolicyAlternating,
}

// History is the record of one automated side's game so far. Own holds the
// automated side's past choices, Opponent the human side's, both oldest first.
type History struct {
	Own      []Choice
	Opponent []Choice
}

// Strategy derives the automated side's next choice from history.
type Strategy interface {
	Next(h History) Choice
	Policy() Policy
}

type cooperator struct{}

func (cooperator) Next(History) Choice { return Cooperate }
func (cooperator) Policy() Policy      { return PolicyCooperate }

type defector struct{}

func (defector) Next(History) Choice { return Defect }
func (defector) Policy() Policy      { return PolicyDefect }

type random struct{ src dice.Source }

func (r random) Next(History) Choice {
	if r.src.Intn(2) == 0 {
		return Cooperate
	}
	return Defect
}
func (random) Policy() Policy { return PolicyRandom }

// titForTat repeats the opponent's immediately preceding choice, or
// cooperates when there is no history yet.
type titForTat struct{}

func (titForTat) Next(h History) Choice {
	if len(h.Opponent) == 0 {
		return Cooperate
	}
	return h.Opponent[len(h.Opponent)-1]
}
func (titForTat) Policy() Policy { return PolicyTitForTat }

// alternating defects iff its own previous choice was cooperate, else
// cooperates. The first call draws uniformly at random.
type alternating struct{ src dice.Source }

func (a alternating) Next(h History) Choice {
	if len(h.Own) == 0 {
		if a.src.Intn(2) == 0 {
			return Cooperate
		}
		return Defect
	}
	if h.Own[len(h.Own)-1] == Cooperate {
		return Defect
	}
	return Cooperate
}
func (alternating) Policy() Policy { return PolicyAlternating }

// NewStrategy constructs the strategy for a concrete policy. PolicyRedraw
// draws one of the concrete policies first.
//
// Precondition: src must be non-nil.
// Postcondition: Returns a Strategy or an error for an unknown policy.
func NewStrategy(p Policy, src dice.Source) (Strategy, error) {
	if p == PolicyRedraw {
		p = dice.Pick(src, concretePolicies)
	}
	switch p {
	case PolicyCooperate:
		return cooperator{}, nil
	case PolicyDefect:
		return defector{}, nil
	case PolicyRandom:
		return random{src: src}, nil
	case PolicyTitForTat:
		return titForTat{}, nil
	case PolicyAlternating:
		return alternating{src: src}, nil
	}
	return nil, fmt.Errorf("unknown strategy policy %q", p)
}
