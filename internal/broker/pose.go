package broker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// PoseTicker periodically fans each occupied room's member poses out to
// that room. Pose traffic is ambient: it is never recorded in history and
// is aggregated per tick instead of relayed per update.
type PoseTicker struct {
	rooms    *Rooms
	interval time.Duration
	logger   *zap.Logger
}

// NewPoseTicker creates a ticker over the given room registry.
//
// Precondition: rooms and logger must be non-nil; interval > 0.
func NewPoseTicker(rooms *Rooms, interval time.Duration, logger *zap.Logger) *PoseTicker {
	return &PoseTicker{rooms: rooms, interval: interval, logger: logger}
}

// Start begins the broadcast loop. Runs until ctx is cancelled.
//
// Postcondition: every occupied room receives a pose event once per interval.
func (t *PoseTicker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				t.logger.Info("pose ticker stopped")
				return
			case <-ticker.C:
				t.tick()
			}
		}
	}()
}

func (t *PoseTicker) tick() {
	for roomID, poses := range t.rooms.PoseSnapshot() {
		t.rooms.Broadcast(roomID, NewEvent(roomID, SystemTarget, TypePose, poses), nil)
	}
}
