package core

import (
	"context"
	"fmt"
	"math"
	"time"
)

// AdvanceHeight moves the height forward by delta and persists it. Heights
// never decrease; escrows are not touched.
func (n *Node) AdvanceHeight(delta uint64) (uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	current := n.height.Load()
	if delta > math.MaxUint64-current {
		return current, fmt.Errorf("core: height overflow")
	}
	next := current + delta
	if err := n.state.SetHeight(next); err != nil {
		n.state.Discard()
		return current, err
	}
	if err := n.state.Commit(); err != nil {
		n.state.Discard()
		return current, err
	}
	n.height.Store(next)
	n.metrics.SetHeight(next)
	return next, nil
}

// RunHeightTicker advances the height by one every interval until ctx is
// cancelled.
func (n *Node) RunHeightTicker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("core: height interval must be positive")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			height, err := n.AdvanceHeight(1)
			if err != nil {
				n.logger.Error("advance height", "error", err)
				continue
			}
			n.logger.Debug("height advanced", "height", height)
		}
	}
}
