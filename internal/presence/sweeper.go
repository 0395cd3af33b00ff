package presence

import (
	"context"
	"log"
	"time"
)

// StartSweeper runs tracker.Sweep every interval until ctx is cancelled.
// interval <= 0 uses a quarter of the tracker timeout.
func StartSweeper(ctx context.Context, tracker *Tracker, interval time.Duration) {
	if interval <= 0 {
		interval = tracker.Timeout() / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[presence] sweeper stopped")
			return
		case <-ticker.C:
			events, err := tracker.Sweep(ctx)
			if err != nil {
				log.Printf("[presence] sweep: %v", err)
				continue
			}
			if len(events) > 0 {
				log.Printf("[presence] sweep: expired %d entries", len(events))
			}
		}
	}
}
