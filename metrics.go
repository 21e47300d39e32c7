package main

import (
	"context"
	"log"
	"time"
)

// RunMetrics logs a summary line every interval until ctx is cancelled,
// adapted from the teacher's RunMetrics(ctx, room, interval) to read
// from this domain's Registry and PPSCounter instead of a voice Room's
// Stats().
func RunMetrics(ctx context.Context, reg *Registry, pps *PPSCounter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := reg.Count()
			rate := float64(pps.Snapshot()) / interval.Seconds()
			if n > 0 || rate > 0 {
				log.Printf("[metrics] players=%d pps=%.1f", n, rate)
			}
		}
	}
}
