package main

import (
	"context"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/observability"
)

// fanout copies each engine output to the projection worker and the
// outbound publisher. Neither sink may stall the engine, so full sinks drop.
func fanout(
	ctx context.Context,
	in <-chan core.CoreOutput,
	projections chan<- core.CoreOutput,
	publish func(core.CoreOutput) bool,
	metrics *observability.Metrics,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case out, ok := <-in:
			if !ok {
				return
			}
			select {
			case projections <- out:
			default:
				if metrics != nil {
					metrics.ProjectionDrops.WithLabelValues("worker").Inc()
				}
			}
			if publish != nil {
				publish(out)
			}
		}
	}
}

type namedChan struct {
	name string
	ch   chan core.CoreOutput
}

// reportChannels samples channel depth until ctx is done.
func reportChannels(ctx context.Context, metrics *observability.Metrics, every time.Duration, chans ...namedChan) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range chans {
				metrics.SetChannelMetrics(c.name, len(c.ch), cap(c.ch))
			}
		}
	}
}
