// Package notify delivers run completion events to external sinks.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/model"
)

// Sink receives terminal run events.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev model.RunEvent) error
}

// Forward sends every event from events to each sink until events closes
// or ctx is done. Sink failures are logged and do not stop delivery to the
// other sinks.
func Forward(ctx context.Context, events <-chan model.RunEvent, sinks ...Sink) {
	if len(sinks) == 0 {
		return
	}
	log := zap.L().With(zap.String("component", "notify.forwarder"))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			deliver(ctx, log, ev, sinks)
		}
	}
}

func deliver(ctx context.Context, log *zap.Logger, ev model.RunEvent, sinks []Sink) {
	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(s Sink) {
			defer wg.Done()
			if err := s.Send(ctx, ev); err != nil {
				log.Error("notify: delivery failed",
					zap.String("sink", s.Name()),
					zap.String("run_id", ev.RunID),
					zap.Error(err),
				)
				return
			}
			log.Debug("notify: delivered",
				zap.String("sink", s.Name()),
				zap.String("run_id", ev.RunID),
				zap.String("status", string(ev.Status)),
			)
		}(s)
	}
	wg.Wait()
}
