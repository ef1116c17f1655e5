package slave

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kvrepl/pkg/listener"
	"kvrepl/pkg/reqlog"
)

// startDrain feeds ticks into a listener that moves requests from the
// request log to the sink. Delivery is at least once: the read cursor is
// saved only after the sink accepted everything read so far.
func (s *Slave) startDrain(ctx context.Context) {
	ticks := make(chan time.Time)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.cfg.DrainInterval)
		defer t.Stop()
		for {
			select {
			case now := <-t.C:
				select {
				case ticks <- now:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	s.pending = nil
	s.drain = listener.New(ticks,
		func(time.Time) error { return s.drainOnce(ctx) },
		listener.WithName("reqlog-drain"),
		listener.WithStopHandler(s.saveReadCursor),
		listener.WithErrorHandler(func(err error) {
			s.log.Warn("request log drain failed, retrying on next tick", "error", err)
		}),
	)
	s.drain.Start(ctx)
}

func (s *Slave) drainOnce(ctx context.Context) error {
	drained := 0
	for drained < s.cfg.DrainBatch {
		if s.pending == nil {
			req, err := s.rl.ReadReq()
			if errors.Is(err, reqlog.ErrNoData) {
				break
			}
			if err != nil {
				return fmt.Errorf("read request log: %w", err)
			}
			s.pending = req
		}

		if err := s.sink.Write(ctx, s.pending); err != nil {
			return fmt.Errorf("deliver %s: %w", s.pending.Cmd(), err)
		}
		s.pending = nil
		drained++
	}

	if drained == 0 {
		return nil
	}
	return s.rl.SaveReadCursor()
}

func (s *Slave) saveReadCursor() {
	if s.pending != nil {
		// the pending request is redelivered after a restart
		return
	}
	if err := s.rl.SaveReadCursor(); err != nil {
		s.log.Error("failed to save request log position", "error", err)
	}
}
