package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = time.Minute

// Sweeper periodically removes expired sessions on a cron schedule.
type Sweeper struct {
	cron   *cron.Cron
	svc    *Service
	logger *zap.Logger
}

// NewSweeper parses schedule, e.g. "@every 15m" or "*/10 * * * *".
func NewSweeper(svc *Service, schedule string, logger *zap.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		svc:    svc,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.runOnce); err != nil {
		return nil, fmt.Errorf("session: sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep up to ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	n, err := s.svc.Sweep(ctx)
	if err != nil {
		s.logger.Error("session sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired sessions swept", zap.Int64("count", n))
	}
}
