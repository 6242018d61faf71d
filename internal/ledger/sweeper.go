package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lendbot/pkg/logx"
)

// Sweeper runs SweepExpired on a fixed interval.
type Sweeper struct {
	mu sync.Mutex

	ledger   *Ledger
	log      logx.Logger
	interval time.Duration

	c *cron.Cron
}

func NewSweeper(l *Ledger, interval time.Duration, log logx.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{ledger: l, log: log, interval: interval}
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := c.AddFunc(spec, func() {
		sctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := s.ledger.SweepExpired(sctx); err != nil {
			s.log.Warn("ledger sweep failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("ledger: schedule sweep: %w", err)
	}
	c.Start()
	s.c = c
	s.log.Debug("ledger sweep scheduled", logx.Duration("interval", s.interval))
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
