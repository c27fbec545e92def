// Package monitoring watches provider telemetry, feeds it to the DEFCON
// circuit breakers and delivers transition alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/MetaStark/vision-IoS-sub006/internal/config"
	"github.com/MetaStark/vision-IoS-sub006/internal/defcon"
	"github.com/MetaStark/vision-IoS-sub006/internal/model"
)

// Machine is the part of the DEFCON state machine the checker drives.
type Machine interface {
	EvaluateBreakers(ctx context.Context, snap model.TelemetrySnapshot) (*defcon.Evaluation, error)
	AutoReset(ctx context.Context) (*model.SystemState, error)
}

// QuotaResetter resets provider counters when the day or month rolls over.
type QuotaResetter interface {
	ResetDailyQuotas(ctx context.Context) (int64, error)
	ResetMonthlyQuotas(ctx context.Context) (int64, error)
}

// Result summarizes one check.
type Result struct {
	Snapshot   *model.TelemetrySnapshot `json:"snapshot"`
	Evaluation *defcon.Evaluation       `json:"evaluation"`
	Reset      *model.SystemState       `json:"reset,omitempty"`
}

// Checker runs periodic breaker checks in the background.
type Checker struct {
	collector *Collector
	machine   Machine
	quotas    QuotaResetter
	cfg       config.MonitoringConfig

	// Start of the UTC day and month whose counters were last reset, or found
	// already current. Each advances only after its reset succeeds.
	dailyMark   time.Time
	monthlyMark time.Time
	now         func() time.Time
}

// NewChecker creates a background breaker checker. quotas may be nil when
// counters are reset by an external scheduler.
func NewChecker(collector *Collector, machine Machine, quotas QuotaResetter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		machine:   machine,
		quotas:    quotas,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (c *Checker) lookback() time.Duration {
	if c.cfg.LookbackMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.cfg.LookbackMinutes) * time.Minute
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting breaker checker",
		zap.Duration("interval", interval),
		zap.Duration("lookback", c.lookback()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("breaker checker stopped")
			return
		case <-ticker.C:
			if _, err := c.CheckOnce(ctx); err != nil {
				log.Error("monitoring: check failed", zap.Error(err))
			}
		}
	}
}

// CheckOnce collects telemetry, evaluates breakers and tries an auto-reset.
// Quota counters are reset first when the UTC day or month changed since the
// previous check.
func (c *Checker) CheckOnce(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	c.rollover(ctx, log)

	snap, err := c.collector.Collect(ctx, c.lookback())
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect telemetry")
	}

	eval, err := c.machine.EvaluateBreakers(ctx, *snap)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: evaluate breakers")
	}
	res := &Result{Snapshot: snap, Evaluation: eval}

	if !eval.Changed {
		reset, err := c.machine.AutoReset(ctx)
		if err != nil {
			return res, eris.Wrap(err, "monitoring: auto-reset")
		}
		res.Reset = reset
	}

	log.Debug("monitoring: check complete",
		zap.Strings("triggered", eval.Triggered),
		zap.String("level", string(eval.Level)),
		zap.Bool("changed", eval.Changed),
		zap.Bool("reset", res.Reset != nil),
	)
	return res, nil
}

func (c *Checker) rollover(ctx context.Context, log *zap.Logger) {
	if c.quotas == nil {
		return
	}
	now := c.now().UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	month := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	if c.dailyMark.IsZero() || c.monthlyMark.IsZero() {
		if err := c.markFromStore(ctx, day, month); err != nil {
			log.Error("monitoring: read quota counters", zap.Error(err))
			return
		}
	}

	if c.monthlyMark.Before(month) {
		n, err := c.quotas.ResetMonthlyQuotas(ctx)
		if err != nil {
			log.Error("monitoring: monthly quota reset failed", zap.Error(err))
		} else {
			c.monthlyMark = month
			log.Info("monitoring: monthly quotas reset", zap.Int64("providers", n))
		}
	}
	if c.dailyMark.Before(day) {
		n, err := c.quotas.ResetDailyQuotas(ctx)
		if err != nil {
			log.Error("monitoring: daily quota reset failed", zap.Error(err))
		} else {
			c.dailyMark = day
			log.Info("monitoring: daily quotas reset", zap.Int64("providers", n))
		}
	}
}

// markFromStore sets the reset marks on the first check. Counters last
// touched before the current day or month are left over from a period this
// process never saw, so their mark is placed one period back.
func (c *Checker) markFromStore(ctx context.Context, day, month time.Time) error {
	providers, err := c.collector.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	c.dailyMark, c.monthlyMark = day, month
	for _, p := range providers {
		at := lastActivity(p)
		if at == nil {
			continue
		}
		if p.UsedToday > 0 && at.Before(day) {
			c.dailyMark = day.AddDate(0, 0, -1)
		}
		if p.UsedThisMonth > 0 && at.Before(month) {
			c.monthlyMark = month.AddDate(0, -1, 0)
		}
	}
	return nil
}

func lastActivity(p model.Provider) *time.Time {
	at := p.LastSuccessAt
	if p.LastFailureAt != nil && (at == nil || p.LastFailureAt.After(*at)) {
		at = p.LastFailureAt
	}
	return at
}
