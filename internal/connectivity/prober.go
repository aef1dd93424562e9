package connectivity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// HealthChecker reports whether the backend is currently reachable.
type HealthChecker interface {
	Ping(ctx context.Context) bool
}

// ProberConfig configures the connectivity prober.
type ProberConfig struct {
	Monitor  *Monitor
	Checker  HealthChecker
	Interval time.Duration
	Logger   *zap.Logger
}

// Prober periodically probes the backend health endpoint and feeds the result
// into the Monitor. It is the host "online signal" for environments without a
// native connectivity event source.
type Prober struct {
	monitor  *Monitor
	checker  HealthChecker
	interval time.Duration
	logger   *zap.Logger
}

// NewProber constructs a Prober.
func NewProber(cfg ProberConfig) *Prober {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		monitor:  cfg.Monitor,
		checker:  cfg.Checker,
		interval: interval,
		logger:   logger,
	}
}

// Run probes immediately and then on every tick until the context is done.
func (p *Prober) Run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	online := p.checker.Ping(probeCtx)
	if online != p.monitor.IsOnline() {
		p.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	p.monitor.SetOnline(online)
}
