// Package monitor sweeps open positions on a fixed interval and triggers
// guaranteed exits when a position crosses its owner's stop-loss or
// take-profit threshold. The monitor never mutates positions itself; all
// mutation goes through the execution engine.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/eddiefleurent/schrute_scalper/internal/exec"
	"github.com/eddiefleurent/schrute_scalper/internal/models"
	"github.com/eddiefleurent/schrute_scalper/internal/storage"
	"github.com/sirupsen/logrus"
)

// pctTolerance absorbs float error in the percent computation so a price
// sitting exactly on a threshold still counts as having reached it.
const pctTolerance = 1e-9

// Thresholds are exit triggers in percent of entry price. Zero disables the
// corresponding side.
type Thresholds struct {
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
}

// Config maps users to trader-type threshold profiles.
type Config struct {
	Interval time.Duration
	Default  Thresholds
	Profiles map[string]Thresholds // trader type -> thresholds
	Users    map[string]string     // user id -> trader type
}

// thresholdsFor resolves a user's thresholds: their trader type's profile,
// falling back to the default.
func (c Config) thresholdsFor(userID string) Thresholds {
	if traderType, ok := c.Users[userID]; ok {
		if th, ok := c.Profiles[traderType]; ok {
			return th
		}
	}
	return c.Default
}

// Exiter is the execution engine surface the monitor needs.
type Exiter interface {
	Exit(ctx context.Context, positionID string, mode exec.ExitMode) (*exec.ExitResult, error)
}

// QuoteSource supplies the latest streamed quote for an instrument.
type QuoteSource interface {
	LatestQuote(key models.InstrumentKey) (models.Quote, bool)
}

// Notifier receives the monitor's trade reports and failure alerts.
type Notifier interface {
	Info(ctx context.Context, title, format string, args ...any)
	Alert(ctx context.Context, title, format string, args ...any)
}

// Monitor runs the auto-exit sweep.
type Monitor struct {
	cfg      Config
	storage  storage.Interface
	quotes   QuoteSource
	engine   Exiter
	notifier Notifier
	logger   *logrus.Logger

	running atomic.Bool
}

// New creates a monitor.
func New(cfg Config, st storage.Interface, quotes QuoteSource, engine Exiter, notifier Notifier, logger *logrus.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		storage:  st,
		quotes:   quotes,
		engine:   engine,
		notifier: notifier,
		logger:   logger,
	}
}

// Run sweeps on the configured interval until the context is canceled.
// Sweeps never overlap: a tick that lands while the previous sweep is still
// working is skipped, not queued.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !m.running.CompareAndSwap(false, true) {
				m.logger.Warn("auto-exit sweep still running, skipping tick")
				continue
			}
			m.Sweep(ctx)
			m.running.Store(false)
		}
	}
}

// Sweep evaluates every open position once. Exported so callers can force an
// immediate evaluation.
func (m *Monitor) Sweep(ctx context.Context) {
	for _, pos := range m.storage.GetOpenPositions() {
		if ctx.Err() != nil {
			return
		}
		m.evaluate(ctx, pos)
	}
}

// evaluate checks one position against its owner's thresholds. A position
// with no resolvable price is skipped for this cycle, not treated as an
// error. Exit failures are reported and never block the rest of the sweep.
func (m *Monitor) evaluate(ctx context.Context, pos models.Position) {
	if pos.UserID == "" || pos.EntryPrice <= 0 {
		return
	}

	q, ok := m.quotes.LatestQuote(pos.Instrument)
	if !ok {
		m.logger.WithField("position", pos.ID).Debug("no current price, skipping this cycle")
		return
	}
	price := q.Mid()
	if price <= 0 {
		return
	}

	pnlPct := pos.UnrealizedPnLPercent(price)
	th := m.cfg.thresholdsFor(pos.UserID)

	var reason string
	switch {
	case th.StopLossPct > 0 && pnlPct <= -th.StopLossPct+pctTolerance:
		reason = "stop-loss"
	case th.TakeProfitPct > 0 && pnlPct >= th.TakeProfitPct-pctTolerance:
		reason = "take-profit"
	default:
		return
	}

	m.logger.WithFields(logrus.Fields{
		"position": pos.ID,
		"user":     pos.UserID,
		"pnl_pct":  pnlPct,
		"reason":   reason,
	}).Info("threshold crossed, triggering exit")

	result, err := m.engine.Exit(ctx, pos.ID, exec.ExitGuaranteed)
	if err != nil {
		m.notifier.Alert(ctx, "Auto-exit failed",
			"position %s (%s): %v", pos.ID, reason, err)
		return
	}

	m.notifier.Info(ctx, "Auto-exit filled",
		"position %s closed on %s at %.2f (P&L $%.2f%s)",
		pos.ID, reason, result.ExitPrice, result.PnL,
		estimatedSuffix(result.Estimated))
}

func estimatedSuffix(estimated bool) string {
	if estimated {
		return ", estimated"
	}
	return ""
}
