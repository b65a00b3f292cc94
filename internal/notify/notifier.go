// Package notify fans operational events out to registered channels. The bot
// uses it for trade confirmations, execution failures, and the feed-down alarm
// raised when the streaming connection gives up reconnecting.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Severity classifies a notification.
type Severity string

const (
	// SeverityInfo covers routine events: entries filled, exits filled.
	SeverityInfo Severity = "info"
	// SeverityAlert covers degraded-but-running conditions: estimated exits,
	// rejected orders, skipped monitor sweeps.
	SeverityAlert Severity = "alert"
	// SeverityFatal covers conditions requiring operator intervention, like
	// the market-data feed giving up on reconnects.
	SeverityFatal Severity = "fatal"
)

// Sender is a single delivery channel.
type Sender interface {
	Send(ctx context.Context, severity Severity, title, message string) error
	Name() string
}

// Notifier dispatches events to every registered sender and always mirrors
// them to the structured log, so a bot with no channels configured still
// leaves a trail.
type Notifier struct {
	senders []Sender
	logger  *logrus.Logger
}

// NewNotifier builds a notifier over the given senders. senders may be empty.
func NewNotifier(logger *logrus.Logger, senders ...Sender) *Notifier {
	return &Notifier{senders: senders, logger: logger}
}

// Info reports a routine event.
func (n *Notifier) Info(ctx context.Context, title, format string, args ...any) {
	n.dispatch(ctx, SeverityInfo, title, fmt.Sprintf(format, args...))
}

// Alert reports a degraded condition.
func (n *Notifier) Alert(ctx context.Context, title, format string, args ...any) {
	n.dispatch(ctx, SeverityAlert, title, fmt.Sprintf(format, args...))
}

// FeedDown reports that streaming market data is gone and will not come back
// without intervention. The process keeps running; auto-exit checks degrade
// to skipping contracts with no fresh price.
func (n *Notifier) FeedDown(ctx context.Context, reason string) {
	n.dispatch(ctx, SeverityFatal, "Market data feed down", reason)
}

func (n *Notifier) dispatch(ctx context.Context, severity Severity, title, message string) {
	entry := n.logger.WithFields(logrus.Fields{
		"severity": severity,
		"title":    title,
	})
	switch severity {
	case SeverityFatal:
		entry.Error(message)
	case SeverityAlert:
		entry.Warn(message)
	default:
		entry.Info(message)
	}

	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, severity, title, message); err != nil {
			n.logger.WithError(err).WithField("sender", s.Name()).Warn("notification delivery failed")
			failed = append(failed, s.Name())
		}
	}
	if len(failed) > 0 {
		n.logger.Warnf("notify: delivery failed for %s", strings.Join(failed, ", "))
	}
}
