// Package notify delivers operator alerts over one or more channels
// (Telegram, Discord). Events can be filtered so operators only receive the
// alert classes they subscribed to.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/calegray/flashhawk/internal/domain"
)

// Event types emitted by the pipeline.
const (
	EventBreakerTripped  = "breaker_tripped"
	EventBreakerCleared  = "breaker_cleared"
	EventSettled         = "execution_settled"
	EventFailed          = "execution_failed"
	EventRejected        = "opportunity_rejected"
	EventReport          = "report"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier dispatches alerts to all registered senders, filtered by event
// type. An empty event list allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier delivering to the given senders. Only events
// named in the events slice pass the filter; an empty slice allows all.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Notify delivers an alert when its event type passes the filter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// NotifyAll delivers an alert to every sender regardless of the filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch sends to all senders. One failing sender never blocks the rest;
// failures are collected into a combined error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// ResultSink adapts the Notifier to the scheduler's result fan-out: every
// terminal execution record becomes a settled or failed alert.
type ResultSink struct {
	notifier *Notifier
}

// NewResultSink wraps a Notifier as a scheduler result sink.
func NewResultSink(n *Notifier) *ResultSink {
	return &ResultSink{notifier: n}
}

// Consume formats one terminal record and dispatches it.
func (s *ResultSink) Consume(ctx context.Context, rec domain.ExecutionRecord) error {
	if rec.Success {
		return s.notifier.Notify(ctx, EventSettled,
			"Execution settled",
			fmt.Sprintf("%s %s on %s\nprofit: %s\nattempts: %d\nlatency: %s",
				rec.Kind, rec.OpportunityID, rec.Venue,
				rec.Profit, rec.Attempts, rec.Latency.Round(time.Millisecond)),
		)
	}
	return s.notifier.Notify(ctx, EventFailed,
		"Execution failed",
		fmt.Sprintf("%s %s on %s\nattempts: %d\nreason: %s",
			rec.Kind, rec.OpportunityID, rec.Venue, rec.Attempts, rec.FailureReason),
	)
}
