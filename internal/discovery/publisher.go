package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/calegray/flashhawk/internal/domain"
)

// executionsChannel is the pub/sub channel live consumers (the WebSocket
// hub, dashboards) receive execution records on.
const executionsChannel = "ch:executions"

// ResultPublisher mirrors terminal execution records onto the signal bus:
// a pub/sub fan-out for live consumers and a durable stream for external
// services that must not miss records. It implements the scheduler's
// ResultSink.
type ResultPublisher struct {
	bus    domain.SignalBus
	stream string
	logger *slog.Logger
}

// NewResultPublisher creates a ResultPublisher appending to the given durable
// stream. An empty stream name disables the durable copy.
func NewResultPublisher(bus domain.SignalBus, stream string, logger *slog.Logger) *ResultPublisher {
	return &ResultPublisher{
		bus:    bus,
		stream: stream,
		logger: logger.With(slog.String("component", "result_publisher")),
	}
}

// Consume publishes one terminal record to both surfaces. The pub/sub leg is
// best-effort; the durable stream error is the one reported back.
func (p *ResultPublisher) Consume(ctx context.Context, rec domain.ExecutionRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("discovery: encoding execution record: %w", err)
	}

	if err := p.bus.Publish(ctx, executionsChannel, payload); err != nil {
		p.logger.Warn("record publish failed",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	if p.stream == "" {
		return nil
	}
	if err := p.bus.StreamAppend(ctx, p.stream, payload); err != nil {
		return fmt.Errorf("discovery: appending record to %s: %w", p.stream, err)
	}
	return nil
}
