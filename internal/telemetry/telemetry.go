// Package telemetry defines the sink through which received sensor
// readings leave the radio path. The transceiver hands every decoded
// telemetry batch to a Sink; storage and integration layers implement
// it.
package telemetry

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

// Sink ingests one telemetry batch from a node.
type Sink interface {
	Ingest(ctx context.Context, t protocol.Telemetry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, t protocol.Telemetry) error

// Ingest implements Sink.
func (f SinkFunc) Ingest(ctx context.Context, t protocol.Telemetry) error {
	return f(ctx, t)
}

// MultiSink fans a batch out to every sink. A failing sink is logged
// and does not stop delivery to the others.
type MultiSink []Sink

// Ingest implements Sink.
func (m MultiSink) Ingest(ctx context.Context, t protocol.Telemetry) error {
	for _, s := range m {
		if err := s.Ingest(ctx, t); err != nil {
			log.WithError(err).WithField("node_id", t.NodeID).Error("telemetry: sink ingest error")
		}
	}
	return nil
}
