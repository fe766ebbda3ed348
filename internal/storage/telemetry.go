package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlink/fieldlink/internal/protocol"
)

const latestTelemetryKeyTempl = "node:%s:latest"

// TelemetryReading is one sensor reading row in the history table.
type TelemetryReading struct {
	ID         int64     `db:"id"`
	ReceivedAt time.Time `db:"received_at"`
	ReportedAt time.Time `db:"reported_at"`
	NodeID     string    `db:"node_id"`
	ClassID    string    `db:"class_id"`
	Name       string    `db:"name"`
	Units      string    `db:"units"`
	Value      *float64  `db:"value"`
	RSSI       int       `db:"rssi"`
}

// SaveTelemetryReadings stores one batch of readings.
func SaveTelemetryReadings(tx sqlx.Ext, rows []TelemetryReading) error {
	for _, row := range rows {
		_, err := tx.Exec(`
			insert into telemetry_reading (
				received_at,
				reported_at,
				node_id,
				class_id,
				name,
				units,
				value,
				rssi
			) values ($1, $2, $3, $4, $5, $6, $7, $8)`,
			row.ReceivedAt,
			row.ReportedAt,
			row.NodeID,
			row.ClassID,
			row.Name,
			row.Units,
			row.Value,
			row.RSSI,
		)
		if err != nil {
			return errors.Wrap(err, "insert telemetry reading error")
		}
	}
	return nil
}

// GetTelemetryReadings returns the most recent readings for a node.
func GetTelemetryReadings(db sqlx.Queryer, nodeID string, limit int) ([]TelemetryReading, error) {
	var rows []TelemetryReading
	err := sqlx.Select(db, &rows, `
		select *
		from telemetry_reading
		where node_id = $1
		order by received_at desc
		limit $2`,
		nodeID,
		limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "select telemetry readings error")
	}
	return rows, nil
}

// SaveLatestTelemetry stores the most recent batch for a node in Redis.
func SaveLatestTelemetry(ctx context.Context, t protocol.Telemetry) error {
	b, err := json.Marshal(t)
	if err != nil {
		return errors.Wrap(err, "marshal telemetry error")
	}
	key := GetRedisKey(latestTelemetryKeyTempl, t.NodeID)
	if err := RedisClient().Set(ctx, key, b, nodeTTL).Err(); err != nil {
		return errors.Wrap(err, "save latest telemetry error")
	}
	return nil
}

// GetLatestTelemetry returns the most recent batch for a node.
func GetLatestTelemetry(ctx context.Context, nodeID string) (protocol.Telemetry, error) {
	var t protocol.Telemetry
	key := GetRedisKey(latestTelemetryKeyTempl, nodeID)
	b, err := RedisClient().Get(ctx, key).Bytes()
	if err != nil {
		return t, errors.Wrap(err, "get latest telemetry error")
	}
	if err := json.Unmarshal(b, &t); err != nil {
		return t, errors.Wrap(err, "unmarshal telemetry error")
	}
	return t, nil
}

// Sink persists received telemetry: last-seen metadata and the latest
// batch in Redis, full reading history in PostgreSQL when configured.
type Sink struct{}

// Ingest implements telemetry.Sink.
func (s Sink) Ingest(ctx context.Context, t protocol.Telemetry) error {
	now := time.Now()

	if err := SaveNodeMeta(ctx, NodeMeta{
		NodeID:   t.NodeID,
		LastSeen: now,
		RSSI:     t.RSSI,
	}); err != nil {
		log.WithError(err).WithField("node_id", t.NodeID).Error("storage: save node meta error")
	}
	if err := SaveLatestTelemetry(ctx, t); err != nil {
		log.WithError(err).WithField("node_id", t.NodeID).Error("storage: save latest telemetry error")
	}

	if db == nil {
		return nil
	}

	reported := now
	if t.Timestamp > 0 {
		sec := int64(t.Timestamp)
		nsec := int64((t.Timestamp - float64(sec)) * 1e9)
		reported = time.Unix(sec, nsec)
	}

	rows := make([]TelemetryReading, 0, len(t.Readings))
	for _, r := range t.Readings {
		rows = append(rows, TelemetryReading{
			ReceivedAt: now,
			ReportedAt: reported,
			NodeID:     t.NodeID,
			ClassID:    r.ClassID,
			Name:       r.Name,
			Units:      r.Units,
			Value:      r.Value,
			RSSI:       t.RSSI,
		})
	}
	return Transaction(func(tx sqlx.Ext) error {
		return SaveTelemetryReadings(tx, rows)
	})
}
