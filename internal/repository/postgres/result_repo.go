package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"github.com/xela07ax/spaceai-telemetry-guard/internal/domain"
	"github.com/xela07ax/spaceai-telemetry-guard/internal/infra"
)

// Количество колонок в таблице anomaly_results
const resultColumns = 13

// Postgres ограничивает число параметров одного запроса 65535
const maxRowsPerInsert = 65535 / resultColumns

const schemaDDL = `
CREATE TABLE IF NOT EXISTS anomaly_results (
	id           UUID PRIMARY KEY,
	unit_id      TEXT NOT NULL,
	sample_time  TIMESTAMPTZ,
	is_anomaly   BOOLEAN NOT NULL,
	severity     TEXT NOT NULL,
	score        DOUBLE PRECISION NOT NULL,
	source       TEXT NOT NULL,
	degraded     TEXT,
	resources    JSONB,
	latency_us   BIGINT NOT NULL,
	confidence   DOUBLE PRECISION NOT NULL,
	explanation  JSONB,
	detected_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS anomaly_results_unit_time_idx ON anomaly_results (unit_id, detected_at DESC);`

// Open открывает пул через драйвер pgx/stdlib. Соединение проверяется Ping.
func Open(ctx context.Context, cfg infra.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	maxConns := int(cfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 25
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(int(cfg.MinConns), 1))
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

// ResultRepo - хранилище результатов детекции для sink.
type ResultRepo struct {
	db *sql.DB
}

func NewResultRepo(db *sql.DB) *ResultRepo {
	return &ResultRepo{db: db}
}

// EnsureSchema создает таблицу, если ее еще нет.
func (r *ResultRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

// WriteBatch - пакетная вставка. Повтор ID (переотправка из Pub/Sub) игнорируется.
func (r *ResultRepo) WriteBatch(ctx context.Context, results []*domain.AnomalyResult) error {
	for start := 0; start < len(results); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(results))
		query, vals, err := buildInsert(results[start:end])
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
			return fmt.Errorf("postgres: insert %d results: %w", end-start, err)
		}
	}
	return nil
}

// buildInsert динамически строит запрос для пакетной вставки
func buildInsert(results []*domain.AnomalyResult) (string, []interface{}, error) {
	var sb strings.Builder
	vals := make([]interface{}, 0, len(results)*resultColumns)

	for i, res := range results {
		if i > 0 {
			sb.WriteString(", ")
		}
		p := i * resultColumns
		sb.WriteString("(")
		for c := 1; c <= resultColumns; c++ {
			if c > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", p+c)
		}
		sb.WriteString(")")

		resources, err := json.Marshal(res.ResourceStatus)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode resources: %w", err)
		}
		explanation, err := json.Marshal(res.Explanation)
		if err != nil {
			return "", nil, fmt.Errorf("postgres: encode explanation: %w", err)
		}

		var sampleTime interface{}
		if !res.SampleTime.IsZero() {
			sampleTime = res.SampleTime
		}

		vals = append(vals,
			res.ID, res.UnitID, sampleTime, res.IsAnomaly, string(res.Severity),
			res.Score, string(res.Source), res.Degraded, resources,
			res.Latency.Microseconds(), res.Confidence, explanation, res.DetectedAt,
		)
	}

	query := "INSERT INTO anomaly_results (id, unit_id, sample_time, is_anomaly, severity, score, source, " +
		"degraded, resources, latency_us, confidence, explanation, detected_at) VALUES " +
		sb.String() + " ON CONFLICT (id) DO NOTHING"
	return query, vals, nil
}
