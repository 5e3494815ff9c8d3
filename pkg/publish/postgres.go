package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	predictionTable = "churn_predictions"

	createPredictionTable = `CREATE TABLE IF NOT EXISTS churn_predictions (
		customer_id   TEXT NOT NULL,
		churn_score   DOUBLE PRECISION NOT NULL,
		risk_level    TEXT NOT NULL,
		probability   DOUBLE PRECISION,
		model_version TEXT NOT NULL,
		scored_at     TIMESTAMPTZ NOT NULL
	)`
)

var predictionColumns = []string{
	"customer_id", "churn_score", "risk_level", "probability", "model_version", "scored_at",
}

// Prediction is one scored customer.
type Prediction struct {
	CustomerID   string    `json:"customer_id" yaml:"customerID"`
	ChurnScore   float64   `json:"churn_score" yaml:"churnScore"`
	RiskLevel    string    `json:"risk_level" yaml:"riskLevel"`
	Probability  *float64  `json:"probability,omitempty" yaml:"probability,omitempty"`
	ModelVersion string    `json:"model_version,omitempty" yaml:"modelVersion,omitempty"`
	ScoredAt     time.Time `json:"scored_at" yaml:"scoredAt"`
}

type copier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// PredictionSink bulk-loads predictions into PostgreSQL.
type PredictionSink struct {
	db    copier
	close func()
}

// NewPredictionSink connects to the database at dsn.
func NewPredictionSink(ctx context.Context, dsn string) (*PredictionSink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PredictionSink{db: pool, close: pool.Close}, nil
}

// EnsureTable creates the predictions table when it does not exist.
func (s *PredictionSink) EnsureTable(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createPredictionTable); err != nil {
		return fmt.Errorf("create %s: %w", predictionTable, err)
	}
	return nil
}

// Write copies all predictions in one COPY statement and returns the row count.
func (s *PredictionSink) Write(ctx context.Context, list []Prediction) (int64, error) {
	if len(list) == 0 {
		return 0, nil
	}
	src := pgx.CopyFromSlice(len(list), func(i int) ([]any, error) {
		p := list[i]
		return []any{p.CustomerID, p.ChurnScore, p.RiskLevel, p.Probability, p.ModelVersion, p.ScoredAt}, nil
	})
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{predictionTable}, predictionColumns, src)
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", predictionTable, err)
	}
	return n, nil
}

// Close releases the connection pool.
func (s *PredictionSink) Close() {
	if s.close != nil {
		s.close()
	}
}
