package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"difyrelay/internal/models"
)

// Execer is the slice of *pgxpool.Pool the exchange log needs.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type ExchangeRepo struct {
	db Execer
}

func NewExchangeRepo(db Execer) *ExchangeRepo {
	return &ExchangeRepo{db: db}
}

func (r *ExchangeRepo) Create(ctx context.Context, rec models.ExchangeRecord) error {
	query := `INSERT INTO relay_exchanges (id, request_id, target_host, status, bytes_relayed, duration_ms, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		rec.ID, rec.RequestID, rec.TargetHost, rec.Status, rec.BytesRelayed,
		rec.Duration.Milliseconds(), rec.Outcome, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert exchange: %w", err)
	}
	return nil
}
