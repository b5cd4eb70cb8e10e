package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"difyrelay/internal/models"
)

type recordingExecer struct {
	sql  string
	args []any
	err  error
}

func (e *recordingExecer) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	e.sql = sql
	e.args = arguments
	return pgconn.NewCommandTag("INSERT 0 1"), e.err
}

func TestExchangeRepo_Create(t *testing.T) {
	db := &recordingExecer{}
	repo := NewExchangeRepo(db)

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec := models.ExchangeRecord{
		ID:           uuid.New(),
		RequestID:    "req-1",
		TargetHost:   "api.dify.ai",
		Status:       200,
		BytesRelayed: 4096,
		Duration:     1500 * time.Millisecond,
		Outcome:      models.OutcomeCompleted,
		CreatedAt:    created,
	}
	require.NoError(t, repo.Create(context.Background(), rec))

	assert.True(t, strings.Contains(db.sql, "INSERT INTO relay_exchanges"), db.sql)
	assert.Equal(t, []any{
		rec.ID, "req-1", "api.dify.ai", 200, int64(4096), int64(1500), models.OutcomeCompleted, created,
	}, db.args)
}

func TestExchangeRepo_CreateError(t *testing.T) {
	boom := errors.New("connection refused")
	repo := NewExchangeRepo(&recordingExecer{err: boom})

	err := repo.Create(context.Background(), models.ExchangeRecord{ID: uuid.New()})
	assert.ErrorIs(t, err, boom)
}
