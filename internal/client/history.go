package client

import (
	"context"
	"time"

	"github.com/apex/log"

	"difyrelay/internal/models"
)

// HistoryStore persists a session's message list between runs.
type HistoryStore interface {
	Load(ctx context.Context, sessionID string) ([]models.Message, error)
	Save(ctx context.Context, sessionID string, messages []models.Message) error
	Clear(ctx context.Context, sessionID string) error
}

const historyTimeout = 5 * time.Second

// PersistHistory saves the message list whenever it settles: when a turn is
// submitted, when it ends and when the list is cleared. Streaming updates are
// skipped.
func PersistHistory(store HistoryStore) Observer {
	return ObserverFunc(func(u models.SessionUpdate) {
		if u.State == StateStreaming.String() {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()

		var err error
		if len(u.Messages) == 0 {
			err = store.Clear(ctx, u.SessionID)
		} else {
			err = store.Save(ctx, u.SessionID, u.Messages)
		}
		if err != nil {
			log.WithError(err).WithField("session_id", u.SessionID).Warn("saving chat history failed")
		}
	})
}
