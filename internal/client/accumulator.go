// Package client drives a chat exchange from the caller's side: it submits the
// request, reads the streamed response and folds the decoded events into the
// visible message list.
package client

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"

	"difyrelay/internal/models"
	"difyrelay/internal/stream"
)

var (
	ErrBusy       = errors.New("client: an exchange is already in flight")
	ErrEmptyQuery = errors.New("client: query is empty")
)

const (
	reasonSendFailed = "Failed to send message"
	reasonReadFailed = "Failed to read response"
	reasonCancelled  = "Cancelled"
)

// Observer is told about every change to the message list. It receives a
// copy and must not block for long; it runs on the read loop.
type Observer interface {
	OnUpdate(update models.SessionUpdate)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(update models.SessionUpdate)

func (f ObserverFunc) OnUpdate(update models.SessionUpdate) { f(update) }

type Option func(*Accumulator)

// WithUser sets the user id sent with every request.
func WithUser(user string) Option {
	return func(a *Accumulator) { a.user = user }
}

// WithSessionID names the session for observers.
func WithSessionID(id string) Option {
	return func(a *Accumulator) { a.sessionID = id }
}

// WithMessages seeds the list, typically from saved history.
func WithMessages(messages []models.Message) Option {
	return func(a *Accumulator) { a.messages = append([]models.Message(nil), messages...) }
}

func WithObserver(o Observer) Option {
	return func(a *Accumulator) { a.observers = append(a.observers, o) }
}

// Accumulator owns the message list and the busy flag. Only its transition
// logic writes to them; everything else reads copies.
//
// At most one exchange is in flight. Submit while busy fails with ErrBusy;
// SubmitReplacing cancels the running exchange first.
type Accumulator struct {
	sender    Sender
	user      string
	sessionID string
	observers []Observer
	now       func() time.Time

	mu       sync.Mutex
	messages []models.Message
	current  Exchange
	index    int // position of the current assistant message
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewAccumulator(sender Sender, opts ...Option) *Accumulator {
	a := &Accumulator{
		sender:    sender,
		user:      "user-123",
		sessionID: uuid.NewString(),
		now:       time.Now,
		index:     -1,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Accumulator) SessionID() string { return a.sessionID }

// State returns the state of the most recent exchange, Idle if none ran.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current.State
}

// Busy is true while an exchange is sending or streaming.
func (a *Accumulator) Busy() bool {
	return a.State().Busy()
}

// Current returns a copy of the most recent exchange.
func (a *Accumulator) Current() Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Messages returns a copy of the message list.
func (a *Accumulator) Messages() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.Message(nil), a.messages...)
}

// Submit appends the user message and an empty assistant placeholder, then
// sends the request and streams the answer in the background. Use Wait to
// block until the exchange ends.
func (a *Accumulator) Submit(ctx context.Context, query string) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}

	a.mu.Lock()
	if a.current.State.Busy() {
		a.mu.Unlock()
		return ErrBusy
	}

	now := a.now()
	a.messages = append(a.messages, models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleUser,
		Content:   query,
		CreatedAt: now,
	})
	assistant := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		CreatedAt: now,
	}
	a.messages = append(a.messages, assistant)
	a.index = len(a.messages) - 1
	a.current = Exchange{
		ID:          uuid.NewString(),
		AssistantID: assistant.ID,
		State:       StateSending,
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	x := a.current
	update := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(update)

	go a.run(runCtx, cancel, done, x, NewStreamingRequest(query, a.user))
	return nil
}

// SubmitReplacing cancels any running exchange, waits for its read loop to
// exit and then submits query.
func (a *Accumulator) SubmitReplacing(ctx context.Context, query string) error {
	a.Cancel()
	a.Wait()
	return a.Submit(ctx, query)
}

// Ask submits query and waits for the exchange to finish.
func (a *Accumulator) Ask(ctx context.Context, query string) (Exchange, error) {
	if err := a.Submit(ctx, query); err != nil {
		return Exchange{}, err
	}
	a.Wait()
	return a.Current(), nil
}

// Wait blocks until the current exchange, if any, has ended.
func (a *Accumulator) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Cancel aborts the in-flight exchange. It is a no-op when idle.
func (a *Accumulator) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels any running exchange and waits for it.
func (a *Accumulator) Close() {
	a.Cancel()
	a.Wait()
}

// ClearAll drops every message. It refuses while an exchange is running.
func (a *Accumulator) ClearAll() error {
	a.mu.Lock()
	if a.current.State.Busy() {
		a.mu.Unlock()
		return ErrBusy
	}
	a.messages = nil
	a.index = -1
	a.current = Exchange{}
	update := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(update)
	return nil
}

func (a *Accumulator) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}, x Exchange, req models.ChatRequest) {
	defer close(done)
	defer cancel()

	logger := log.WithFields(log.Fields{
		"session_id":  a.sessionID,
		"exchange_id": x.ID,
	})

	resp, err := a.sender.Send(ctx, req)
	if err != nil {
		logger.WithError(err).Error("chat request failed")
		a.update(func(x Exchange) Exchange { return fail(x, interruptReason(ctx, reasonSendFailed)) })
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.WithField("status", resp.StatusCode).Warn("chat request rejected")
		a.update(func(x Exchange) Exchange { return fail(x, "API Error: "+http.StatusText(resp.StatusCode)) })
		return
	}

	a.update(func(x Exchange) Exchange {
		if x.State == StateSending {
			x.State = StateStreaming
		}
		return x
	})

	dec := stream.NewDecoder()
	dec.Logger = logger
	err = dec.Decode(resp.Body, func(ev stream.Event) bool {
		return !a.applyEvent(ev).Terminal()
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("reading chat response failed")
		}
		a.update(func(x Exchange) Exchange { return fail(x, interruptReason(ctx, reasonReadFailed)) })
		return
	}

	// EOF, the [DONE] sentinel or a terminal event. complete leaves an
	// already finished exchange alone.
	a.update(complete)
}

// applyEvent folds one event into the current exchange and reports the
// resulting state.
func (a *Accumulator) applyEvent(ev stream.Event) State {
	var state State
	a.update(func(x Exchange) Exchange {
		x = Apply(x, ev)
		state = x.State
		return x
	})
	return state
}

// update is the single mutation path: it runs fn on the current exchange,
// writes the assistant content back into the list and notifies observers if
// anything changed.
func (a *Accumulator) update(fn func(Exchange) Exchange) {
	a.mu.Lock()
	before := a.current
	after := fn(before)
	if after == before {
		a.mu.Unlock()
		return
	}
	a.current = after
	if a.index >= 0 && a.index < len(a.messages) && a.messages[a.index].ID == after.AssistantID {
		a.messages[a.index].Content = after.Content
	}
	update := a.snapshotLocked()
	a.mu.Unlock()

	a.notify(update)
}

func (a *Accumulator) snapshotLocked() models.SessionUpdate {
	return models.SessionUpdate{
		SessionID: a.sessionID,
		State:     a.current.State.String(),
		Messages:  append([]models.Message(nil), a.messages...),
	}
}

func (a *Accumulator) notify(update models.SessionUpdate) {
	for _, o := range a.observers {
		o.OnUpdate(update)
	}
}

func interruptReason(ctx context.Context, fallback string) string {
	if ctx.Err() != nil {
		return reasonCancelled
	}
	return fallback
}
