package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/redis/go-redis/v9"

	"difyrelay/internal/models"
)

const publishTimeout = 2 * time.Second

// Publisher forwards session updates to Redis so any relay process with a
// Hub can show them. It satisfies client.Observer.
//
// OnUpdate never touches Redis. Each update is a full snapshot, so updates
// that pile up while a publish is in flight are coalesced per session and
// only the latest one is sent.
type Publisher struct {
	redis *redis.Client

	mu      sync.Mutex
	pending map[string]models.SessionUpdate
	order   []string

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func NewPublisher(redisClient *redis.Client) *Publisher {
	p := &Publisher{
		redis:   redisClient,
		pending: make(map[string]models.SessionUpdate),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) OnUpdate(update models.SessionUpdate) {
	p.mu.Lock()
	if _, queued := p.pending[update.SessionID]; !queued {
		p.order = append(p.order, update.SessionID)
	}
	p.pending[update.SessionID] = update
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close publishes whatever is still queued and stops the background loop.
func (p *Publisher) Close() {
	close(p.stop)
	<-p.done
}

func (p *Publisher) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.stop:
			p.flush()
			return
		}
	}
}

func (p *Publisher) flush() {
	p.mu.Lock()
	batch := make([]models.SessionUpdate, 0, len(p.order))
	for _, id := range p.order {
		batch = append(batch, p.pending[id])
	}
	p.pending = make(map[string]models.SessionUpdate)
	p.order = nil
	p.mu.Unlock()

	for _, update := range batch {
		p.publish(update)
	}
}

func (p *Publisher) publish(update models.SessionUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := p.redis.Publish(ctx, ChannelFor(update.SessionID), data).Err(); err != nil {
		log.WithError(err).WithField("session_id", update.SessionID).Debug("publishing session update failed")
	}
}
