package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"

	"difyrelay/internal/models"
)

// ExchangeStore persists exchange records.
type ExchangeStore interface {
	Create(ctx context.Context, rec models.ExchangeRecord) error
}

// Recorder takes exchange records off the request path and writes them to the
// store from a fixed set of goroutines. When the queue is full new records are
// dropped rather than slowing the relay down.
type Recorder struct {
	store       ExchangeStore
	queue       chan models.ExchangeRecord
	workerCount int
	stopChan    chan struct{}
	wg          sync.WaitGroup
	dropped     atomic.Int64
}

func NewRecorder(store ExchangeStore, workerCount, queueSize int) *Recorder {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Recorder{
		store:       store,
		queue:       make(chan models.ExchangeRecord, queueSize),
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

func (p *Recorder) Start() {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	log.Infof("Started %d exchange recorder goroutines", p.workerCount)
}

// Stop lets the workers drain what is already queued, then returns.
func (p *Recorder) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}

// Record queues rec without blocking.
func (p *Recorder) Record(rec models.ExchangeRecord) {
	select {
	case p.queue <- rec:
	default:
		p.dropped.Add(1)
		log.WithField("request_id", rec.RequestID).Warn("exchange log queue full, dropping record")
	}
}

// Dropped is the number of records discarded because the queue was full.
func (p *Recorder) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Recorder) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case rec := <-p.queue:
			p.write(id, rec)
		case <-p.stopChan:
			for {
				select {
				case rec := <-p.queue:
					p.write(id, rec)
				default:
					log.Debugf("Recorder %d shutting down", id)
					return
				}
			}
		}
	}
}

func (p *Recorder) write(id int, rec models.ExchangeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.Create(ctx, rec); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"worker":     id,
			"request_id": rec.RequestID,
		}).Error("failed to write exchange record")
	}
}
