package workflow

import (
	"log/slog"
	"sync"

	"github.com/ashita-ai/whitepaper/internal/model"
)

// Observer receives stage records as they are committed.
type Observer func(model.StageRecord)

// dispatcher delivers records to one observer in commit order. publish
// never blocks: records queue without bound and a dedicated goroutine drains
// them.
type dispatcher struct {
	observer Observer
	logger   *slog.Logger

	mu     sync.Mutex
	queue  []model.StageRecord
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newDispatcher(obs Observer, logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		observer: obs,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if obs == nil {
		close(d.done)
		return d
	}
	go d.loop()
	return d
}

func (d *dispatcher) publish(rec model.StageRecord) {
	if d.observer == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, rec)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close stops accepting records. Queued records are still delivered.
func (d *dispatcher) close() {
	if d.observer == nil {
		return
	}
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop() {
	defer close(d.done)
	for range d.wake {
		for {
			d.mu.Lock()
			batch := d.queue
			d.queue = nil
			closed := d.closed
			d.mu.Unlock()

			for _, rec := range batch {
				d.deliver(rec)
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}

func (d *dispatcher) deliver(rec model.StageRecord) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("workflow: observer panicked", "stage", rec.Stage, "seq", rec.Seq, "panic", r)
		}
	}()
	d.observer(rec)
}
