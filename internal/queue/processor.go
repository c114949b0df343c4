package queue

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/shinji-kodama/bookfetch/internal/logging"
)

// statusEvery is how many ticks pass between debug reports of the queue size.
const statusEvery = 10

// Dispatcher is the side of the IRC session the processor drives.
type Dispatcher interface {
	// Waiting reports whether a request is in flight.
	Waiting() bool

	// ProcessQueue sends the next queued request, if the session is idle.
	ProcessQueue() error
}

// Processor feeds queued requests to a Dispatcher, one at a time.
type Processor struct {
	queue    *Manager
	session  Dispatcher
	interval time.Duration
	logger   *log.Logger
}

// NewProcessor creates a Processor that checks the queue every interval.
// A non-positive interval means one second.
func NewProcessor(queue *Manager, session Dispatcher, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Processor{
		queue:    queue,
		session:  session,
		interval: interval,
		logger:   logging.For("queueproc"),
	}
}

// SetLogger replaces the component logger.
func (p *Processor) SetLogger(l *log.Logger) {
	p.logger = l
}

// Run processes the queue until ctx is cancelled. Dispatch errors are
// logged; the loop keeps going.
func (p *Processor) Run(ctx context.Context) {
	p.logger.Info("queue processor started")
	defer p.logger.Info("queue processor stopped")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	ticks := 0
	for {
		p.tick()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ticks++
		if ticks%statusEvery == 0 {
			p.logger.Debug("queue size", "size", p.queue.Size())
		}
	}
}

// tick dispatches the next item when the session is idle.
func (p *Processor) tick() {
	if p.session.Waiting() || p.queue.IsEmpty() {
		return
	}
	p.logger.Debug("processing next item in queue")
	if err := p.session.ProcessQueue(); err != nil {
		p.logger.Error("failed to process queue", "err", err)
	}
}
