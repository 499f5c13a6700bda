package broadcast

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Sink receives exported change events.
type Sink interface {
	Export(ctx context.Context, ev domain.ChangeEvent) error
}

// ExporterOptions size the exporter's worker pool.
type ExporterOptions struct {
	Workers        int
	Buffer         int
	Timeout        time.Duration
	HandoffTimeout time.Duration
}

// Exporter hands events to a sink from a bounded pool of workers. Publish
// never blocks longer than HandoffTimeout; events that cannot be queued in
// time are dropped and logged.
type Exporter struct {
	sink Sink
	opts ExporterOptions
	log  *log.Logger

	mu     sync.RWMutex
	jobs   chan domain.ChangeEvent
	closed bool
	wg     sync.WaitGroup
}

func NewExporter(sink Sink, opts ExporterOptions, logger *log.Logger) *Exporter {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer < 0 {
		opts.Buffer = 0
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if logger == nil {
		panic("Logger is not initialized")
	}
	e := &Exporter{
		sink: sink,
		opts: opts,
		log:  logger,
		jobs: make(chan domain.ChangeEvent, opts.Buffer),
	}
	for i := 0; i < opts.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	logger.Infof("event exporter started, workers: %d, buffer: %d, timeout: %v, handoff: %v", opts.Workers, opts.Buffer, opts.Timeout, opts.HandoffTimeout)
	return e
}

func (e *Exporter) worker(id int) {
	defer e.wg.Done()
	for ev := range e.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), e.opts.Timeout)
		err := e.sink.Export(ctx, ev)
		cancel()
		if err != nil {
			e.log.WithError(err).WithFields(log.Fields{"event": ev.Type, "task": ev.ID(), "worker": id}).Error("event export failed")
		}
	}
}

// Publish queues ev for export.
func (e *Exporter) Publish(ev domain.ChangeEvent) {
	if !e.tryEnqueue(ev) {
		e.log.WithFields(log.Fields{"event": ev.Type, "task": ev.ID()}).Error("event exporter saturated, dropping event")
	}
}

func (e *Exporter) tryEnqueue(ev domain.ChangeEvent) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.jobs <- ev:
		return true
	default:
	}
	if e.opts.HandoffTimeout <= 0 {
		return false
	}
	timer := time.NewTimer(e.opts.HandoffTimeout)
	defer timer.Stop()
	select {
	case e.jobs <- ev:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops accepting events and waits for queued ones to be exported.
func (e *Exporter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()
	e.wg.Wait()
}
