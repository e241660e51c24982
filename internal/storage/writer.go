package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ResultSink is the persistence the writer drains into. *DB implements it.
type ResultSink interface {
	InsertHealthCheck(ctx context.Context, r *HealthCheckResult) error
	InsertE2EResult(ctx context.Context, r *E2EResult) error
}

type writeJob struct {
	health *HealthCheckResult
	e2e    *E2EResult
}

func (j writeJob) id() string {
	if j.health != nil {
		return j.health.ID
	}
	return j.e2e.ID
}

// ResultWriter persists results off the request path. Entries are dropped
// when the buffer is full.
type ResultWriter struct {
	sink ResultSink
	ch   chan writeJob
	wg   sync.WaitGroup
	done chan struct{}

	retryBase time.Duration
}

func NewResultWriter(sink ResultSink, bufferSize int) *ResultWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &ResultWriter{
		sink:      sink,
		ch:        make(chan writeJob, bufferSize),
		done:      make(chan struct{}),
		retryBase: 100 * time.Millisecond,
	}
}

func (w *ResultWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *ResultWriter) LogHealthCheck(r *HealthCheckResult) {
	w.enqueue(writeJob{health: r})
}

func (w *ResultWriter) LogE2E(r *E2EResult) {
	w.enqueue(writeJob{e2e: r})
}

func (w *ResultWriter) enqueue(j writeJob) {
	select {
	case w.ch <- j:
	default:
		log.Warn().Str("result_id", j.id()).Msg("result buffer full, dropping entry")
	}
}

// Flush stops the writer and waits up to timeout for queued entries.
func (w *ResultWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("result writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("result writer flush timed out")
	}
}

func (w *ResultWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case j := <-w.ch:
			w.writeWithRetry(j)
		case <-w.done:
			for {
				select {
				case j := <-w.ch:
					w.writeWithRetry(j)
				default:
					return
				}
			}
		}
	}
}

func (w *ResultWriter) write(j writeJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if j.health != nil {
		return w.sink.InsertHealthCheck(ctx, j.health)
	}
	return w.sink.InsertE2EResult(ctx, j.e2e)
}

func (w *ResultWriter) writeWithRetry(j writeJob) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := w.write(j)
		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.retryBase
			log.Warn().
				Err(err).
				Str("result_id", j.id()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("result write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("result_id", j.id()).
				Msg("result write failed permanently after retries")
		}
	}
}
