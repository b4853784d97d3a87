package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Queue decouples alert delivery from the caller. Enqueue never blocks; a
// single drain goroutine performs the actual sends so a slow or failing
// notifier cannot stall quote protection.
type Queue struct {
	notifier Notifier
	logger   zerolog.Logger
	alerts   chan Alert
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewQueue starts the delivery goroutine over the given notifier.
func NewQueue(notifier Notifier, size int, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 64
	}
	q := &Queue{
		notifier: notifier,
		logger:   logger.With().Str("component", "alert_queue").Logger(),
		alerts:   make(chan Alert, size),
		done:     make(chan struct{}),
	}
	go q.drain()
	return q
}

// Enqueue hands the alert to the delivery goroutine. When the buffer is full
// or the queue is closed the alert is dropped with an error log.
func (q *Queue) Enqueue(alert Alert) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		q.logger.Error().Str("channel_id", alert.ChannelID).Msg("alert queue closed, dropping alert")
		return
	}
	select {
	case q.alerts <- alert:
	default:
		q.logger.Error().Str("channel_id", alert.ChannelID).Msg("alert queue full, dropping alert")
	}
}

// Close stops accepting alerts and waits for in-flight deliveries to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.alerts)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) drain() {
	defer close(q.done)
	for alert := range q.alerts {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := q.notifier.Notify(ctx, alert); err != nil {
			q.logger.Error().Err(err).Str("channel_id", alert.ChannelID).Msg("alert delivery failed")
		}
		cancel()
	}
}
