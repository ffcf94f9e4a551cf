package client

import (
	"errors"
	"sync"
	"time"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/internal/slogging"
	"github.com/ericfitz/tmcollab/internal/uuidgen"
)

// Queue errors
var (
	ErrQueueClosed   = errors.New("operation queue is closed")
	ErrFlushExceeded = errors.New("flush retries exhausted")
)

// FlushFunc delivers a batch to the transport. A non-nil error requeues the
// batch at the front of the queue for retry.
type FlushFunc func(ops []api.Operation) error

// GiveUpFunc is notified when a batch is dropped after exhausting retries
type GiveUpFunc func(ops []api.Operation, err error)

// OperationQueue collects locally created operations and flushes them in
// batches. A batch window timer starts on the first enqueue into an empty
// queue, so rapid edits coalesce into one network send while a lone edit
// still ships within one window. Operations flush in enqueue order; a failed
// flush requeues its batch at the front so order is preserved across
// retries.
type OperationQueue struct {
	mu sync.Mutex

	originUserID    string
	window          time.Duration
	disableBatching bool
	maxRetries      int
	flush           FlushFunc
	onGiveUp        GiveUpFunc

	pending     []api.Operation
	timer       *time.Timer
	timerArmed  bool
	pausedUntil time.Time
	// Consecutive failed flush attempts for the batch at the front
	retries int
	closed  bool

	// Injectable clock for tests
	now func() time.Time
}

// QueueConfig configures an operation queue
type QueueConfig struct {
	OriginUserID string
	// BatchWindow is how long the queue waits after the first enqueue
	// before flushing
	BatchWindow time.Duration
	// DisableBatching flushes synchronously on every enqueue instead of
	// waiting out the batch window. Retries and pauses still apply.
	DisableBatching bool
	// MaxFlushRetries bounds consecutive delivery attempts for one batch
	MaxFlushRetries int
	Flush           FlushFunc
	OnGiveUp        GiveUpFunc
}

// NewOperationQueue creates a queue; Flush is required
func NewOperationQueue(cfg QueueConfig) *OperationQueue {
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.MaxFlushRetries <= 0 {
		cfg.MaxFlushRetries = 5
	}
	return &OperationQueue{
		originUserID:    cfg.OriginUserID,
		window:          cfg.BatchWindow,
		disableBatching: cfg.DisableBatching,
		maxRetries:      cfg.MaxFlushRetries,
		flush:           cfg.Flush,
		onGiveUp:        cfg.OnGiveUp,
		now:             time.Now,
	}
}

// Enqueue stamps an operation with an id, timestamp, and origin, and queues
// it for the next flush. With batching disabled the flush happens before
// Enqueue returns. Returns the stamped operation.
func (q *OperationQueue) Enqueue(op api.Operation) (api.Operation, error) {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()
		return api.Operation{}, ErrQueueClosed
	}

	op.ID = uuidgen.MustNewOperationID()
	op.Timestamp = q.now().UTC()
	op.OriginUserID = q.originUserID
	if err := op.Validate(); err != nil {
		q.mu.Unlock()
		return api.Operation{}, err
	}

	q.pending = append(q.pending, op)
	if q.disableBatching {
		q.mu.Unlock()
		q.Flush()
		return op, nil
	}
	q.armTimerLocked(q.window)
	q.mu.Unlock()
	return op, nil
}

// Cancel removes a not-yet-flushed operation from the queue. Returns false
// if the operation already flushed or never existed.
func (q *OperationQueue) Cancel(operationID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.pending {
		if q.pending[i].ID == operationID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// PauseUntil suspends flushing until the given time. Used when the server
// reports rate limiting: operations keep queueing locally and none are
// dropped. A pause does not count against the flush retry budget.
func (q *OperationQueue) PauseUntil(t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.After(q.pausedUntil) {
		q.pausedUntil = t
	}
	if len(q.pending) > 0 {
		q.rearmTimerLocked(time.Until(q.pausedUntil))
	}
}

// Len returns the number of queued operations
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the timer and rejects further enqueues. Queued operations
// remain; call Flush first for a clean shutdown.
func (q *OperationQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timerArmed = false
	}
}

// armTimerLocked starts the flush timer if it isn't already running.
// Caller holds q.mu.
func (q *OperationQueue) armTimerLocked(d time.Duration) {
	if q.timerArmed {
		return
	}
	q.rearmTimerLocked(d)
}

// rearmTimerLocked (re)schedules the flush timer unconditionally, replacing
// any pending fire time. Caller holds q.mu.
func (q *OperationQueue) rearmTimerLocked(d time.Duration) {
	if d < 0 {
		d = 0
	}
	q.timerArmed = true
	if q.timer == nil {
		q.timer = time.AfterFunc(d, q.onTimer)
	} else {
		q.timer.Stop()
		q.timer.Reset(d)
	}
}

func (q *OperationQueue) onTimer() {
	q.mu.Lock()
	q.timerArmed = false
	q.mu.Unlock()
	q.Flush()
}

// Flush attempts to deliver everything queued. If delivery fails the batch
// is requeued at the front and retried after another window; after the
// retry budget is spent the batch is dropped and OnGiveUp is notified.
// If the queue is paused, Flush reschedules itself without attempting
// delivery or consuming a retry.
func (q *OperationQueue) Flush() {
	q.mu.Lock()
	if q.closed && len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	now := q.now()
	if now.Before(q.pausedUntil) {
		if len(q.pending) > 0 {
			q.rearmTimerLocked(q.pausedUntil.Sub(now))
		}
		q.mu.Unlock()
		return
	}
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.pending
	q.pending = nil
	flush := q.flush
	q.mu.Unlock()

	err := flush(batch)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err == nil {
		q.retries = 0
		if len(q.pending) > 0 {
			q.armTimerLocked(q.window)
		}
		return
	}

	q.retries++
	if q.retries > q.maxRetries {
		slogging.Get().Error("Dropping operation batch after %d failed flushes - Count: %d, Error: %v", q.retries-1, len(batch), err)
		dropped := batch
		q.retries = 0
		onGiveUp := q.onGiveUp
		if onGiveUp != nil {
			go onGiveUp(dropped, ErrFlushExceeded)
		}
		if len(q.pending) > 0 {
			q.armTimerLocked(q.window)
		}
		return
	}

	slogging.Get().Warn("Flush failed, requeueing batch - Attempt: %d/%d, Count: %d, Error: %v", q.retries, q.maxRetries, len(batch), err)
	q.pending = append(batch, q.pending...)
	q.armTimerLocked(q.window)
}
