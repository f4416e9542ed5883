package txn

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/replisync/replisync/internal/core/connectivity"
	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/record"
	"github.com/replisync/replisync/internal/core/store"
	"github.com/replisync/replisync/pkg/clock"
)

// DefaultNamespace is the store blob namespace the serialized queue lives in.
const DefaultNamespace = "txnqueue"

// ErrQueueDestroyed is returned by Enqueue after Destroy.
var ErrQueueDestroyed = errors.New("txn: queue destroyed")

// QueueConfig holds the queue settings.
type QueueConfig struct {
	// Namespace is the store blob namespace for persistence.
	Namespace string

	// RetryInitial and RetryMax bound the pacing of retries after an
	// unreachable submission. Retries continue until the server answers
	// definitively or the queue is destroyed.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// OnRollback fires exactly once per definitively rejected transaction,
	// after it has been removed from the queue.
	OnRollback func(Transaction)
}

// DefaultQueueConfig returns the production defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Namespace:    DefaultNamespace,
		RetryInitial: 2 * time.Second,
		RetryMax:     time.Minute,
	}
}

type pendingSub struct {
	ptr  record.Pointer
	fn   func(bool)
	last bool
}

// Queue is the durable FIFO transaction queue. Enqueue completes once the
// transaction is persisted, not once the server acknowledges it. Safe for
// concurrent use.
type Queue struct {
	cfg     QueueConfig
	store   *store.Store
	sender  Sender
	monitor *connectivity.Monitor
	clock   clock.Clock
	log     log.Log

	mu         sync.Mutex
	items      []Transaction
	flushing   bool
	destroyed  bool
	retryTimer clock.Timer
	bo         *backoff.ExponentialBackOff

	subs    map[uint64]*pendingSub
	nextSub uint64

	unsubMonitor func()
}

// NewQueue loads any persisted transactions from the store and starts
// observing the connectivity monitor: an offline-to-online transition
// triggers an immediate flush.
func NewQueue(cfg QueueConfig, st *store.Store, sender Sender, mon *connectivity.Monitor, logger log.Log, clk clock.Clock) (*Queue, error) {
	def := DefaultQueueConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if clk == nil {
		clk = clock.System()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.RetryInitial
	bo.MaxInterval = cfg.RetryMax
	bo.MaxElapsedTime = 0 // never give up on a transient failure
	bo.Clock = clk
	bo.Reset()

	q := &Queue{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		monitor: mon,
		clock:   clk,
		log:     logger.With(log.String("component", "txn.queue")),
		bo:      bo,
		subs:    make(map[uint64]*pendingSub),
	}
	if err := q.load(context.Background()); err != nil {
		return nil, err
	}
	if mon != nil {
		q.unsubMonitor = mon.Subscribe(func(online bool) {
			if online {
				go q.Flush(context.Background())
			}
		})
	}
	if len(q.items) > 0 {
		q.log.Info("recovered persisted transactions", log.Int("count", len(q.items)))
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	data, _, ok, err := q.store.GetBlob(ctx, q.cfg.Namespace, 0)
	if err != nil {
		return errors.Wrap(err, "load queue")
	}
	if !ok {
		return nil
	}
	if err = json.Unmarshal(data, &q.items); err != nil {
		return errors.Wrap(err, "decode queue")
	}
	return nil
}

// Enqueue appends a transaction, persists the queue, and kicks off an
// asynchronous submission attempt. The error, if any, is about durability;
// submission outcomes surface through rollback and the pending subscriptions.
func (q *Queue) Enqueue(ctx context.Context, tx Transaction) error {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return ErrQueueDestroyed
	}
	q.items = append(q.items, tx)
	err := q.persistLocked(ctx)
	notify := q.pendingChangesLocked()
	q.mu.Unlock()

	q.fire(notify)
	go q.Flush(context.Background())
	return err
}

// Flush submits queued transactions in FIFO order until the queue drains or
// the server becomes unreachable. Concurrent calls collapse into one pass.
func (q *Queue) Flush(ctx context.Context) {
	q.mu.Lock()
	if q.destroyed || q.flushing {
		q.mu.Unlock()
		return
	}
	q.flushing = true
	q.cancelTimerLocked()
	q.mu.Unlock()

	retry := q.drain(ctx)

	q.mu.Lock()
	q.flushing = false
	q.mu.Unlock()

	// Armed only after the flushing flag clears, so the timer firing can
	// never collapse into the pass that scheduled it.
	if retry {
		q.scheduleRetry()
	}
}

// drain submits head transactions until the queue empties or the server
// stops responding. Reports whether a retry should be scheduled.
func (q *Queue) drain(ctx context.Context) bool {
	for {
		q.mu.Lock()
		if q.destroyed || len(q.items) == 0 {
			q.mu.Unlock()
			return false
		}
		tx := q.items[0]
		q.mu.Unlock()

		status, err := q.sender.Submit(ctx, tx)
		switch status {
		case StatusAccepted:
			if q.monitor != nil {
				q.monitor.SetOnline(true)
			}
			q.bo.Reset()
			q.remove(ctx, tx.TransactionID)
			q.log.Debug("transaction acknowledged",
				log.String("transaction_id", tx.TransactionID))

		case StatusRejected:
			removed := q.remove(ctx, tx.TransactionID)
			q.log.Warn("transaction rejected, rolling back",
				log.String("transaction_id", tx.TransactionID))
			if removed && q.cfg.OnRollback != nil {
				q.cfg.OnRollback(tx)
			}

		case StatusUnreachable:
			if q.monitor != nil {
				q.monitor.SetOnline(false)
			}
			q.log.Debug("server unreachable, transaction stays queued",
				log.String("transaction_id", tx.TransactionID),
				log.Error(err))
			return true
		}
	}
}

func (q *Queue) scheduleRetry() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed {
		return
	}
	delay := q.bo.NextBackOff()
	if delay == backoff.Stop {
		delay = q.cfg.RetryMax
	}
	q.cancelTimerLocked()
	q.retryTimer = q.clock.AfterFunc(delay, func() {
		q.Flush(context.Background())
	})
	q.log.Debug("retry scheduled", log.Duration("delay", delay))
}

// remove drops a transaction by id and persists. Reports whether it was
// still queued, which guards the rollback against double delivery.
func (q *Queue) remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	found := false
	for i, tx := range q.items {
		if tx.TransactionID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			found = true
			break
		}
	}
	var notify []func()
	if found {
		if err := q.persistLocked(ctx); err != nil {
			q.log.Error("failed to persist queue", log.Error(err))
		}
		notify = q.pendingChangesLocked()
	}
	q.mu.Unlock()

	q.fire(notify)
	return found
}

func (q *Queue) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(q.items)
	if err != nil {
		return errors.Wrap(err, "encode queue")
	}
	return q.store.SetBlob(ctx, q.cfg.Namespace, data)
}

// IsPending reports whether any queued transaction still targets the pointer.
func (q *Queue) IsPending(p record.Pointer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.isPendingLocked(p)
}

func (q *Queue) isPendingLocked(p record.Pointer) bool {
	for _, tx := range q.items {
		for _, op := range tx.Operations {
			if op.Pointer == p {
				return true
			}
		}
	}
	return false
}

// SubscribePending watches one pointer's pending status; fn fires on every
// transition. The returned function removes the subscription.
func (q *Queue) SubscribePending(p record.Pointer, fn func(pending bool)) func() {
	q.mu.Lock()
	q.nextSub++
	id := q.nextSub
	q.subs[id] = &pendingSub{ptr: p, fn: fn, last: q.isPendingLocked(p)}
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.subs, id)
	}
}

// pendingChangesLocked collects the notifications owed after a queue
// mutation. Caller holds mu; the returned closures run unlocked.
func (q *Queue) pendingChangesLocked() []func() {
	var out []func()
	for _, sub := range q.subs {
		cur := q.isPendingLocked(sub.ptr)
		if cur == sub.last {
			continue
		}
		sub.last = cur
		fn := sub.fn
		out = append(out, func() { fn(cur) })
	}
	return out
}

func (q *Queue) fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// Len returns the number of queued transactions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Transactions returns a snapshot of the queue in FIFO order.
func (q *Queue) Transactions() []Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Transaction(nil), q.items...)
}

// Destroy stops background retry and releases resources. Queued transactions
// stay persisted for the next session.
func (q *Queue) Destroy() {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return
	}
	q.destroyed = true
	q.cancelTimerLocked()
	q.subs = make(map[uint64]*pendingSub)
	unsub := q.unsubMonitor
	q.unsubMonitor = nil
	q.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	q.log.Info("queue destroyed")
}

func (q *Queue) cancelTimerLocked() {
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}
