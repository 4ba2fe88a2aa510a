// Package intake accumulates inbound messages per conversation and hands
// batches to the pipeline, either when a buffer fills or when a conversation
// goes idle.
package intake

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberflow/ember/internal/convo"
)

// Config tunes the per-conversation debounce window.
type Config struct {
	BufferSize int           // flush immediately at this many buffered messages
	BaseWindow time.Duration // idle window for a single buffered message
	MaxWindow  time.Duration // hard cap on the idle window
	Backoff    float64       // window multiplier per extra buffered message
	JitterMin  float64       // lower bound of the per-arm jitter factor
	JitterMax  float64       // upper bound of the per-arm jitter factor
}

// DefaultConfig returns the intake timing used when config is silent.
func DefaultConfig() Config {
	return Config{
		BufferSize: 5,
		BaseWindow: 5 * time.Second,
		MaxWindow:  30 * time.Second,
		Backoff:    1.4,
		JitterMin:  1.2,
		JitterMax:  1.43,
	}
}

// FlushFunc receives a flushed batch. Errors are logged and swallowed; the
// queue is the isolation boundary between one conversation's failure and the
// rest of the process.
type FlushFunc func(key string, batch []convo.Message) error

type buffer struct {
	msgs  []convo.Message
	timer *time.Timer
}

// Queue is the per-conversation debounce/batching queue. Cross-key operations
// are independent; same-key Add calls are expected to arrive from a single
// dispatcher (the chat gateway event loop).
type Queue struct {
	cfg   Config
	flush FlushFunc

	mu      sync.Mutex
	buffers map[string]*buffer
	// gates orders flush delivery per key. A ticket is issued under q.mu at
	// the moment a batch is detached, so delivery order matches detach order
	// even when size-triggered flushes and idle timers race.
	gates map[string]*keyGate
}

// keyGate is a per-key turnstile. Tickets are issued in detach order and
// dispatch waits until its ticket comes up, so batches reach the decision
// engine FIFO per conversation.
type keyGate struct {
	mu   sync.Mutex
	cond *sync.Cond
	next uint64 // ticket currently allowed through
	last uint64 // last ticket issued
}

func newKeyGate() *keyGate {
	g := &keyGate{next: 1}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *keyGate) issue() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last++
	return g.last
}

func (g *keyGate) wait(ticket uint64) {
	g.mu.Lock()
	for g.next != ticket {
		g.cond.Wait()
	}
	g.mu.Unlock()
}

func (g *keyGate) done() {
	g.mu.Lock()
	g.next++
	g.mu.Unlock()
	g.cond.Broadcast()
}

func NewQueue(cfg Config, flush FlushFunc) *Queue {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BaseWindow <= 0 {
		cfg.BaseWindow = def.BaseWindow
	}
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = def.MaxWindow
	}
	if cfg.Backoff < 1 {
		cfg.Backoff = def.Backoff
	}
	if cfg.JitterMin < 1 {
		cfg.JitterMin = def.JitterMin
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	return &Queue{
		cfg:     cfg,
		flush:   flush,
		buffers: make(map[string]*buffer),
		gates:   make(map[string]*keyGate),
	}
}

// Add buffers a message under its conversation key. A full buffer flushes
// immediately; otherwise the idle timer is re-armed with a window that grows
// with buffer length.
func (q *Queue) Add(msg convo.Message) {
	key := msg.ConversationKey

	q.mu.Lock()
	b, ok := q.buffers[key]
	if !ok {
		b = &buffer{}
		q.buffers[key] = b
	}
	b.msgs = append(b.msgs, msg)
	n := len(b.msgs)

	if n >= q.cfg.BufferSize {
		batch, gate, ticket := q.takeLocked(key, b)
		q.mu.Unlock()
		go q.dispatch(key, gate, ticket, batch)
		return
	}

	window := q.windowFor(n)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(window, func() { q.Flush(key) })
	q.mu.Unlock()

	slog.Debug("intake buffered", "conversation", key, "buffered", n, "window", window)
}

// windowFor computes the idle window for a buffer of length n:
// base × jitter × backoff^(n-1), capped at MaxWindow. Length 1 resets to the
// jittered base (no backoff). The jitter spreads flush timers across many
// active conversations.
func (q *Queue) windowFor(n int) time.Duration {
	jitter := q.cfg.JitterMin + rand.Float64()*(q.cfg.JitterMax-q.cfg.JitterMin)
	w := float64(q.cfg.BaseWindow) * jitter
	for i := 1; i < n; i++ {
		w *= q.cfg.Backoff
	}
	if capped := float64(q.cfg.MaxWindow); w > capped {
		w = capped
	}
	return time.Duration(w)
}

// takeLocked cancels the pending timer, detaches the buffered batch and
// issues the batch's delivery ticket. Callers must hold q.mu. Messages
// arriving during the asynchronous flush land in a fresh buffer, never
// dropped or duplicated.
func (q *Queue) takeLocked(key string, b *buffer) ([]convo.Message, *keyGate, uint64) {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	batch := b.msgs
	delete(q.buffers, key)

	gate, ok := q.gates[key]
	if !ok {
		gate = newKeyGate()
		q.gates[key] = gate
	}
	return batch, gate, gate.issue()
}

// Flush drains a conversation's buffer and delivers it to the flush callback.
// Idempotent: flushing an empty or absent buffer only cleans up bookkeeping.
func (q *Queue) Flush(key string) {
	q.mu.Lock()
	b, ok := q.buffers[key]
	if !ok {
		q.mu.Unlock()
		return
	}
	batch, gate, ticket := q.takeLocked(key, b)
	q.mu.Unlock()

	q.dispatch(key, gate, ticket, batch)
}

func (q *Queue) dispatch(key string, gate *keyGate, ticket uint64, batch []convo.Message) {
	gate.wait(ticket)
	defer gate.done()

	if len(batch) == 0 {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("flush callback panicked", "conversation", key, "panic", r)
		}
	}()

	if err := q.flush(key, batch); err != nil {
		// Best-effort buffering: the dequeued batch is lost, the queue keeps
		// operating for every other conversation.
		slog.Error("flush callback failed", "conversation", key, "batch", len(batch), "error", err)
	}
}

// FlushAll flushes every buffered conversation concurrently and waits for the
// callbacks to complete. Used on graceful shutdown.
func (q *Queue) FlushAll(ctx context.Context) error {
	q.mu.Lock()
	keys := make([]string, 0, len(q.buffers))
	for key := range q.buffers {
		keys = append(keys, key)
	}
	q.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, key := range keys {
		g.Go(func() error {
			q.Flush(key)
			return nil
		})
	}
	return g.Wait()
}

// Pending returns the number of buffered messages for a key (test/inspection).
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if b, ok := q.buffers[key]; ok {
		return len(b.msgs)
	}
	return 0
}
