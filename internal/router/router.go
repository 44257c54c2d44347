// Package router serialises inbound messages from every peer through one
// dispatch goroutine.
//
// Producers (peer read loops) call Enqueue, which never blocks. A single
// consumer de-duplicates by message id and invokes the handler registered
// for the message type. Handlers therefore never run concurrently with
// each other and must not block for long.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/postalsys/onionmesh/internal/logging"
	"github.com/postalsys/onionmesh/internal/metrics"
	"github.com/postalsys/onionmesh/internal/protocol"
	"github.com/postalsys/onionmesh/internal/recovery"
)

// DefaultHistorySize is the number of message ids remembered for de-dup.
const DefaultHistorySize = 65536

var (
	ErrAlreadyStarted   = errors.New("router already started")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrStopped          = errors.New("router stopped")
)

// Sender is the connection a message arrived on.
type Sender interface {
	RemoteKey() string
	Send(*protocol.Message) error
	Disconnect()
}

// Handler processes one message type.
type Handler interface {
	Handle(ctx context.Context, from Sender, msg *protocol.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, from Sender, msg *protocol.Message) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, from Sender, msg *protocol.Message) error {
	return f(ctx, from, msg)
}

// Config contains router configuration.
type Config struct {
	HistorySize int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type envelope struct {
	from Sender
	msg  *protocol.Message
}

// Router is the single-consumer dispatch queue.
type Router struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	seen    *lru.Cache

	handlers map[protocol.MessageType]Handler

	mu      sync.Mutex
	queue   []envelope
	notify  chan struct{}
	started bool
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a router. Handlers must be registered before Start.
func New(cfg Config) (*Router, error) {
	size := cfg.HistorySize
	if size <= 0 {
		size = DefaultHistorySize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create de-dup history: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		logger:   logging.OrNop(cfg.Logger).With(logging.KeyComponent, "router"),
		metrics:  cfg.Metrics,
		seen:     seen,
		handlers: make(map[protocol.MessageType]Handler),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}, nil
}

// Register binds h to t.
func (r *Router) Register(t protocol.MessageType, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, t)
	}
	r.handlers[t] = h
	return nil
}

// RegisterFunc binds f to t.
func (r *Router) RegisterFunc(t protocol.MessageType, f HandlerFunc) error {
	return r.Register(t, f)
}

// Start launches the dispatch goroutine.
func (r *Router) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true
	go r.run()
	return nil
}

// Enqueue appends a message to the queue. It never blocks. Messages
// enqueued after Stop are discarded.
func (r *Router) Enqueue(from Sender, msg *protocol.Message) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, envelope{from: from, msg: msg})
	depth := len(r.queue)
	r.mu.Unlock()

	r.metrics.SetQueueDepth(depth)

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Stop stops accepting messages, dispatches what is already queued and
// waits for the consumer to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		if r.started {
			<-r.done
		}
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	if !started {
		r.cancel()
		return
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}
	<-r.done
	r.cancel()
}

func (r *Router) run() {
	defer close(r.done)

	for {
		batch, stopping := r.take()
		for _, env := range batch {
			r.dispatch(env)
		}
		if stopping {
			return
		}
		if len(batch) == 0 {
			<-r.notify
		}
	}
}

// take removes everything queued. stopping is set once Stop was called
// and the queue is empty afterwards.
func (r *Router) take() ([]envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.queue
	r.queue = nil
	r.metrics.SetQueueDepth(0)
	return batch, r.stopped && len(batch) == 0
}

func (r *Router) dispatch(env envelope) {
	msg := env.msg

	if ok, _ := r.seen.ContainsOrAdd(msg.ID, struct{}{}); ok {
		r.metrics.RecordDuplicate()
		r.logger.Debug("duplicate message ignored",
			logging.KeyMessageType, msg.Type,
			logging.KeyMessageID, msg.ID)
		return
	}

	r.metrics.RecordMessageReceived(string(msg.Type))

	h, ok := r.handlers[msg.Type]
	if !ok {
		r.metrics.RecordMessageDropped("unknown_type")
		r.logger.Warn("no handler for message type, disconnecting sender",
			logging.KeyMessageType, msg.Type,
			logging.KeyPeer, logging.ShortKey(env.from.RemoteKey()))
		env.from.Disconnect()
		return
	}

	err := recovery.Guard(func() error {
		return h.Handle(r.ctx, env.from, msg)
	})
	if err != nil {
		r.metrics.RecordHandlerError(string(msg.Type))
		r.logger.Error("handler failed",
			logging.KeyMessageType, msg.Type,
			logging.KeyMessageID, msg.ID,
			logging.KeyPeer, logging.ShortKey(env.from.RemoteKey()),
			logging.KeyError, err)
	}
}
