package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"eventbot/pkg/message"
	"eventbot/pkg/pool"
)

const dataPreviewLimit = 240

// ErrMiddlewareRegistered is returned when a category already has a middleware.
var ErrMiddlewareRegistered = errors.New("middleware already registered")

// Handler receives a private copy of one inbound message.
type Handler[T any] func(ctx context.Context, msg *T) error

// Middleware transforms a message before fan-out. Returning a nil message vetoes it.
type Middleware[T any] func(ctx context.Context, msg *T) (*T, error)

// Source returns a snapshot of externally supplied handlers.
type Source[T any] func() []Handler[T]

// Submitter accepts units of work without blocking.
type Submitter interface {
	Submit(name string, fn pool.Func) (*pool.Task, error)
}

// LaneConfig describes how one category is decoded, filtered and copied.
type LaneConfig[T any] struct {
	Category message.Category
	Decode   func(raw []byte) (*T, error)
	Clone    func(msg *T) *T
	Data     func(msg *T) string
	// SenderID extracts the id checked against Filter. Nil disables filtering.
	SenderID func(msg *T) int64
	Filter   *Filter
}

// Lane holds the handlers, middleware and filter of a single category.
type Lane[T any] struct {
	cfg LaneConfig[T]
	log *slog.Logger

	mu         sync.RWMutex
	hand       []Handler[T]
	plugins    Source[T]
	middleware Middleware[T]
}

// NewLane validates cfg and returns an empty lane.
func NewLane[T any](cfg LaneConfig[T], log *slog.Logger) *Lane[T] {
	if cfg.Decode == nil || cfg.Clone == nil {
		panic(fmt.Sprintf("dispatch: %s lane needs Decode and Clone", cfg.Category))
	}
	if log == nil {
		log = slog.Default()
	}

	return &Lane[T]{
		cfg: cfg,
		log: log.With("category", cfg.Category.String()),
	}
}

// Category returns the lane's message category.
func (l *Lane[T]) Category() message.Category {
	return l.cfg.Category
}

// Add appends a hand-registered handler. Handlers are never deduplicated.
func (l *Lane[T]) Add(h Handler[T]) {
	if h == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hand = append(l.hand, h)
}

// SetPluginSource installs the accessor for plugin-supplied handlers.
func (l *Lane[T]) SetPluginSource(src Source[T]) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.plugins = src
}

// SetMiddleware installs the category middleware. A second call fails and keeps the first.
func (l *Lane[T]) SetMiddleware(mw Middleware[T]) error {
	if mw == nil {
		return errors.New("middleware is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.middleware != nil {
		return fmt.Errorf("%s: %w", l.cfg.Category, ErrMiddlewareRegistered)
	}
	l.middleware = mw
	return nil
}

// Handlers returns hand-registered handlers followed by plugin handlers.
func (l *Lane[T]) Handlers() []Handler[T] {
	l.mu.RLock()
	hand := make([]Handler[T], len(l.hand))
	copy(hand, l.hand)
	src := l.plugins
	l.mu.RUnlock()

	if src == nil {
		return hand
	}
	return append(hand, src()...)
}

// Count returns the combined number of handlers.
func (l *Lane[T]) Count() int {
	return len(l.Handlers())
}

// Prepare decodes raw, applies the filter and runs the middleware.
// A nil message with a nil error means the message was dropped.
func (l *Lane[T]) Prepare(ctx context.Context, raw []byte) (*T, error) {
	msg, err := l.cfg.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", l.cfg.Category, err)
	}

	if l.cfg.Data != nil {
		l.log.Info("Message received", "data", preview(l.cfg.Data(msg)))
	}

	if l.cfg.SenderID != nil {
		if id := l.cfg.SenderID(msg); !l.cfg.Filter.Allows(id) {
			l.log.Info("Message filtered", "sender_id", id)
			return nil, nil
		}
	}

	l.mu.RLock()
	mw := l.middleware
	l.mu.RUnlock()
	if mw == nil {
		return msg, nil
	}

	next, err := mw(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%s middleware: %w", l.cfg.Category, err)
	}
	if next == nil {
		l.log.Debug("Message vetoed by middleware")
		return nil, nil
	}
	return next, nil
}

// FanOut submits one unit per handler, each with its own deep copy of msg.
// It returns the number of units submitted.
func (l *Lane[T]) FanOut(ctx context.Context, msg *T, submitter Submitter) (int, error) {
	if msg == nil {
		return 0, nil
	}

	submitted := 0
	for i, handler := range l.Handlers() {
		copied := l.cfg.Clone(msg)
		name := fmt.Sprintf("%s handler #%d", l.cfg.Category, i)
		_, err := submitter.Submit(name, func(taskCtx context.Context) error {
			return handler(taskCtx, copied)
		})
		if err != nil {
			return submitted, fmt.Errorf("submit %s: %w", name, err)
		}
		submitted++
	}

	return submitted, nil
}

// Dispatch runs Prepare and, unless the message was dropped, FanOut.
func (l *Lane[T]) Dispatch(ctx context.Context, raw []byte, submitter Submitter) error {
	msg, err := l.Prepare(ctx, raw)
	if err != nil || msg == nil {
		return err
	}

	_, err = l.FanOut(ctx, msg, submitter)
	return err
}

func preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= dataPreviewLimit {
		return trimmed
	}

	cut := dataPreviewLimit
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut] + "..."
}
