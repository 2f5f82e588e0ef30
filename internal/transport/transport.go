package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"imcontext/internal/config"
	"imcontext/internal/ime"
	"imcontext/internal/logging"
)

var (
	// ErrNotConnected is returned by commands while the link is down.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrGaveUp is returned by Run when reconnect attempts are exhausted.
	ErrGaveUp = errors.New("transport: reconnect attempts exhausted")

	// ErrUnsupportedPlatform is returned where a transport cannot run.
	ErrUnsupportedPlatform = errors.New("transport: not supported on this platform")
)

// Handle is a transport together with the loop that drives it.
type Handle interface {
	ime.Transport
	Run(ctx context.Context) error
}

// Options are the settings shared by every transport.
type Options struct {
	Logger      *slog.Logger
	Backoff     Backoff
	EventBuffer int
	SessionID   string
}

// New builds the transport selected by cfg.
func New(cfg config.TransportConfig, opts Options) (Handle, error) {
	if opts.Backoff.Base == 0 {
		opts.Backoff = Backoff{
			Base:        cfg.ReconnectBase(),
			Max:         cfg.ReconnectMax(),
			MaxAttempts: cfg.MaxAttempts,
		}
	}
	if opts.EventBuffer == 0 {
		opts.EventBuffer = cfg.EventBuffer
	}

	switch cfg.Kind {
	case config.TransportMaliit:
		m, err := NewMaliit(cfg.Address, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.TransportWebSocket:
		w, err := NewWebSocket(cfg.URL, opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Kind)
	}
}

// link holds the event plumbing shared by the transports. Each successful
// connection gets a new generation; events tagged with an older generation
// are discarded, which keeps late replies from a dead connection away from
// the controller.
type link struct {
	name    string
	logger  *slog.Logger
	backoff Backoff
	events  chan ime.Event

	emitMu     sync.Mutex
	generation atomic.Uint64
	connected  atomic.Bool
	runCtx     atomic.Pointer[context.Context]
}

func newLink(name string, opts Options) *link {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default().WithComponent("transport").Logger
	}
	buffer := opts.EventBuffer
	if buffer < 1 {
		buffer = 64
	}
	return &link{
		name:    name,
		logger:  logger.With(slog.String("transport", name)),
		backoff: opts.Backoff,
		events:  make(chan ime.Event, buffer),
	}
}

// Events returns the inbound event channel.
func (l *link) Events() <-chan ime.Event {
	return l.events
}

func (l *link) context() context.Context {
	if ctx := l.runCtx.Load(); ctx != nil {
		return *ctx
	}
	return context.Background()
}

// up marks a new connection and announces it. It returns the generation
// that events of this connection must carry.
func (l *link) up() uint64 {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	gen := l.generation.Add(1)
	l.connected.Store(true)
	l.send(ime.Connected{})
	return gen
}

// down retires the current connection and announces the loss.
func (l *link) down(err error) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.generation.Add(1)
	l.connected.Store(false)
	l.send(ime.Disconnected{Err: err})
}

// emit delivers ev if gen is still the live connection.
func (l *link) emit(gen uint64, ev ime.Event) bool {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	if l.generation.Load() != gen || !l.connected.Load() {
		l.logger.Debug("dropping event from stale connection", "event", ev.Kind().String())
		return false
	}
	return l.send(ev)
}

func (l *link) send(ev ime.Event) bool {
	select {
	case l.events <- ev:
		return true
	case <-l.context().Done():
		return false
	}
}

// run drives connect/serve cycles with backoff until ctx is done. serve
// reports whether the connection was established before it ended.
func (l *link) run(ctx context.Context, serve func(context.Context) (bool, error)) error {
	l.runCtx.Store(&ctx)

	for {
		established, err := serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			l.backoff.Reset()
		}

		delay, ok := l.backoff.Next()
		if !ok {
			l.logger.Error("giving up on input method server", "attempts", l.backoff.Attempts(), "error", err)
			return fmt.Errorf("%w: %v", ErrGaveUp, err)
		}
		l.logger.Info("input method server unavailable", "error", err, "retry_in", delay)
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}
}
