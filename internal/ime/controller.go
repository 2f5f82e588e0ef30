package ime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"imcontext/internal/logging"
)

var (
	// ErrUnsupported marks server commands that are accepted without effect.
	ErrUnsupported = errors.New("unsupported operation")

	// ErrTransportClosed is returned by Run when the event channel closes.
	ErrTransportClosed = errors.New("transport event channel closed")
)

// Controller keeps one editing surface's session synchronized with the input
// method server.
//
// Every exported method may be called from any goroutine, including from
// inside Host callbacks and interleaved with event delivery. The session is
// only ever mutated under the controller's lock. Transport commands and Host
// callbacks are queued during a transition and run after the lock is
// released; commands go out one at a time in the order they were queued.
type Controller struct {
	id        string
	transport Transport
	host      Host
	logger    *slog.Logger
	observer  Observer
	now       func() time.Time

	mu       sync.Mutex
	s        session
	handlers map[EventKind]func(Event, *effects)

	// epoch counts connections; a failed reset only rolls back the
	// pending count of the connection it was issued on.
	epoch    uint64
	outbox   []command
	flushing bool
}

// command is a transport call queued by a transition.
type command struct {
	name   string
	call   func() error
	failed func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithObserver installs an activity observer such as metrics.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithAckMode overrides how reset acknowledgements are detected.
func WithAckMode(m AckMode) Option {
	return func(c *Controller) {
		c.s.resets.mode = m
	}
}

// WithOrientation sets the orientation assumed before the host reports one.
func WithOrientation(o Orientation) Option {
	return func(c *Controller) {
		if o.Valid() {
			c.s.orientation = o
		}
	}
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.id = id
		}
	}
}

// NewController creates a controller for one editing surface. The session
// starts disconnected, inactive and hidden.
func NewController(t Transport, h Host, opts ...Option) *Controller {
	c := &Controller{
		id:        uuid.NewString(),
		transport: t,
		host:      h,
		observer:  nopObserver{},
		now:       time.Now,
	}
	c.s.panel = PanelHidden
	c.s.orientation = Angle0
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.Default().WithComponent("inputcontext").WithSession(c.id).Logger
	} else {
		c.logger = c.logger.With(slog.String("input_context", c.id))
	}

	if c.s.resets.mode == AckAuto {
		c.s.resets.mode = AckInferred
		if ra, ok := t.(ResetAcknowledger); ok && ra.ExplicitResetAck() {
			c.s.resets.mode = AckExplicit
		}
	}

	c.handlers = map[EventKind]func(Event, *effects){
		KindConnected:         c.onConnected,
		KindDisconnected:      c.onDisconnected,
		KindActivationLost:    c.onActivationLost,
		KindRemoteHide:        c.onRemoteHide,
		KindCommit:            c.onCommit,
		KindCompositionUpdate: c.onCompositionUpdate,
		KindKey:               c.onKey,
		KindPanelArea:         c.onPanelArea,
		KindGlobalCorrection:  c.onGlobalCorrection,
		KindResetAcknowledged: c.onResetAcknowledged,
		KindUnsupported:       c.onUnsupported,
	}
	return c
}

// ID returns the session identifier used in logs.
func (c *Controller) ID() string {
	return c.id
}

// AckMode returns the reset acknowledgement mode in effect.
func (c *Controller) AckMode() AckMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.resets.mode
}

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s.snapshot()
}

// Run delivers transport events to the controller until ctx is done or the
// transport closes its event channel.
func (c *Controller) Run(ctx context.Context) error {
	events := c.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ErrTransportClosed
			}
			c.HandleEvent(ev)
		}
	}
}

// HandleEvent applies one inbound event. Events are the value types
// declared in this package.
func (c *Controller) HandleEvent(ev Event) {
	if ev == nil {
		return
	}
	c.observer.EventReceived(ev.Kind().String())
	handler, ok := c.handlers[ev.Kind()]
	if !ok {
		c.logger.Warn("no handler for event", "event", ev.Kind().String())
		return
	}
	c.transition(func(fx *effects) { handler(ev, fx) })
}

// RequestShow activates the session if needed and asks the server to show
// its panel.
func (c *Controller) RequestShow() {
	c.transition(func(*effects) { c.showLocked() })
}

// RequestHide asks the server to hide its panel.
func (c *Controller) RequestHide() {
	c.transition(func(*effects) {
		c.send("hide_panel", c.transport.HidePanel)
		c.s.panel = PanelHidden
	})
}

// RequestReset tells the server to drop its composition and suppresses
// composition events until the reset is acknowledged.
func (c *Controller) RequestReset() {
	c.transition(func(*effects) { c.resetLocked() })
}

// UpdateEditorContext pushes the editor state to the server. A focus change
// resets the composition first. Identical state is not resent unless force
// or focusChanged is set.
func (c *Controller) UpdateEditorContext(ec EditorContext, focusChanged, force bool) {
	c.transition(func(*effects) { c.updateEditorContextLocked(ec, focusChanged, force) })
}

// SetOrientation records the host orientation and forwards it while active.
func (c *Controller) SetOrientation(angle Orientation) error {
	if !angle.Valid() {
		return fmt.Errorf("%w: got %d", ErrInvalidOrientation, angle)
	}
	c.transition(func(*effects) {
		c.s.orientation = angle
		if c.s.active {
			c.send("set_orientation", func() error { return c.transport.SetOrientation(angle) })
		}
	})
	return nil
}

// effects collects work that must run after the lock is released.
type effects struct {
	host []func(Host)
	then []func()
}

func (fx *effects) notify(fn func(Host)) {
	fx.host = append(fx.host, fn)
}

func (fx *effects) after(fn func()) {
	fx.then = append(fx.then, fn)
}

// transition runs fn under the lock, checks the invariants, then delivers
// queued host callbacks and follow-up work.
func (c *Controller) transition(fn func(*effects)) {
	fx := &effects{}

	c.mu.Lock()
	fn(fx)
	if err := c.s.validate(); err != nil {
		c.mu.Unlock()
		panic(fmt.Sprintf("inputcontext %s: invariant violated: %v", c.id, err))
	}
	st := c.s.snapshot()
	c.mu.Unlock()

	c.flush()
	c.observer.StateChanged(st.Connected, st.Active, st.PendingResets)
	for _, call := range fx.host {
		call(c.host)
	}
	for _, next := range fx.then {
		next()
	}
}

// send queues a command if the transport is connected. Commands are not
// kept across a disconnect: the server gets the full state again after a
// reconnect. Must be called with c.mu held.
func (c *Controller) send(name string, call func() error) bool {
	return c.sendOr(name, call, nil)
}

// sendOr is send with a callback run when the transport rejects the command.
func (c *Controller) sendOr(name string, call func() error, failed func()) bool {
	if !c.s.connected {
		c.observer.CommandDropped(name)
		c.logger.Debug("command dropped", "command", name, "reason", "disconnected")
		return false
	}
	c.outbox = append(c.outbox, command{name: name, call: call, failed: failed})
	return true
}

// flush runs queued commands without holding c.mu. Only one goroutine
// drains at a time, which keeps the transport seeing commands in queue
// order; a caller that finds a drain in progress leaves its commands to it.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.outbox) > 0 {
		cmd := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
		c.deliver(cmd)
		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

func (c *Controller) deliver(cmd command) {
	if err := cmd.call(); err != nil {
		c.observer.CommandDropped(cmd.name)
		c.logger.Debug("command dropped", "command", cmd.name, "error", err)
		if cmd.failed != nil {
			cmd.failed()
		}
		return
	}
	c.observer.CommandSent(cmd.name)
}

func (c *Controller) showLocked() {
	if !c.s.connected {
		c.s.panel = PanelShowPending
		c.logger.Debug("show deferred until connected")
		return
	}
	if c.s.restartPending {
		// A show that beats the reconnect resync still has to restore the
		// server's view of the editor first.
		c.restartLocked(c.s.editor)
	}
	if !c.s.active {
		c.send("activate", c.transport.Activate)
		c.s.active = true
		angle := c.s.orientation
		c.send("set_orientation", func() error { return c.transport.SetOrientation(angle) })
	}
	c.send("show_panel", c.transport.ShowPanel)
	c.s.panel = PanelShown
}

func (c *Controller) resetLocked() {
	hadComposition := c.s.composition != ""
	c.s.composition = ""
	epoch := c.epoch
	reset := func() error { return c.transport.Reset(hadComposition) }
	if c.sendOr("reset", reset, func() { c.abandonReset(epoch) }) {
		c.s.resets.begin(c.now())
		c.observer.ResetIssued()
	}
}

// abandonReset withdraws a reset the transport refused to send, so it does
// not hold back events waiting for an ack that will never come.
func (c *Controller) abandonReset(epoch uint64) {
	c.transition(func(*effects) {
		if c.epoch == epoch {
			c.s.resets.abandon()
		}
	})
}

func (c *Controller) updateEditorContextLocked(ec EditorContext, focusChanged, force bool) {
	if focusChanged {
		c.resetLocked()
	}
	if ec == c.s.editor && !force && !focusChanged {
		c.logger.Debug("editor context unchanged")
		return
	}
	c.s.editor = ec
	c.send("push_editor_context", func() error { return c.transport.PushEditorContext(ec, focusChanged) })
}

func (c *Controller) onConnected(_ Event, fx *effects) {
	c.epoch++
	c.s.connected = true
	c.s.active = false
	restart := c.s.restartPending && c.s.panel == PanelShowPending
	if !restart {
		c.s.restartPending = false
	}
	c.logger.Info("connected to input method server",
		"restart_pending", restart, "panel", c.s.panel.String())
	c.observer.Reconnected()
	fx.notify(func(h Host) { h.OnReconnected() })
	fx.after(func() { c.resync(restart) })
}

// resync restores the server's view after a connection is established.
// restartPending stays set until the editor context has been re-pushed,
// either here or by a show the host issued from OnReconnected.
func (c *Controller) resync(restart bool) {
	var ec EditorContext
	if restart {
		ec = c.host.CurrentEditorContext()
	}

	c.transition(func(*effects) {
		if !c.s.connected {
			return
		}
		if c.s.restartPending {
			if c.s.panel == PanelShowPending {
				c.restartLocked(ec)
			}
			c.s.restartPending = false
		}
		if c.s.panel == PanelShowPending {
			c.showLocked()
		}
	})
}

// restartLocked resends the full editor context as a focus change.
func (c *Controller) restartLocked(ec EditorContext) {
	c.s.restartPending = false
	c.logger.Info("resynchronizing after server restart")
	c.updateEditorContextLocked(ec, true, true)
}

func (c *Controller) onDisconnected(ev Event, fx *effects) {
	if d, ok := ev.(Disconnected); ok && d.Err != nil {
		c.logger.Info("disconnected from input method server", "error", d.Err)
	} else {
		c.logger.Info("disconnected from input method server")
	}
	c.s.connected = false
	c.s.active = false
	if c.s.panel == PanelShown {
		c.s.restartPending = true
		c.s.panel = PanelShowPending
	}
	c.s.resets.clear()
	fx.notify(func(h Host) { h.OnPanelAreaChanged(Rect{}) })
}

func (c *Controller) onActivationLost(Event, *effects) {
	c.logger.Debug("activation lost")
	c.s.active = false
	c.s.panel = PanelHidden
}

func (c *Controller) onRemoteHide(_ Event, fx *effects) {
	c.s.panel = PanelHidden
	fx.notify(func(h Host) { h.OnPanelHidden() })
}

// admit applies the reset gate and records the outcome.
func (c *Controller) admit(kind EventKind) bool {
	deliver, latency, acked := c.s.resets.admit(c.now())
	if acked {
		c.observer.ResetAcknowledged(latency)
	}
	if !deliver {
		c.observer.StaleEventDropped(kind.String())
		c.logger.Debug("stale event dropped", "event", kind.String(),
			"pending_resets", c.s.resets.Pending())
	}
	return deliver
}

func (c *Controller) onCommit(ev Event, fx *effects) {
	commit, ok := ev.(Commit)
	if !ok || !c.admit(KindCommit) {
		return
	}
	c.s.composition = ""
	c.observer.CommitForwarded()
	fx.notify(func(h Host) {
		h.OnCommit(commit.Text, commit.ReplaceStart, commit.ReplaceLength, commit.CursorPos)
	})
}

func (c *Controller) onCompositionUpdate(ev Event, fx *effects) {
	update, ok := ev.(CompositionUpdate)
	if !ok || !c.admit(KindCompositionUpdate) {
		return
	}
	c.s.composition = update.Text
	fx.notify(func(h Host) {
		h.OnCompositionUpdate(update.Text, update.ReplaceStart, update.ReplaceLength, update.CursorPos)
	})
}

func (c *Controller) onResetAcknowledged(ev Event, _ *effects) {
	if ack, ok := ev.(ResetAcknowledged); ok && ack.Err != nil {
		c.logger.Debug("reset call failed", "error", ack.Err)
	}
	latency, ok := c.s.resets.acknowledge(c.now())
	if !ok {
		return
	}
	c.observer.ResetAcknowledged(latency)
}

func (c *Controller) onKey(ev Event, fx *effects) {
	key, ok := ev.(KeyEvent)
	if !ok {
		return
	}
	fx.notify(func(h Host) { h.OnKey(key.Code, key.Press) })
}

func (c *Controller) onPanelArea(ev Event, fx *effects) {
	pa, ok := ev.(PanelArea)
	if !ok {
		return
	}
	fx.notify(func(h Host) { h.OnPanelAreaChanged(pa.Area) })
}

// onGlobalCorrection resends the host's full editor state as if focus had
// changed, so the server re-evaluates correction for the current field.
func (c *Controller) onGlobalCorrection(ev Event, fx *effects) {
	if gc, ok := ev.(GlobalCorrection); ok {
		c.logger.Debug("global correction toggled", "enabled", gc.Enabled)
	}
	fx.after(func() {
		c.UpdateEditorContext(c.host.CurrentEditorContext(), true, true)
	})
}

func (c *Controller) onUnsupported(ev Event, _ *effects) {
	cmd := "unknown"
	if u, ok := ev.(Unsupported); ok {
		cmd = u.Command
	}
	c.observer.UnsupportedCommand(cmd)
	c.logger.Debug(ErrUnsupported.Error(), "command", cmd)
}
