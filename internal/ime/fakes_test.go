package ime

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// recordingTransport records every command as a short string.
type recordingTransport struct {
	mu       sync.Mutex
	calls    []string
	events   chan Event
	explicit bool
	failWith error
}

func newRecordingTransport(explicit bool) *recordingTransport {
	return &recordingTransport{events: make(chan Event, 16), explicit: explicit}
}

func (t *recordingTransport) record(call string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failWith != nil {
		return t.failWith
	}
	t.calls = append(t.calls, call)
	return nil
}

func (t *recordingTransport) Activate() error  { return t.record("activate") }
func (t *recordingTransport) ShowPanel() error { return t.record("show") }
func (t *recordingTransport) HidePanel() error { return t.record("hide") }

func (t *recordingTransport) SetOrientation(angle Orientation) error {
	return t.record(fmt.Sprintf("orientation:%d", angle))
}

func (t *recordingTransport) PushEditorContext(ec EditorContext, focusChanged bool) error {
	return t.record(fmt.Sprintf("context:%q:%d:focus=%t", ec.SurroundingText, ec.CursorPosition, focusChanged))
}

func (t *recordingTransport) Reset(hadComposition bool) error {
	return t.record(fmt.Sprintf("reset:%t", hadComposition))
}

func (t *recordingTransport) Events() <-chan Event { return t.events }

func (t *recordingTransport) ExplicitResetAck() bool { return t.explicit }

// take returns the recorded calls and clears them.
func (t *recordingTransport) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	calls := t.calls
	t.calls = nil
	return calls
}

// recordingHost records host callbacks.
type recordingHost struct {
	mu          sync.Mutex
	calls       []string
	context     EditorContext
	onCommit    func(text string)
	onReconnect func()
}

func (h *recordingHost) record(call string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *recordingHost) OnPanelHidden() { h.record("panel_hidden") }

func (h *recordingHost) OnCommit(text string, replaceStart, replaceLength, cursorPos int) {
	h.record(fmt.Sprintf("commit:%s:%d:%d:%d", text, replaceStart, replaceLength, cursorPos))
	if h.onCommit != nil {
		h.onCommit(text)
	}
}

func (h *recordingHost) OnCompositionUpdate(text string, replaceStart, replaceLength, cursorPos int) {
	h.record(fmt.Sprintf("preedit:%s:%d:%d:%d", text, replaceStart, replaceLength, cursorPos))
}

func (h *recordingHost) OnKey(keyCode int, isPress bool) {
	h.record(fmt.Sprintf("key:%d:%t", keyCode, isPress))
}

func (h *recordingHost) OnPanelAreaChanged(area Rect) {
	h.record(fmt.Sprintf("area:%d,%d,%d,%d", area.X, area.Y, area.W, area.H))
}

func (h *recordingHost) OnReconnected() {
	h.record("reconnected")
	if h.onReconnect != nil {
		h.onReconnect()
	}
}

func (h *recordingHost) CurrentEditorContext() EditorContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.context
}

func (h *recordingHost) take() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	calls := h.calls
	h.calls = nil
	return calls
}

// countingObserver counts observer callbacks by name.
type countingObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{counts: make(map[string]int)}
}

func (o *countingObserver) inc(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[name]++
}

func (o *countingObserver) get(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[name]
}

func (o *countingObserver) CommandSent(cmd string)          { o.inc("sent:" + cmd) }
func (o *countingObserver) CommandDropped(cmd string)       { o.inc("dropped:" + cmd) }
func (o *countingObserver) EventReceived(kind string)       { o.inc("event:" + kind) }
func (o *countingObserver) StaleEventDropped(kind string)   { o.inc("stale:" + kind) }
func (o *countingObserver) UnsupportedCommand(cmd string)   { o.inc("unsupported:" + cmd) }
func (o *countingObserver) ResetIssued()                    { o.inc("reset") }
func (o *countingObserver) ResetAcknowledged(time.Duration) { o.inc("ack") }
func (o *countingObserver) Reconnected()                    { o.inc("reconnected") }
func (o *countingObserver) CommitForwarded()                { o.inc("commit") }
func (o *countingObserver) StateChanged(bool, bool, int)    {}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestController returns a controller wired to recording fakes.
func newTestController(explicit bool, opts ...Option) (*Controller, *recordingTransport, *recordingHost, *countingObserver) {
	tr := newRecordingTransport(explicit)
	host := &recordingHost{}
	obs := newCountingObserver()
	opts = append([]Option{WithLogger(discardLogger()), WithObserver(obs)}, opts...)
	return NewController(tr, host, opts...), tr, host, obs
}

// blockingTransport holds ShowPanel until release is closed.
type blockingTransport struct {
	*recordingTransport
	entered chan struct{}
	release chan struct{}
}

func (t *blockingTransport) ShowPanel() error {
	close(t.entered)
	<-t.release
	return t.recordingTransport.ShowPanel()
}
