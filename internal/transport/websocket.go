package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"imcontext/internal/ime"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
)

// Frame types sent by the client.
const (
	FrameHello         = "hello"
	FrameActivate      = "activate"
	FrameShow          = "show"
	FrameHide          = "hide"
	FrameOrientation   = "orientation"
	FrameEditorContext = "editor_context"
	FrameReset         = "reset"
	FrameSelection     = "selection"
)

// Frame types sent by the server.
const (
	FrameActivationLost = "activation_lost"
	FrameCommit         = "commit"
	FramePreedit        = "preedit"
	FrameKey            = "key"
	FrameArea           = "area"
	FrameCorrection     = "correction"
	FrameLanguage       = "language"
	FrameAction         = "action"
	FrameRedirectKeys   = "redirect_keys"
	FrameAutoRepeat     = "auto_repeat"
	FrameSetSelection   = "set_selection"
	FrameGetSelection   = "get_selection"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HelloPayload opens a connection.
type HelloPayload struct {
	Session string `json:"session"`
}

// OrientationPayload carries the host rotation in degrees.
type OrientationPayload struct {
	Angle int `json:"angle"`
}

// EditorContextPayload carries the editor state.
type EditorContextPayload struct {
	State        map[string]any `json:"state"`
	FocusChanged bool           `json:"focus_changed"`
}

// ResetPayload accompanies a reset.
type ResetPayload struct {
	HadComposition bool `json:"had_composition"`
}

// SelectionPayload answers get_selection.
type SelectionPayload struct {
	Text  string `json:"text"`
	Valid bool   `json:"valid"`
}

// CommitPayload carries committed text.
type CommitPayload struct {
	Text          string `json:"text"`
	ReplaceStart  int    `json:"replace_start"`
	ReplaceLength int    `json:"replace_length"`
	Cursor        int    `json:"cursor"`
}

// FormatRun is one preedit formatting run.
type FormatRun struct {
	Start  int `json:"start"`
	Length int `json:"length"`
	Style  int `json:"style"`
}

// PreeditPayload carries a composition update.
type PreeditPayload struct {
	Text          string      `json:"text"`
	Formats       []FormatRun `json:"formats,omitempty"`
	ReplaceStart  int         `json:"replace_start"`
	ReplaceLength int         `json:"replace_length"`
	Cursor        int         `json:"cursor"`
}

// KeyPayload carries a key event.
type KeyPayload struct {
	Code       int    `json:"code"`
	Press      bool   `json:"press"`
	Modifiers  int    `json:"modifiers"`
	Text       string `json:"text,omitempty"`
	AutoRepeat bool   `json:"auto_repeat,omitempty"`
	Count      int    `json:"count,omitempty"`
}

// AreaPayload carries the panel rectangle.
type AreaPayload struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// TogglePayload carries a single flag.
type TogglePayload struct {
	Enabled bool `json:"enabled"`
}

// WebSocket talks to an input server over JSON frames.
type WebSocket struct {
	*link
	url     string
	session string
	dialer  *websocket.Dialer

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes
	conn    *websocket.Conn
}

// NewWebSocket returns a transport for the server at url.
func NewWebSocket(url string, opts Options) (*WebSocket, error) {
	if url == "" {
		return nil, errors.New("websocket: url is required")
	}
	return &WebSocket{
		link:    newLink("websocket", opts),
		url:     url,
		session: opts.SessionID,
		dialer:  websocket.DefaultDialer,
	}, nil
}

// ExplicitResetAck reports false: the protocol has no reset reply.
func (w *WebSocket) ExplicitResetAck() bool {
	return false
}

// Run connects and reconnects until ctx is done.
func (w *WebSocket) Run(ctx context.Context) error {
	return w.run(ctx, w.serve)
}

func (w *WebSocket) Activate() error  { return w.write(FrameActivate, nil) }
func (w *WebSocket) ShowPanel() error { return w.write(FrameShow, nil) }
func (w *WebSocket) HidePanel() error { return w.write(FrameHide, nil) }

func (w *WebSocket) SetOrientation(angle ime.Orientation) error {
	return w.write(FrameOrientation, OrientationPayload{Angle: int(angle)})
}

func (w *WebSocket) PushEditorContext(ec ime.EditorContext, focusChanged bool) error {
	return w.write(FrameEditorContext, EditorContextPayload{State: ec.StateInfo(), FocusChanged: focusChanged})
}

func (w *WebSocket) Reset(hadComposition bool) error {
	return w.write(FrameReset, ResetPayload{HadComposition: hadComposition})
}

func (w *WebSocket) write(typ string, payload any) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil || !w.connected.Load() {
		return ErrNotConnected
	}

	f, err := newFrame(typ, payload)
	if err != nil {
		return err
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("websocket %s: %w", typ, err)
	}
	return nil
}

func newFrame(typ string, payload any) (Frame, error) {
	f := Frame{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return f, fmt.Errorf("encode %s: %w", typ, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// serve runs one connection until it drops or ctx is done.
func (w *WebSocket) serve(ctx context.Context) (bool, error) {
	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", w.url, err)
	}

	// The connection is not shared yet, so no write lock.
	hello, err := newFrame(FrameHello, HelloPayload{Session: w.session})
	if err == nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = conn.WriteJSON(hello)
	}
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("hello: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	gen := w.up()
	w.logger.Info("connected to input method server", "url", w.url)

	connCtx, cancel := context.WithCancel(ctx)
	go w.pingLoop(connCtx, conn)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	err = w.readLoop(conn, gen)
	cancel()
	if ctx.Err() != nil {
		err = ctx.Err()
	}

	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
	}
	w.mu.Unlock()
	w.down(err)
	return true, err
}

func (w *WebSocket) readLoop(conn *websocket.Conn, gen uint64) error {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	conn.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			w.logger.Warn("malformed frame", "error", err)
			continue
		}
		ev, err := w.dispatch(f)
		if err != nil {
			w.logger.Warn("bad frame payload", "type", f.Type, "error", err)
			continue
		}
		if ev != nil {
			w.emit(gen, ev)
		}
	}
}

// pingLoop sends periodic pings until ctx is done or a write fails.
func (w *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			w.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// dispatch maps a server frame to an event. Unknown types yield nil.
func (w *WebSocket) dispatch(f Frame) (ime.Event, error) {
	switch f.Type {
	case FrameActivationLost:
		return ime.ActivationLost{}, nil
	case FrameHide:
		return ime.RemoteHide{}, nil
	case FrameCommit:
		var p CommitPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return ime.Commit{Text: p.Text, ReplaceStart: p.ReplaceStart, ReplaceLength: p.ReplaceLength, CursorPos: p.Cursor}, nil
	case FramePreedit:
		var p PreeditPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		runs := make([]ime.PreeditFormat, 0, len(p.Formats))
		for _, r := range p.Formats {
			runs = append(runs, ime.PreeditFormat{Start: r.Start, Length: r.Length, Style: r.Style})
		}
		return ime.CompositionUpdate{
			Text:          p.Text,
			Formats:       runs,
			ReplaceStart:  p.ReplaceStart,
			ReplaceLength: p.ReplaceLength,
			CursorPos:     p.Cursor,
		}, nil
	case FrameKey:
		var p KeyPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return ime.KeyEvent{Code: p.Code, Press: p.Press, Modifiers: p.Modifiers, Text: p.Text, AutoRepeat: p.AutoRepeat, Count: p.Count}, nil
	case FrameArea:
		var p AreaPayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return ime.PanelArea{Area: ime.Rect{X: p.X, Y: p.Y, W: p.W, H: p.H}}, nil
	case FrameCorrection:
		var p TogglePayload
		if err := decode(f, &p); err != nil {
			return nil, err
		}
		return ime.GlobalCorrection{Enabled: p.Enabled}, nil
	case FrameLanguage:
		return unsupportedFrame(ime.CmdSetLanguage, f), nil
	case FrameAction:
		return unsupportedFrame(ime.CmdInvokeAction, f), nil
	case FrameRedirectKeys:
		return unsupportedFrame(ime.CmdSetRedirectKeys, f), nil
	case FrameAutoRepeat:
		return unsupportedFrame(ime.CmdSetDetectableAutoRepeat, f), nil
	case FrameSetSelection:
		return unsupportedFrame(ime.CmdSetSelection, f), nil
	case FrameGetSelection:
		if err := w.write(FrameSelection, SelectionPayload{}); err != nil {
			w.logger.Debug("selection reply failed", "error", err)
		}
		return unsupportedFrame(ime.CmdGetSelection, f), nil
	default:
		w.logger.Debug("ignoring unknown frame", "type", f.Type)
		return nil, nil
	}
}

func decode(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", f.Type)
	}
	return json.Unmarshal(f.Payload, v)
}

func unsupportedFrame(command string, f Frame) ime.Event {
	ev := ime.Unsupported{Command: command}
	if len(f.Payload) > 0 {
		ev.Args = []any{string(f.Payload)}
	}
	return ev
}
