//go:build linux

package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"imcontext/internal/ime"
)

// Maliit protocol names.
const (
	addressBusName   = "org.maliit.server"
	addressPath      = dbus.ObjectPath("/org/maliit/server/address")
	addressProperty  = "org.maliit.Server.Address.address"
	serverPath       = dbus.ObjectPath("/com/meego/inputmethod/uiserver1")
	serverInterface  = "com.meego.inputmethod.uiserver1"
	contextPath      = dbus.ObjectPath("/com/meego/inputmethod/inputcontext")
	contextInterface = "com.meego.inputmethod.inputcontext1"

	// keyPressType is QEvent::KeyPress.
	keyPressType = 6

	sessionQueue = 64
)

var contextMethods = map[string]string{
	"ActivationLostEvent":        "activationLostEvent",
	"ImInitiatedHide":            "imInitiatedHide",
	"CommitString":               "commitString",
	"UpdatePreedit":              "updatePreedit",
	"KeyEvent":                   "keyEvent",
	"UpdateInputMethodArea":      "updateInputMethodArea",
	"SetGlobalCorrectionEnabled": "setGlobalCorrectionEnabled",
	"InvokeAction":               "invokeAction",
	"SetRedirectKeys":            "setRedirectKeys",
	"SetDetectableAutoRepeat":    "setDetectableAutoRepeat",
	"SetSelection":               "setSelection",
	"Selection":                  "selection",
	"SetLanguage":                "setLanguage",
}

var errConnectionClosed = errors.New("maliit: connection closed")

// Maliit talks to a Maliit input method server over a peer-to-peer D-Bus
// connection.
type Maliit struct {
	*link
	address string

	mu     sync.RWMutex
	server dbus.BusObject
}

// NewMaliit returns a transport for the server at address. An empty address
// is looked up on the session bus at every connection attempt.
func NewMaliit(address string, opts Options) (*Maliit, error) {
	return &Maliit{
		link:    newLink("maliit", opts),
		address: address,
	}, nil
}

// ExplicitResetAck reports that reset replies are delivered as
// ResetAcknowledged events.
func (m *Maliit) ExplicitResetAck() bool {
	return true
}

// Run connects and reconnects until ctx is done.
func (m *Maliit) Run(ctx context.Context) error {
	return m.run(ctx, m.serve)
}

// Activate asks the server to make this context the active one.
func (m *Maliit) Activate() error {
	return m.call("activateContext")
}

// ShowPanel asks the server to show its panel.
func (m *Maliit) ShowPanel() error {
	return m.call("showInputMethod")
}

// HidePanel asks the server to hide its panel.
func (m *Maliit) HidePanel() error {
	return m.call("hideInputMethod")
}

// SetOrientation reports the host orientation.
func (m *Maliit) SetOrientation(angle ime.Orientation) error {
	return m.call("appOrientationChanged", int32(angle))
}

// PushEditorContext sends the editor state.
func (m *Maliit) PushEditorContext(ec ime.EditorContext, focusChanged bool) error {
	return m.call("updateWidgetInformation", widgetInfo(ec), focusChanged)
}

// Reset asks the server to drop its composition. The method reply arrives
// later as a ResetAcknowledged event for the same connection.
func (m *Maliit) Reset(hadComposition bool) error {
	if err := m.invoke("reset", 0); err != nil {
		return err
	}
	m.logger.Debug("reset sent", "had_composition", hadComposition)
	return nil
}

func (m *Maliit) call(method string, args ...any) error {
	return m.invoke(method, dbus.FlagNoReplyExpected, args...)
}

func (m *Maliit) invoke(method string, flags dbus.Flags, args ...any) error {
	m.mu.RLock()
	server := m.server
	m.mu.RUnlock()
	if server == nil || !m.connected.Load() {
		return ErrNotConnected
	}
	call := server.Go(serverInterface+"."+method, flags, nil, args...)
	if call.Err != nil {
		return fmt.Errorf("maliit %s: %w", method, call.Err)
	}
	return nil
}

// serve runs one connection until it drops or ctx is done.
func (m *Maliit) serve(ctx context.Context) (bool, error) {
	address, err := m.resolveAddress(ctx)
	if err != nil {
		return false, err
	}

	sess := newSession(m)
	defer sess.stop()

	conn, err := dbus.Dial(address,
		dbus.WithContext(ctx),
		dbus.WithIncomingInterceptor(sess.incoming),
		dbus.WithOutgoingInterceptor(sess.outgoing),
	)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", address, err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return false, fmt.Errorf("auth %s: %w", address, err)
	}
	if err := conn.ExportWithMap(inputContext{}, contextMethods, contextPath, contextInterface); err != nil {
		conn.Close()
		return false, fmt.Errorf("export input context: %w", err)
	}

	m.mu.Lock()
	m.server = conn.Object("", serverPath)
	m.mu.Unlock()

	// Calls that arrived since Auth wait in the session queue until the
	// generation exists.
	sess.start(m.up())
	m.logger.Info("connected to input method server", "address", address)

	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-conn.Context().Done():
		err = errConnectionClosed
	}
	conn.Close()
	sess.stop()

	m.mu.Lock()
	m.server = nil
	m.mu.Unlock()
	m.down(err)
	return true, err
}

func (m *Maliit) resolveAddress(ctx context.Context) (string, error) {
	if m.address != "" {
		return m.address, nil
	}
	bus, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("session bus: %w", err)
	}
	defer bus.Close()

	v, err := bus.Object(addressBusName, addressPath).GetProperty(addressProperty)
	if err != nil {
		return "", fmt.Errorf("query server address: %w", err)
	}
	var address string
	if err := v.Store(&address); err != nil {
		return "", fmt.Errorf("server address: %w", err)
	}
	if address == "" {
		return "", errors.New("server published an empty address")
	}
	return address, nil
}

// widgetInfo converts an editor context into the a{sv} map sent with
// updateWidgetInformation.
func widgetInfo(ec ime.EditorContext) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"focusState":      dbus.MakeVariant(true),
		"contentType":     dbus.MakeVariant(int32(ec.ContentType)),
		"hiddenText":      dbus.MakeVariant(ec.IsObscured),
		"surroundingText": dbus.MakeVariant(ec.SurroundingText),
		"cursorPosition":  dbus.MakeVariant(int32(ec.CursorPosition)),
		"hasSelection":    dbus.MakeVariant(ec.HasSelection),
	}
}

type preeditFormat struct {
	Start  int32
	Length int32
	Style  int32
}

// inputContext is the object exported to the server. It only produces the
// method replies; events are decoded by the session, which sees the calls in
// wire order.
type inputContext struct{}

func (inputContext) ActivationLostEvent() *dbus.Error { return nil }
func (inputContext) ImInitiatedHide() *dbus.Error     { return nil }

func (inputContext) CommitString(string, int32, int32, int32) *dbus.Error { return nil }

func (inputContext) UpdatePreedit(string, []preeditFormat, int32, int32, int32) *dbus.Error {
	return nil
}

func (inputContext) KeyEvent(int32, int32, int32, string, bool, int32, byte) *dbus.Error {
	return nil
}

func (inputContext) UpdateInputMethodArea(int32, int32, int32, int32) *dbus.Error { return nil }
func (inputContext) SetGlobalCorrectionEnabled(bool) *dbus.Error                  { return nil }
func (inputContext) InvokeAction(string, string) *dbus.Error                      { return nil }
func (inputContext) SetRedirectKeys(bool) *dbus.Error                             { return nil }
func (inputContext) SetDetectableAutoRepeat(bool) *dbus.Error                     { return nil }
func (inputContext) SetSelection(int32, int32) *dbus.Error                        { return nil }
func (inputContext) SetLanguage(string) *dbus.Error                               { return nil }

// Selection always reports no selection.
func (inputContext) Selection() (string, bool, *dbus.Error) {
	return "", false, nil
}

// session is the inbound side of one connection. godbus dispatches every
// method call on its own goroutine, so events are taken from the incoming
// interceptor instead, which runs on the reader goroutine in wire order, and
// a single pump emits them.
type session struct {
	m     *Maliit
	queue chan ime.Event
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu     sync.Mutex
	resets map[uint32]struct{}
}

func newSession(m *Maliit) *session {
	return &session{
		m:      m,
		queue:  make(chan ime.Event, sessionQueue),
		done:   make(chan struct{}),
		resets: make(map[uint32]struct{}),
	}
}

// start emits queued and future events under gen.
func (s *session) start(gen uint64) {
	s.wg.Add(1)
	go s.pump(gen)
}

// stop flushes what is queued and waits for the pump.
func (s *session) stop() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *session) pump(gen uint64) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.queue:
			s.m.emit(gen, ev)
		case <-s.done:
			for {
				select {
				case ev := <-s.queue:
					s.m.emit(gen, ev)
				default:
					return
				}
			}
		}
	}
}

// outgoing records the serial of every reset so its reply can be matched.
func (s *session) outgoing(msg *dbus.Message) {
	if msg.Type != dbus.TypeMethodCall || header(msg, dbus.FieldMember) != "reset" ||
		header(msg, dbus.FieldInterface) != serverInterface {
		return
	}
	s.mu.Lock()
	s.resets[msg.Serial()] = struct{}{}
	s.mu.Unlock()
}

func (s *session) incoming(msg *dbus.Message) {
	ev, ok := s.decode(msg)
	if !ok {
		return
	}
	select {
	case s.queue <- ev:
	case <-s.done:
	}
}

func (s *session) decode(msg *dbus.Message) (ime.Event, bool) {
	switch msg.Type {
	case dbus.TypeMethodReply, dbus.TypeError:
		serial, _ := msg.Headers[dbus.FieldReplySerial].Value().(uint32)
		s.mu.Lock()
		_, ok := s.resets[serial]
		delete(s.resets, serial)
		s.mu.Unlock()
		if !ok {
			return nil, false
		}
		if msg.Type == dbus.TypeError {
			return ime.ResetAcknowledged{Err: dbus.NewError(header(msg, dbus.FieldErrorName), msg.Body)}, true
		}
		return ime.ResetAcknowledged{}, true
	case dbus.TypeMethodCall:
		path, _ := msg.Headers[dbus.FieldPath].Value().(dbus.ObjectPath)
		if path != contextPath || header(msg, dbus.FieldInterface) != contextInterface {
			return nil, false
		}
		member := header(msg, dbus.FieldMember)
		ev, err := decodeCall(member, msg.Body)
		if err != nil {
			s.m.logger.Debug("ignoring malformed call", "method", member, "error", err)
			return nil, false
		}
		return ev, true
	}
	return nil, false
}

func header(msg *dbus.Message, field dbus.HeaderField) string {
	v, _ := msg.Headers[field].Value().(string)
	return v
}

// decodeCall converts one inputcontext1 method call into an event.
func decodeCall(member string, body []any) (ime.Event, error) {
	switch member {
	case "activationLostEvent":
		return ime.ActivationLost{}, nil
	case "imInitiatedHide":
		return ime.RemoteHide{}, nil
	case "commitString":
		var text string
		var start, length, cursor int32
		if err := dbus.Store(body, &text, &start, &length, &cursor); err != nil {
			return nil, err
		}
		return ime.Commit{Text: text, ReplaceStart: int(start), ReplaceLength: int(length), CursorPos: int(cursor)}, nil
	case "updatePreedit":
		var text string
		var formats []preeditFormat
		var start, length, cursor int32
		if err := dbus.Store(body, &text, &formats, &start, &length, &cursor); err != nil {
			return nil, err
		}
		runs := make([]ime.PreeditFormat, 0, len(formats))
		for _, f := range formats {
			runs = append(runs, ime.PreeditFormat{Start: int(f.Start), Length: int(f.Length), Style: int(f.Style)})
		}
		return ime.CompositionUpdate{
			Text:          text,
			Formats:       runs,
			ReplaceStart:  int(start),
			ReplaceLength: int(length),
			CursorPos:     int(cursor),
		}, nil
	case "keyEvent":
		var eventType, key, modifiers, count int32
		var text string
		var autoRepeat bool
		var requestType byte
		if err := dbus.Store(body, &eventType, &key, &modifiers, &text, &autoRepeat, &count, &requestType); err != nil {
			return nil, err
		}
		return ime.KeyEvent{
			Code:       int(key),
			Press:      eventType == keyPressType,
			Modifiers:  int(modifiers),
			Text:       text,
			AutoRepeat: autoRepeat,
			Count:      int(count),
		}, nil
	case "updateInputMethodArea":
		var x, y, w, h int32
		if err := dbus.Store(body, &x, &y, &w, &h); err != nil {
			return nil, err
		}
		return ime.PanelArea{Area: ime.Rect{X: int(x), Y: int(y), W: int(w), H: int(h)}}, nil
	case "setGlobalCorrectionEnabled":
		var enabled bool
		if err := dbus.Store(body, &enabled); err != nil {
			return nil, err
		}
		return ime.GlobalCorrection{Enabled: enabled}, nil
	case "invokeAction":
		var action, sequence string
		if err := dbus.Store(body, &action, &sequence); err != nil {
			return nil, err
		}
		return ime.Unsupported{Command: ime.CmdInvokeAction, Args: []any{action, sequence}}, nil
	case "setRedirectKeys", "setDetectableAutoRepeat":
		var enabled bool
		if err := dbus.Store(body, &enabled); err != nil {
			return nil, err
		}
		cmd := ime.CmdSetRedirectKeys
		if member == "setDetectableAutoRepeat" {
			cmd = ime.CmdSetDetectableAutoRepeat
		}
		return ime.Unsupported{Command: cmd, Args: []any{enabled}}, nil
	case "setSelection":
		var start, length int32
		if err := dbus.Store(body, &start, &length); err != nil {
			return nil, err
		}
		return ime.Unsupported{Command: ime.CmdSetSelection, Args: []any{int(start), int(length)}}, nil
	case "selection":
		return ime.Unsupported{Command: ime.CmdGetSelection}, nil
	case "setLanguage":
		var language string
		if err := dbus.Store(body, &language); err != nil {
			return nil, err
		}
		return ime.Unsupported{Command: ime.CmdSetLanguage, Args: []any{language}}, nil
	}
	return nil, fmt.Errorf("unknown method %q", member)
}
