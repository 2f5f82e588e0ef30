package ime

// EventKind identifies an inbound event from the input method server.
type EventKind int

// Event kinds.
const (
	KindConnected EventKind = iota
	KindDisconnected
	KindActivationLost
	KindRemoteHide
	KindCommit
	KindCompositionUpdate
	KindKey
	KindPanelArea
	KindGlobalCorrection
	KindResetAcknowledged
	KindUnsupported
)

var kindNames = map[EventKind]string{
	KindConnected:         "connected",
	KindDisconnected:      "disconnected",
	KindActivationLost:    "activation_lost",
	KindRemoteHide:        "remote_hide",
	KindCommit:            "commit",
	KindCompositionUpdate: "composition_update",
	KindKey:               "key",
	KindPanelArea:         "panel_area",
	KindGlobalCorrection:  "global_correction",
	KindResetAcknowledged: "reset_acknowledged",
	KindUnsupported:       "unsupported",
}

// String returns the kind name used in logs and metrics.
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a notification delivered by a Transport.
type Event interface {
	Kind() EventKind
}

// Connected reports that the transport reached the server.
type Connected struct{}

// Disconnected reports that the transport lost the server.
type Disconnected struct {
	Err error
}

// ActivationLost reports that the server gracefully revoked activation.
type ActivationLost struct{}

// RemoteHide reports a hide initiated by the server.
type RemoteHide struct{}

// Commit carries text finalized by the server.
type Commit struct {
	Text          string
	ReplaceStart  int
	ReplaceLength int
	CursorPos     int
}

// PreeditFormat is one formatting run of a composition string.
type PreeditFormat struct {
	Start  int
	Length int
	Style  int
}

// CompositionUpdate carries a new composition (preedit) string.
type CompositionUpdate struct {
	Text          string
	Formats       []PreeditFormat
	ReplaceStart  int
	ReplaceLength int
	CursorPos     int
}

// KeyEvent is a key the server wants delivered to the host.
type KeyEvent struct {
	Code       int
	Press      bool
	Modifiers  int
	Text       string
	AutoRepeat bool
	Count      int
}

// Rect is a screen rectangle.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether the rectangle covers no area.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// PanelArea reports the on-screen footprint of the server's panel.
type PanelArea struct {
	Area Rect
}

// GlobalCorrection reports that the server toggled global correction.
type GlobalCorrection struct {
	Enabled bool
}

// ResetAcknowledged reports that the server finished processing a reset.
// Err is set when the reset call itself failed; it still counts as an ack.
type ResetAcknowledged struct {
	Err error
}

// Unsupported is a server command this client accepts but does not act on.
type Unsupported struct {
	Command string
	Args    []any
}

func (Connected) Kind() EventKind         { return KindConnected }
func (Disconnected) Kind() EventKind      { return KindDisconnected }
func (ActivationLost) Kind() EventKind    { return KindActivationLost }
func (RemoteHide) Kind() EventKind        { return KindRemoteHide }
func (Commit) Kind() EventKind            { return KindCommit }
func (CompositionUpdate) Kind() EventKind { return KindCompositionUpdate }
func (KeyEvent) Kind() EventKind          { return KindKey }
func (PanelArea) Kind() EventKind         { return KindPanelArea }
func (GlobalCorrection) Kind() EventKind  { return KindGlobalCorrection }
func (ResetAcknowledged) Kind() EventKind { return KindResetAcknowledged }
func (Unsupported) Kind() EventKind       { return KindUnsupported }

// Names of the server commands that are accepted without effect.
const (
	CmdSetLanguage             = "setLanguage"
	CmdInvokeAction            = "invokeAction"
	CmdSetRedirectKeys         = "setRedirectKeys"
	CmdSetDetectableAutoRepeat = "setDetectableAutoRepeat"
	CmdSetSelection            = "setSelection"
	CmdGetSelection            = "getSelection"
)
