package ime

import (
	"errors"
	"fmt"
)

// ErrInvalidOrientation is returned for angles other than 0, 90, 180 and 270.
var ErrInvalidOrientation = errors.New("orientation must be one of 0, 90, 180, 270")

// Orientation is the rotation of the host surface in degrees.
type Orientation int

// Supported orientation angles.
const (
	Angle0   Orientation = 0
	Angle90  Orientation = 90
	Angle180 Orientation = 180
	Angle270 Orientation = 270
)

// Valid reports whether o is one of the four supported angles.
func (o Orientation) Valid() bool {
	switch o {
	case Angle0, Angle90, Angle180, Angle270:
		return true
	}
	return false
}

// ParseOrientation converts a degree value into an Orientation.
func ParseOrientation(deg int) (Orientation, error) {
	o := Orientation(deg)
	if !o.Valid() {
		return Angle0, fmt.Errorf("%w: got %d", ErrInvalidOrientation, deg)
	}
	return o, nil
}

// PanelState is the visibility of the remote composition panel.
type PanelState int

const (
	// PanelHidden is the initial state.
	PanelHidden PanelState = iota
	// PanelShowPending means a show was requested but activation has not
	// happened yet (no connection, or the connection dropped while shown).
	PanelShowPending
	// PanelShown means the panel was shown on an active connection.
	PanelShown
)

// String returns the state name.
func (p PanelState) String() string {
	switch p {
	case PanelHidden:
		return "hidden"
	case PanelShowPending:
		return "show-pending"
	case PanelShown:
		return "shown"
	default:
		return "unknown"
	}
}

// EditorContext is the editor state pushed to the input method server.
// The fields are opaque to the controller apart from equality checks.
type EditorContext struct {
	ContentType     int
	IsObscured      bool
	SurroundingText string
	CursorPosition  int
	HasSelection    bool
}

// StateInfo returns the context as the key/value map sent on the wire.
// focusState is always true: the context is only pushed for a focused widget.
func (c EditorContext) StateInfo() map[string]any {
	return map[string]any{
		"focusState":      true,
		"contentType":     c.ContentType,
		"hiddenText":      c.IsObscured,
		"surroundingText": c.SurroundingText,
		"cursorPosition":  c.CursorPosition,
		"hasSelection":    c.HasSelection,
	}
}

// State is a point-in-time copy of a session.
type State struct {
	Connected      bool
	Active         bool
	Panel          PanelState
	RestartPending bool
	PendingResets  int
	Composition    string
	Orientation    Orientation
	EditorContext  EditorContext
}

// session is the mutable state owned by a Controller.
type session struct {
	connected      bool
	active         bool
	panel          PanelState
	restartPending bool
	composition    string
	orientation    Orientation
	editor         EditorContext
	resets         resetCoordinator
}

func (s *session) snapshot() State {
	return State{
		Connected:      s.connected,
		Active:         s.active,
		Panel:          s.panel,
		RestartPending: s.restartPending,
		PendingResets:  s.resets.Pending(),
		Composition:    s.composition,
		Orientation:    s.orientation,
		EditorContext:  s.editor,
	}
}

// validate checks the session invariants.
func (s *session) validate() error {
	if s.active && !s.connected {
		return errors.New("session active while disconnected")
	}
	if s.panel == PanelShown && !s.active {
		return errors.New("panel shown while session inactive")
	}
	if s.resets.Pending() < 0 {
		return fmt.Errorf("negative pending reset count %d", s.resets.Pending())
	}
	if !s.orientation.Valid() {
		return fmt.Errorf("invalid stored orientation %d", s.orientation)
	}
	return nil
}
