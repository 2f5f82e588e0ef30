package ime

import "time"

// Transport is the channel to the input method server.
//
// Command methods should not wait for the server; an error means the
// command was not sent (typically because the transport is disconnected).
// The controller calls them without holding its lock and never two at once. Events
// returns the channel of inbound notifications, ordered per connection.
type Transport interface {
	Activate() error
	ShowPanel() error
	HidePanel() error
	SetOrientation(angle Orientation) error
	PushEditorContext(ctx EditorContext, focusChanged bool) error
	Reset(hadComposition bool) error
	Events() <-chan Event
}

// ResetAcknowledger is implemented by transports that can report when the
// server has processed a reset.
type ResetAcknowledger interface {
	ExplicitResetAck() bool
}

// Observer receives counters about controller activity. Implementations
// must be safe for concurrent use and must not call back into the
// controller.
type Observer interface {
	CommandSent(command string)
	CommandDropped(command string)
	EventReceived(kind string)
	StaleEventDropped(kind string)
	UnsupportedCommand(command string)
	ResetIssued()
	ResetAcknowledged(latency time.Duration)
	Reconnected()
	CommitForwarded()
	StateChanged(connected, active bool, pendingResets int)
}

type nopObserver struct{}

func (nopObserver) CommandSent(string)              {}
func (nopObserver) CommandDropped(string)           {}
func (nopObserver) EventReceived(string)            {}
func (nopObserver) StaleEventDropped(string)        {}
func (nopObserver) UnsupportedCommand(string)       {}
func (nopObserver) ResetIssued()                    {}
func (nopObserver) ResetAcknowledged(time.Duration) {}
func (nopObserver) Reconnected()                    {}
func (nopObserver) CommitForwarded()                {}
func (nopObserver) StateChanged(bool, bool, int)    {}
