package ime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectAndShow brings a controller to the connected, shown state and
// clears everything recorded on the way.
func connectAndShow(c *Controller, tr *recordingTransport, host *recordingHost) {
	c.HandleEvent(Connected{})
	c.RequestShow()
	tr.take()
	host.take()
}

func TestNewControllerInitialState(t *testing.T) {
	c, tr, _, _ := newTestController(true)

	st := c.Snapshot()
	assert.False(t, st.Connected)
	assert.False(t, st.Active)
	assert.Equal(t, PanelHidden, st.Panel)
	assert.False(t, st.RestartPending)
	assert.Zero(t, st.PendingResets)
	assert.Equal(t, Angle0, st.Orientation)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, AckExplicit, c.AckMode())
	assert.Empty(t, tr.take())
}

func TestAckModeSelection(t *testing.T) {
	c, _, _, _ := newTestController(false)
	assert.Equal(t, AckInferred, c.AckMode())

	c, _, _, _ = newTestController(true, WithAckMode(AckInferred))
	assert.Equal(t, AckInferred, c.AckMode())

	c, _, _, _ = newTestController(false, WithAckMode(AckExplicit))
	assert.Equal(t, AckExplicit, c.AckMode())
}

func TestCommitDeliveredWithoutPendingReset(t *testing.T) {
	c, tr, host, obs := newTestController(true)
	connectAndShow(c, tr, host)

	c.HandleEvent(CompositionUpdate{Text: "hel", CursorPos: -1})
	assert.Equal(t, "hel", c.Snapshot().Composition)

	c.HandleEvent(Commit{Text: "hello", CursorPos: -1})

	assert.Equal(t, []string{"preedit:hel:0:0:-1", "commit:hello:0:0:-1"}, host.take())
	assert.Empty(t, c.Snapshot().Composition)
	assert.Equal(t, 1, obs.get("commit"))
}

func TestResetSuppressesStaleEventsUntilAck(t *testing.T) {
	c, tr, host, obs := newTestController(true)
	connectAndShow(c, tr, host)

	c.HandleEvent(CompositionUpdate{Text: "ab", CursorPos: -1})
	host.take()

	c.RequestReset()
	assert.Equal(t, []string{"reset:true"}, tr.take())
	st := c.Snapshot()
	assert.Equal(t, 1, st.PendingResets)
	assert.Empty(t, st.Composition)

	c.HandleEvent(Commit{Text: "ab", CursorPos: -1})
	c.HandleEvent(CompositionUpdate{Text: "abc", CursorPos: -1})
	assert.Empty(t, host.take())
	assert.Equal(t, 1, obs.get("stale:commit"))
	assert.Equal(t, 1, obs.get("stale:composition_update"))
	assert.Empty(t, c.Snapshot().Composition)

	c.HandleEvent(ResetAcknowledged{})
	assert.Zero(t, c.Snapshot().PendingResets)
	assert.Equal(t, 1, obs.get("ack"))

	c.HandleEvent(Commit{Text: "x", CursorPos: -1})
	assert.Equal(t, []string{"commit:x:0:0:-1"}, host.take())
}

func TestNoDeliveryBeforeLastAck(t *testing.T) {
	for n := 1; n <= 4; n++ {
		t.Run(fmt.Sprintf("%d resets", n), func(t *testing.T) {
			c, tr, host, _ := newTestController(true)
			connectAndShow(c, tr, host)

			for i := 0; i < n; i++ {
				c.RequestReset()
			}
			require.Equal(t, n, c.Snapshot().PendingResets)

			for i := 0; i < n-1; i++ {
				c.HandleEvent(ResetAcknowledged{})
				c.HandleEvent(Commit{Text: "stale", CursorPos: -1})
			}
			assert.Empty(t, host.take())

			c.HandleEvent(ResetAcknowledged{})
			c.HandleEvent(Commit{Text: "fresh", CursorPos: -1})
			assert.Equal(t, []string{"commit:fresh:0:0:-1"}, host.take())
		})
	}
}

func TestInferredAckUsesFirstPostResetEvent(t *testing.T) {
	c, tr, host, obs := newTestController(false)
	connectAndShow(c, tr, host)

	c.RequestReset()
	c.RequestReset()
	require.Equal(t, 2, c.Snapshot().PendingResets)

	// An explicit ack is ignored in inferred mode.
	c.HandleEvent(ResetAcknowledged{})
	require.Equal(t, 2, c.Snapshot().PendingResets)

	c.HandleEvent(Commit{Text: "a", CursorPos: -1})
	assert.Empty(t, host.take())
	assert.Equal(t, 1, c.Snapshot().PendingResets)

	c.HandleEvent(CompositionUpdate{Text: "b", CursorPos: -1})
	assert.Equal(t, []string{"preedit:b:0:0:-1"}, host.take())
	assert.Zero(t, c.Snapshot().PendingResets)
	assert.Equal(t, 2, obs.get("ack"))

	c.HandleEvent(Commit{Text: "c", CursorPos: -1})
	assert.Equal(t, []string{"commit:c:0:0:-1"}, host.take())
}

func TestShowThenHideActivatesOnce(t *testing.T) {
	c, tr, _, _ := newTestController(true)
	c.HandleEvent(Connected{})

	c.RequestShow()
	c.RequestHide()

	assert.Equal(t, []string{"activate", "orientation:0", "show", "hide"}, tr.take())
	st := c.Snapshot()
	assert.Equal(t, PanelHidden, st.Panel)
	assert.True(t, st.Active)

	c.RequestShow()
	c.RequestShow()
	c.RequestHide()
	c.RequestShow()
	assert.Equal(t, []string{"show", "show", "hide", "show"}, tr.take())
	assert.Equal(t, PanelShown, c.Snapshot().Panel)
}

func TestHideWhileInactive(t *testing.T) {
	c, tr, _, obs := newTestController(true)

	c.RequestHide()

	assert.Empty(t, tr.take())
	assert.Equal(t, PanelHidden, c.Snapshot().Panel)
	assert.Equal(t, 1, obs.get("dropped:hide_panel"))
}

func TestReconnectResynchronizes(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	host.context = EditorContext{SurroundingText: "hello", CursorPosition: 5}
	connectAndShow(c, tr, host)

	c.HandleEvent(Disconnected{Err: errors.New("server crashed")})

	st := c.Snapshot()
	assert.False(t, st.Connected)
	assert.False(t, st.Active)
	assert.True(t, st.RestartPending)
	assert.Equal(t, PanelShowPending, st.Panel)
	assert.Equal(t, []string{"area:0,0,0,0"}, host.take())
	assert.Empty(t, tr.take())

	c.HandleEvent(Connected{})

	assert.Equal(t, []string{"reconnected"}, host.take())
	assert.Equal(t, []string{
		"reset:false",
		`context:"hello":5:focus=true`,
		"activate",
		"orientation:0",
		"show",
	}, tr.take())

	st = c.Snapshot()
	assert.False(t, st.RestartPending)
	assert.True(t, st.Active)
	assert.Equal(t, PanelShown, st.Panel)
	assert.Equal(t, host.context, st.EditorContext)
}

func TestReconnectWithoutVisiblePanel(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	c.HandleEvent(Connected{})
	c.HandleEvent(Disconnected{})

	assert.False(t, c.Snapshot().RestartPending)

	c.HandleEvent(Connected{})
	assert.Empty(t, tr.take())
	assert.Equal(t, []string{"reconnected", "area:0,0,0,0", "reconnected"}, host.take())
	assert.Equal(t, PanelHidden, c.Snapshot().Panel)
}

func TestHideWhileDisconnectedCancelsRestart(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)
	c.HandleEvent(Disconnected{})

	c.RequestHide()
	c.HandleEvent(Connected{})

	assert.Empty(t, tr.take())
	st := c.Snapshot()
	assert.False(t, st.RestartPending)
	assert.Equal(t, PanelHidden, st.Panel)
	assert.False(t, st.Active)
}

func TestShowWhileDisconnectedIsDeferred(t *testing.T) {
	c, tr, _, obs := newTestController(true)

	c.RequestShow()
	assert.Empty(t, tr.take())
	st := c.Snapshot()
	assert.Equal(t, PanelShowPending, st.Panel)
	assert.False(t, st.Active)
	assert.Zero(t, obs.get("sent:activate"))

	c.HandleEvent(Connected{})
	assert.Equal(t, []string{"activate", "orientation:0", "show"}, tr.take())
	assert.Equal(t, PanelShown, c.Snapshot().Panel)
}

func TestOrientationStoredWhileInactive(t *testing.T) {
	c, tr, _, _ := newTestController(true)
	c.HandleEvent(Connected{})

	require.NoError(t, c.SetOrientation(Angle90))
	assert.Empty(t, tr.take())
	assert.Equal(t, Angle90, c.Snapshot().Orientation)

	c.RequestShow()
	assert.Equal(t, []string{"activate", "orientation:90", "show"}, tr.take())

	require.NoError(t, c.SetOrientation(Angle180))
	assert.Equal(t, []string{"orientation:180"}, tr.take())
}

func TestSetOrientationRejectsInvalidAngle(t *testing.T) {
	c, tr, _, _ := newTestController(true)
	c.HandleEvent(Connected{})

	err := c.SetOrientation(Orientation(45))
	assert.ErrorIs(t, err, ErrInvalidOrientation)
	assert.Equal(t, Angle0, c.Snapshot().Orientation)
	assert.Empty(t, tr.take())
}

func TestWithOrientationOption(t *testing.T) {
	c, tr, _, _ := newTestController(true, WithOrientation(Angle270))
	c.HandleEvent(Connected{})
	c.RequestShow()
	assert.Equal(t, []string{"activate", "orientation:270", "show"}, tr.take())
}

func TestEditorContextUpdates(t *testing.T) {
	c, tr, _, _ := newTestController(true)
	c.HandleEvent(Connected{})
	ec := EditorContext{ContentType: 1, SurroundingText: "abc", CursorPosition: 3}

	c.UpdateEditorContext(ec, false, false)
	assert.Equal(t, []string{`context:"abc":3:focus=false`}, tr.take())

	c.UpdateEditorContext(ec, false, false)
	assert.Empty(t, tr.take(), "identical context must not be resent")

	c.UpdateEditorContext(ec, false, true)
	assert.Equal(t, []string{`context:"abc":3:focus=false`}, tr.take())

	c.UpdateEditorContext(ec, true, false)
	assert.Equal(t, []string{"reset:false", `context:"abc":3:focus=true`}, tr.take())

	moved := ec
	moved.CursorPosition = 1
	c.UpdateEditorContext(moved, false, false)
	assert.Equal(t, []string{`context:"abc":1:focus=false`}, tr.take())
	assert.Equal(t, moved, c.Snapshot().EditorContext)
}

func TestFocusChangeResetsComposition(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)
	c.HandleEvent(CompositionUpdate{Text: "pre", CursorPos: -1})

	c.UpdateEditorContext(EditorContext{SurroundingText: "other"}, true, false)

	assert.Equal(t, []string{"reset:true", `context:"other":0:focus=true`}, tr.take())
	st := c.Snapshot()
	assert.Empty(t, st.Composition)
	assert.Equal(t, 1, st.PendingResets)
}

func TestEditorContextKeptWhileDisconnected(t *testing.T) {
	c, tr, _, obs := newTestController(true)
	ec := EditorContext{SurroundingText: "offline"}

	c.UpdateEditorContext(ec, false, false)

	assert.Empty(t, tr.take())
	assert.Equal(t, ec, c.Snapshot().EditorContext)
	assert.Equal(t, 1, obs.get("dropped:push_editor_context"))
}

func TestResetWhileDisconnected(t *testing.T) {
	c, tr, host, obs := newTestController(true)
	connectAndShow(c, tr, host)
	c.HandleEvent(CompositionUpdate{Text: "draft"})
	c.HandleEvent(Disconnected{})

	c.RequestReset()

	st := c.Snapshot()
	assert.Empty(t, st.Composition)
	assert.Zero(t, st.PendingResets)
	assert.Empty(t, tr.take())
	assert.Equal(t, 1, obs.get("dropped:reset"))
}

func TestDisconnectClearsPendingResets(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)
	c.RequestReset()
	require.Equal(t, 1, c.Snapshot().PendingResets)

	c.HandleEvent(Disconnected{})
	assert.Zero(t, c.Snapshot().PendingResets)

	// A late ack from the old connection is ignored.
	c.HandleEvent(ResetAcknowledged{})
	assert.Zero(t, c.Snapshot().PendingResets)
}

func TestActivationLost(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)

	c.HandleEvent(ActivationLost{})

	st := c.Snapshot()
	assert.True(t, st.Connected)
	assert.False(t, st.Active)
	assert.Equal(t, PanelHidden, st.Panel)
	assert.False(t, st.RestartPending)

	c.HandleEvent(Disconnected{})
	c.HandleEvent(Connected{})
	assert.Empty(t, tr.take())
	assert.False(t, c.Snapshot().RestartPending)

	c.RequestShow()
	assert.Equal(t, []string{"activate", "orientation:0", "show"}, tr.take())
}

func TestRemoteHide(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)

	c.HandleEvent(RemoteHide{})

	assert.Equal(t, []string{"panel_hidden"}, host.take())
	st := c.Snapshot()
	assert.Equal(t, PanelHidden, st.Panel)
	assert.True(t, st.Active)
	assert.Empty(t, tr.take())
}

func TestKeyAndPanelAreaForwarded(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)

	c.HandleEvent(KeyEvent{Code: 65, Press: true})
	c.HandleEvent(KeyEvent{Code: 65, Press: false})
	c.HandleEvent(PanelArea{Area: Rect{X: 0, Y: 400, W: 800, H: 200}})

	assert.Equal(t, []string{"key:65:true", "key:65:false", "area:0,400,800,200"}, host.take())
}

func TestGlobalCorrectionResendsHostContext(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	host.context = EditorContext{SurroundingText: "x", CursorPosition: 1}
	c.HandleEvent(Connected{})
	tr.take()

	c.HandleEvent(GlobalCorrection{Enabled: true})

	assert.Equal(t, []string{"reset:false", `context:"x":1:focus=true`}, tr.take())
}

func TestUnsupportedCommandsAreNoOps(t *testing.T) {
	commands := []string{
		CmdSetLanguage,
		CmdInvokeAction,
		CmdSetRedirectKeys,
		CmdSetDetectableAutoRepeat,
		CmdSetSelection,
		CmdGetSelection,
	}

	for _, cmd := range commands {
		t.Run(cmd, func(t *testing.T) {
			c, tr, host, obs := newTestController(true)
			connectAndShow(c, tr, host)
			before := c.Snapshot()

			assert.NotPanics(t, func() {
				c.HandleEvent(Unsupported{Command: cmd})
			})

			assert.Equal(t, before, c.Snapshot())
			assert.Empty(t, tr.take())
			assert.Empty(t, host.take())
			assert.Equal(t, 1, obs.get("unsupported:"+cmd))
		})
	}
}

func TestTransportErrorDropsCommand(t *testing.T) {
	c, tr, _, obs := newTestController(true)
	tr.failWith = errors.New("write failed")
	c.HandleEvent(Connected{})

	c.RequestShow()
	c.RequestReset()

	st := c.Snapshot()
	assert.True(t, st.Active)
	assert.Equal(t, PanelShown, st.Panel)
	assert.Zero(t, st.PendingResets, "an unsent reset must not block events")
	assert.Equal(t, 1, obs.get("dropped:activate"))
	assert.Equal(t, 1, obs.get("dropped:reset"))
}

func TestHostMayReenterController(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	host.onCommit = func(string) { c.RequestReset() }
	connectAndShow(c, tr, host)

	done := make(chan struct{})
	go func() {
		c.HandleEvent(Commit{Text: "go", CursorPos: -1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("host callback deadlocked the controller")
	}
	assert.Equal(t, []string{"reset:false"}, tr.take())
	assert.Equal(t, 1, c.Snapshot().PendingResets)
}

func TestInvariantViolationPanics(t *testing.T) {
	c, _, _, _ := newTestController(true)

	assert.Panics(t, func() {
		c.transition(func(*effects) { c.s.active = true })
	})
}

func TestRunDeliversEvents(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	tr.events <- Connected{}
	tr.events <- Commit{Text: "hi", CursorPos: -1}

	require.Eventually(t, func() bool {
		calls := host.take()
		for _, call := range calls {
			if call == "commit:hi:0:0:-1" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestRunStopsWhenEventsClose(t *testing.T) {
	c, tr, _, _ := newTestController(true)
	close(tr.events)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestShowFromReconnectCallbackStillResynchronizes(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	host.context = EditorContext{SurroundingText: "abc", CursorPosition: 3}
	c.HandleEvent(Connected{})
	c.UpdateEditorContext(host.context, false, false)
	c.RequestShow()
	c.HandleEvent(Disconnected{})
	tr.take()
	host.take()

	host.onReconnect = func() { c.RequestShow() }
	c.HandleEvent(Connected{})

	assert.Equal(t, []string{
		"reset:false",
		`context:"abc":3:focus=true`,
		"activate",
		"orientation:0",
		"show",
	}, tr.take())
	st := c.Snapshot()
	assert.False(t, st.RestartPending)
	assert.True(t, st.Active)
	assert.Equal(t, PanelShown, st.Panel)
}

func TestHideFromReconnectCallbackCancelsRestart(t *testing.T) {
	c, tr, host, _ := newTestController(true)
	connectAndShow(c, tr, host)
	c.HandleEvent(Disconnected{})

	host.onReconnect = func() { c.RequestHide() }
	c.HandleEvent(Connected{})

	assert.Equal(t, []string{"hide"}, tr.take())
	st := c.Snapshot()
	assert.False(t, st.RestartPending)
	assert.Equal(t, PanelHidden, st.Panel)
}

func TestSlowTransportDoesNotBlockSnapshot(t *testing.T) {
	bt := &blockingTransport{
		recordingTransport: newRecordingTransport(true),
		entered:            make(chan struct{}),
		release:            make(chan struct{}),
	}
	c := NewController(bt, &recordingHost{}, WithLogger(discardLogger()))
	c.HandleEvent(Connected{})

	done := make(chan struct{})
	go func() {
		c.RequestShow()
		close(done)
	}()
	<-bt.entered

	snap := make(chan State, 1)
	go func() { snap <- c.Snapshot() }()
	select {
	case st := <-snap:
		assert.Equal(t, PanelShown, st.Panel)
	case <-time.After(time.Second):
		t.Fatal("Snapshot blocked behind a transport call")
	}

	// Commands queued meanwhile are sent after the blocked one, in order.
	c.RequestHide()
	close(bt.release)
	<-done
	assert.Equal(t, []string{"activate", "orientation:0", "show", "hide"}, bt.take())
}

func TestFailedResetIsWithdrawn(t *testing.T) {
	c, tr, host, obs := newTestController(true)
	connectAndShow(c, tr, host)
	tr.failWith = errors.New("write failed")

	c.RequestReset()
	assert.Zero(t, c.Snapshot().PendingResets)
	assert.Equal(t, 1, obs.get("dropped:reset"))

	tr.failWith = nil
	c.HandleEvent(Commit{Text: "ok", CursorPos: -1})
	assert.Equal(t, []string{"commit:ok:0:0:-1"}, host.take())
}
