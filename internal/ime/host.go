package ime

// Host is implemented by the text-editing host that owns the widget.
//
// The controller never calls Host while holding its lock, so a Host may call
// back into the controller from any of these methods.
type Host interface {
	// OnPanelHidden is called when the server hid its panel on its own.
	OnPanelHidden()

	// OnCommit inserts finalized text into the widget.
	OnCommit(text string, replaceStart, replaceLength, cursorPos int)

	// OnCompositionUpdate replaces the provisional composition text.
	OnCompositionUpdate(text string, replaceStart, replaceLength, cursorPos int)

	// OnKey delivers a key event produced by the server.
	OnKey(keyCode int, isPress bool)

	// OnPanelAreaChanged reports the screen area covered by the server's
	// panel. An empty rectangle means the host can reclaim the space.
	OnPanelAreaChanged(area Rect)

	// OnReconnected is called every time a connection to the server is
	// established, before any state is resent.
	OnReconnected()

	// CurrentEditorContext returns the host's current editor state. It is
	// pulled when the full state has to be resent.
	CurrentEditorContext() EditorContext
}
