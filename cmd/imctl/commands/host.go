package commands

import (
	"fmt"
	"io"
	"sync"

	"imcontext/internal/ime"
)

// consoleHost is an ime.Host that prints every callback and keeps a
// single-line editor buffer.
type consoleHost struct {
	mu     sync.Mutex
	out    io.Writer
	editor ime.EditorContext
}

func newConsoleHost(out io.Writer) *consoleHost {
	return &consoleHost{out: out}
}

func (h *consoleHost) printf(format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(h.out, format+"\n", args...)
}

// SetText replaces the surrounding text and cursor.
func (h *consoleHost) SetText(text string, cursor int) ime.EditorContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.editor.SurroundingText = text
	h.editor.CursorPosition = cursor
	return h.editor
}

func (h *consoleHost) OnPanelHidden() {
	h.printf("panel hidden by server")
}

func (h *consoleHost) OnCommit(text string, replaceStart, replaceLength, cursorPos int) {
	h.mu.Lock()
	h.editor.SurroundingText, h.editor.CursorPosition = spliceText(
		h.editor.SurroundingText, h.editor.CursorPosition, text, replaceStart, replaceLength)
	h.mu.Unlock()
	h.printf("commit %q replace=%d+%d cursor=%d", text, replaceStart, replaceLength, cursorPos)
}

func (h *consoleHost) OnCompositionUpdate(text string, replaceStart, replaceLength, cursorPos int) {
	h.printf("preedit %q replace=%d+%d cursor=%d", text, replaceStart, replaceLength, cursorPos)
}

func (h *consoleHost) OnKey(keyCode int, isPress bool) {
	action := "release"
	if isPress {
		action = "press"
	}
	h.printf("key 0x%x %s", keyCode, action)
}

func (h *consoleHost) OnPanelAreaChanged(area ime.Rect) {
	if area.Empty() {
		h.printf("panel area cleared")
		return
	}
	h.printf("panel area %dx%d at (%d,%d)", area.W, area.H, area.X, area.Y)
}

func (h *consoleHost) OnReconnected() {
	h.printf("connected to input method server")
}

func (h *consoleHost) CurrentEditorContext() ime.EditorContext {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.editor
}

// spliceText inserts text at cursor+replaceStart, replacing replaceLength
// runes, and returns the new buffer and the cursor after the insertion.
// Out of range offsets are clamped.
func spliceText(s string, cursor int, text string, replaceStart, replaceLength int) (string, int) {
	r := []rune(s)
	start := clamp(cursor+replaceStart, 0, len(r))
	end := clamp(start+replaceLength, start, len(r))
	return string(r[:start]) + text + string(r[end:]), start + len([]rune(text))
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
