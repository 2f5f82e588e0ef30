package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"imcontext/internal/ime"
)

var errQuit = errors.New("quit")

// session is the part of ime.Controller the console drives.
type session interface {
	RequestShow()
	RequestHide()
	RequestReset()
	UpdateEditorContext(ec ime.EditorContext, focusChanged, force bool)
	SetOrientation(angle ime.Orientation) error
	Snapshot() ime.State
}

const consoleHelp = `commands:
  show                 show the input panel
  hide                 hide the input panel
  reset                drop the current composition
  orient <deg>         set orientation (0, 90, 180, 270)
  text <cursor> <text> set surrounding text and cursor
  focus                report a focus change
  state                print the session state
  quit                 exit`

// execLine runs one console command. It returns errQuit for quit.
func execLine(s session, host *consoleHost, out io.Writer, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch cmd := fields[0]; cmd {
	case "show":
		s.RequestShow()
	case "hide":
		s.RequestHide()
	case "reset":
		s.RequestReset()
	case "orient":
		if len(fields) != 2 {
			return errors.New("usage: orient <deg>")
		}
		deg, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("orient: %w", err)
		}
		angle, err := ime.ParseOrientation(deg)
		if err != nil {
			return err
		}
		return s.SetOrientation(angle)
	case "text":
		parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
		if len(parts) < 2 {
			return errors.New("usage: text <cursor> <text>")
		}
		cursor, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("text: cursor: %w", err)
		}
		var text string
		if len(parts) == 3 {
			text = parts[2]
		}
		if cursor < 0 || cursor > len([]rune(text)) {
			return fmt.Errorf("text: cursor %d outside 0..%d", cursor, len([]rune(text)))
		}
		s.UpdateEditorContext(host.SetText(text, cursor), false, false)
	case "focus":
		s.UpdateEditorContext(host.CurrentEditorContext(), true, false)
	case "state":
		writeState(out, s.Snapshot())
	case "help":
		fmt.Fprintln(out, consoleHelp)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func writeState(out io.Writer, st ime.State) {
	fmt.Fprintf(out, "connected=%t active=%t panel=%s restart_pending=%t pending_resets=%d orientation=%d\n",
		st.Connected, st.Active, st.Panel, st.RestartPending, st.PendingResets, st.Orientation)
	fmt.Fprintf(out, "composition=%q text=%q cursor=%d\n",
		st.Composition, st.EditorContext.SurroundingText, st.EditorContext.CursorPosition)
}
