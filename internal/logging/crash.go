package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// ErrCrashed is returned by Guard when the guarded function panicked.
var ErrCrashed = errors.New("recovered from panic")

// CrashReport describes one recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	InputContext string         `json:"input_context,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandlerConfig configures the crash handler.
type CrashHandlerConfig struct {
	// CrashDir is the directory to write crash dumps.
	CrashDir string

	// Version is the application version.
	Version string

	// Component is the component name.
	Component string

	// OnCrash is called after a crash report is written.
	OnCrash func(CrashReport)
}

// CrashHandler turns panics into JSON crash reports.
type CrashHandler struct {
	mu           sync.Mutex
	crashDir     string
	version      string
	component    string
	inputContext string
	onCrash      func(CrashReport)
}

// DefaultCrashDir returns the platform-specific default crash directory.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
}

// NewCrashHandler creates a CrashHandler.
func NewCrashHandler(cfg *CrashHandlerConfig) *CrashHandler {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	if cfg.CrashDir == "" {
		cfg.CrashDir = DefaultCrashDir()
	}
	return &CrashHandler{
		crashDir:  cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		onCrash:   cfg.OnCrash,
	}
}

// SetInputContext records the identifier of the session being served.
func (h *CrashHandler) SetInputContext(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inputContext = id
}

// Guard runs fn and converts a panic into ErrCrashed after writing a report.
func (h *CrashHandler) Guard(contextInfo map[string]any, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			report, werr := h.HandlePanic(r, contextInfo)
			err = fmt.Errorf("%w: %s", ErrCrashed, report.PanicValue)
			if werr != nil {
				err = errors.Join(err, werr)
			}
		}
	}()
	return fn()
}

// HandlePanic builds and writes a crash report for panicValue.
func (h *CrashHandler) HandlePanic(panicValue any, contextInfo map[string]any) (CrashReport, error) {
	h.mu.Lock()
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(panicValue),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		InputContext: h.inputContext,
		Context:      contextInfo,
	}
	err := h.writeCrashDump(report)
	onCrash := h.onCrash
	h.mu.Unlock()

	if onCrash != nil {
		onCrash(report)
	}
	return report, err
}

func (h *CrashHandler) writeCrashDump(report CrashReport) error {
	if err := os.MkdirAll(h.crashDir, 0750); err != nil {
		return fmt.Errorf("create crash dir: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json",
		report.Component, report.Timestamp.Format("20060102-150405.000000"))

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal crash report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(h.crashDir, name), data, 0640); err != nil {
		return fmt.Errorf("write crash report: %w", err)
	}
	return nil
}

// CrashReports reads every report in the crash directory.
func (h *CrashHandler) CrashReports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.crashDir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
