// Package journal records repair progress: as markdown appended to
// _journal.md inside the output directory, on the console, and as run
// history in SQLite.
package journal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
	"github.com/fatih/color"
)

// Func receives one progress line. It has the same shape as
// repair.JournalFunc.
type Func func(message string)

// Multi fans a line out to every non-nil sink.
func Multi(sinks ...Func) Func {
	var live []Func
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	return func(message string) {
		for _, s := range live {
			s(message)
		}
	}
}

// MarkdownSink appends lines to {outputDir}/_journal.md. The file is
// reserved and never treated as a domain document.
type MarkdownSink struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	err  error
}

// NewMarkdownSink creates a sink for outputDir. Nothing is written until
// Begin or Write is called.
func NewMarkdownSink(outputDir string) *MarkdownSink {
	return &MarkdownSink{
		path: filepath.Join(outputDir, domain.JournalFile),
		now:  time.Now,
	}
}

// Path returns the journal file path.
func (m *MarkdownSink) Path() string {
	return m.path
}

// Begin starts a new run section.
func (m *MarkdownSink) Begin(title string) {
	m.append(fmt.Sprintf("\n## %s (%s)\n\n", title, m.now().UTC().Format(time.RFC3339)))
}

// Write appends one line.
func (m *MarkdownSink) Write(message string) {
	m.append(fmt.Sprintf("- `%s` %s\n", m.now().UTC().Format("15:04:05"), strings.TrimSpace(message)))
}

// Err returns the first write error, if any. Journal failures never
// interrupt a repair.
func (m *MarkdownSink) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MarkdownSink) append(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		if m.err == nil {
			m.err = err
		}
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(text); err != nil && m.err == nil {
		m.err = err
	}
}

// ConsoleSink prints lines to w, colored by their leading glyph.
func ConsoleSink(w io.Writer) Func {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	return func(message string) {
		trimmed := strings.TrimSpace(message)
		switch {
		case strings.HasPrefix(trimmed, "✓"):
			message = green(message)
		case strings.HasPrefix(trimmed, "✗"):
			message = red(message)
		case strings.HasPrefix(trimmed, "⚠"):
			message = yellow(message)
		case strings.HasPrefix(trimmed, "Phase"):
			message = cyan(message)
		}
		_, _ = fmt.Fprintln(w, message)
	}
}
