package analyzer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cidx-server/depmap/internal/domain"
)

// DefaultCommand runs the Claude CLI in print mode, reading the prompt from
// stdin.
var DefaultCommand = []string{"claude", "-p"}

// waitDelay bounds how long Run waits for output pipes after the process is
// killed, in case it left children holding them open.
const waitDelay = 5 * time.Second

// CommandAnalyzer regenerates domain documents by running an external CLI
// with the prompt on stdin and taking the document from stdout.
type CommandAnalyzer struct {
	Command []string
	Timeout time.Duration // 0 means no per-call timeout
	Dir     string        // working directory; empty means the output directory

	now func() time.Time
}

// NewCommandAnalyzer creates an analyzer for command, or DefaultCommand when
// command is empty.
func NewCommandAnalyzer(command []string, timeout time.Duration) *CommandAnalyzer {
	if len(command) == 0 {
		command = DefaultCommand
	}
	return &CommandAnalyzer{Command: command, Timeout: timeout, now: time.Now}
}

// Analyze writes {outputDir}/{entry.Name}.md from the command's stdout.
func (c *CommandAnalyzer) Analyze(ctx context.Context, outputDir string, entry domain.Entry,
	domains []domain.Entry, repos []domain.Repo) (bool, error) {

	if len(c.Command) == 0 {
		return false, errors.New("analyzer command is empty")
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command[0], c.Command[1:]...)
	cmd.Dir = c.Dir
	if cmd.Dir == "" {
		cmd.Dir = outputDir
	}
	cmd.Stdin = strings.NewReader(BuildPrompt(entry, domains, repos))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return false, fmt.Errorf("%s timed out after %v", c.Command[0], c.Timeout)
		}
		return false, fmt.Errorf("%s failed: %w: %s", c.Command[0], err, tail(stderr.String(), 500))
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	return writeDocument(outputDir, entry, stdout.String(), now())
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return "..." + s[len(s)-n:]
	}
	return s
}
