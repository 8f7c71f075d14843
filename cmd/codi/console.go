package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fatih/color"

	"github.com/hochfrequenz/codi/internal/ipcprotocol"
	"github.com/hochfrequenz/codi/internal/orchestrator"
)

var (
	promptTitle = color.New(color.Bold, color.FgMagenta).SprintFunc()
	dangerText  = color.New(color.Bold, color.FgRed).SprintFunc()
	faintText   = color.New(color.Faint).SprintFunc()
	askText     = color.New(color.FgCyan).SprintFunc()
)

const maxInputPreview = 300

// console is the interactive terminal of a delegate run. It prints events
// and asks permission prompts one at a time.
type console struct {
	outMu sync.Mutex
	out   io.Writer

	promptMu sync.Mutex
	lines    <-chan string
}

func newConsole(in io.Reader, out io.Writer) *console {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return &console{out: out, lines: lines}
}

func (c *console) println(a ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintln(c.out, a...)
}

func (c *console) printf(format string, a ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

// Event prints an orchestrator event.
func (c *console) Event(ev orchestrator.Event) {
	if line := renderEvent(ev); line != "" {
		c.println(line)
	}
}

// Prompt implements orchestrator.PermissionPromptCallback.
func (c *console) Prompt(ctx context.Context, p orchestrator.PermissionPrompt) (ipcprotocol.ConfirmationResult, error) {
	c.promptMu.Lock()
	defer c.promptMu.Unlock()
	if err := ctx.Err(); err != nil {
		return ipcprotocol.ConfirmationResult{}, err
	}
	c.discardTypeahead()

	c.println(promptTitle("permission"), fmt.Sprintf("%s (%s) wants to run %s", p.WorkerID, p.Branch, p.Confirmation.ToolName))
	if p.Confirmation.Description != "" {
		c.println("  " + p.Confirmation.Description)
	}
	if p.Confirmation.IsDangerous {
		c.println("  " + dangerText("dangerous: "+p.Confirmation.DangerReason))
	}
	if len(p.Confirmation.Input) > 0 {
		c.println("  " + faintText(preview(string(p.Confirmation.Input))))
	}

	for {
		c.printf("  %s ", askText("allow? [y]es / [n]o / [a]lways:"))
		select {
		case <-ctx.Done():
			c.println()
			c.println("  " + faintText("no answer in time, denied"))
			return ipcprotocol.ConfirmationResult{}, ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				c.println()
				return ipcprotocol.ConfirmationResult{
					Decision: ipcprotocol.DecisionDeny,
					Reason:   "no terminal input",
				}, nil
			}
			if decision, ok := parseAnswer(line); ok {
				return ipcprotocol.ConfirmationResult{Decision: decision}, nil
			}
			c.println("  please answer y, n or a")
		}
	}
}

// discardTypeahead drops lines typed before the prompt was shown.
func (c *console) discardTypeahead() {
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func parseAnswer(s string) (ipcprotocol.Decision, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return ipcprotocol.DecisionApprove, true
	case "n", "no":
		return ipcprotocol.DecisionDeny, true
	case "a", "always":
		return ipcprotocol.DecisionApproveAlways, true
	}
	return "", false
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxInputPreview {
		return s
	}
	cut := maxInputPreview
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
