package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/gosuda/peerchat/internal/chat"
	"github.com/gosuda/peerchat/internal/mesh"
)

var (
	systemStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
)

const helpText = "commands: /name <name>, /who, /clear, /reconnect, /quit"

// terminal is a line oriented chat front end.
type terminal struct {
	mesh *mesh.Mesh
	in   io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newTerminal(m *mesh.Mesh, in io.Reader, out io.Writer) *terminal {
	return &terminal{mesh: m, in: in, out: out}
}

func (t *terminal) println(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintln(t.out, s)
}

// run reads lines until EOF or /quit. It reports whether the user asked to
// quit; running out of input is not a request to stop.
func (t *terminal) run() bool {
	t.println(statusStyle.Render(helpText))
	sc := bufio.NewScanner(t.in)
	for sc.Scan() {
		if !t.handleLine(sc.Text()) {
			return true
		}
	}
	return false
}

// handleLine executes one input line and reports whether to keep reading.
func (t *terminal) handleLine(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := t.mesh.Send(line); err != nil {
			t.println(errorStyle.Render("send: " + err.Error()))
		}
		return true
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/name":
		if arg == "" {
			t.println(warnStyle.Render("usage: /name <name>"))
			return true
		}
		t.mesh.SetName(arg)
		t.println(statusStyle.Render("you are now " + t.mesh.Name()))
	case "/who":
		parts := t.mesh.Participants()
		if len(parts) == 0 {
			t.println(systemStyle.Render("nobody else is here"))
			return true
		}
		names := make([]string, 0, len(parts))
		for _, p := range parts {
			names = append(names, colorName(p.Name, p.Color))
		}
		t.println(statusStyle.Render("online: ") + strings.Join(names, ", "))
	case "/clear":
		t.mesh.Clear()
		t.println(systemStyle.Render("transcript cleared"))
	case "/reconnect":
		t.mesh.Reconnect()
	case "/help":
		t.println(statusStyle.Render(helpText))
	default:
		t.println(warnStyle.Render("unknown command " + cmd))
	}
	return true
}

// render prints mesh events until ctx ends or the mesh closes.
func (t *terminal) render(ctx context.Context) {
	events, cancel := t.mesh.Subscribe(128)
	defer cancel()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := t.format(ev); line != "" {
				t.println(line)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *terminal) format(ev mesh.Event) string {
	switch ev.Type {
	case mesh.EventMessage:
		if ev.Message == nil {
			return ""
		}
		return formatMessage(*ev.Message)
	case mesh.EventStatus:
		return statusStyle.Render("[" + string(ev.Status) + "]")
	case mesh.EventNotice:
		switch ev.Level {
		case mesh.LevelError:
			return errorStyle.Render(ev.Text)
		case mesh.LevelWarn:
			return warnStyle.Render(ev.Text)
		}
		return systemStyle.Render(ev.Text)
	case mesh.EventTyping:
		if len(ev.Typing) == 0 {
			return ""
		}
		return systemStyle.Render(strings.Join(ev.Typing, ", ") + " typing...")
	}
	return ""
}

func formatMessage(m chat.Message) string {
	ts := m.Time().Local().Format(time.Kitchen)
	if m.IsSystem() {
		return systemStyle.Render(ts + " " + m.Text)
	}
	return ts + " " + colorName(m.User, chat.ColorFor(m.UserID)) + ": " + m.Text
}

func colorName(name, color string) string {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Bold(true).Render(name)
}
