package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"

	"github.com/relaywire/relay/pkg/client"
	"github.com/relaywire/relay/pkg/protocol"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selfStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	peerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// incomingMsg wraps a chat message delivered by the server.
type incomingMsg protocol.ChatMessage

// statusMsg reports the outcome of a login or send request.
type statusMsg struct {
	text  string
	isErr bool
}

// disconnectedMsg signals that the server connection ended.
type disconnectedMsg struct{ err error }

type model struct {
	input    textinput.Model
	history  []string
	client   *client.Client
	username string
	notify   bool
	height   int
	quitting bool
}

func newModel(c *client.Client, notify bool) model {
	ti := textinput.New()
	ti.Placeholder = "/login <name>, /msg <to> <text>, /quit"
	ti.Focus()
	ti.CharLimit = 4096

	return model{
		input:  ti,
		client: c,
		notify: notify,
		height: 24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForMessage(m.client))
}

// waitForMessage blocks on the client's delivery channel.
func waitForMessage(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-c.Messages
		if !ok {
			return disconnectedMsg{err: c.Err()}
		}
		return incomingMsg(msg)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			m.client.Close()
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if line == "" {
				return m, nil
			}
			return m.runCommand(line)
		}

	case incomingMsg:
		ts := msg.Timestamp.Format("15:04:05")
		m.history = append(m.history,
			peerStyle.Render(fmt.Sprintf("[%s] %s → you: %s", ts, msg.From, msg.Body)))
		if m.notify {
			// Best effort; a headless terminal has no notification daemon.
			_ = beeep.Notify("RelayWire", fmt.Sprintf("%s: %s", msg.From, msg.Body), "")
		}
		return m, waitForMessage(m.client)

	case statusMsg:
		style := infoStyle
		if msg.isErr {
			style = errStyle
		}
		m.history = append(m.history, style.Render(msg.text))
		return m, nil

	case disconnectedMsg:
		m.history = append(m.history, errStyle.Render(fmt.Sprintf("disconnected: %v", msg.err)))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// runCommand interprets one input line.
func (m model) runCommand(line string) (tea.Model, tea.Cmd) {
	switch {
	case line == "/quit":
		m.quitting = true
		m.client.Close()
		return m, tea.Quit

	case strings.HasPrefix(line, "/login "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/login "))
		if name == "" {
			m.history = append(m.history, errStyle.Render("usage: /login <name>"))
			return m, nil
		}
		m.username = name
		c := m.client
		return m, func() tea.Msg {
			code, err := c.Login(name)
			if err != nil {
				return statusMsg{text: fmt.Sprintf("login failed: %v", err), isErr: true}
			}
			switch code {
			case protocol.ResponseSuccess:
				return statusMsg{text: fmt.Sprintf("logged in as %s", name)}
			case protocol.ResponseAlreadyLoggedIn:
				return statusMsg{text: fmt.Sprintf("%s is already logged in elsewhere", name), isErr: true}
			default:
				return statusMsg{text: fmt.Sprintf("login rejected (code %d)", code), isErr: true}
			}
		}

	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) < 2 {
			m.history = append(m.history, errStyle.Render("usage: /msg <to> <text>"))
			return m, nil
		}
		to, body := parts[0], parts[1]
		m.history = append(m.history,
			selfStyle.Render(fmt.Sprintf("you → %s: %s", to, body)))
		c, from := m.client, m.username
		return m, func() tea.Msg {
			code, err := c.Send(to, from, body)
			if err != nil {
				return statusMsg{text: fmt.Sprintf("send failed: %v", err), isErr: true}
			}
			switch code {
			case protocol.ResponseSuccess:
				return nil
			case protocol.ResponseNotLoggedIn:
				return statusMsg{text: "not logged in, use /login first", isErr: true}
			default:
				return statusMsg{text: fmt.Sprintf("send rejected (code %d)", code), isErr: true}
			}
		}

	default:
		m.history = append(m.history, errStyle.Render("unknown command"))
		return m, nil
	}
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("RelayWire"))
	b.WriteString("\n\n")

	// Show the last screenful of history.
	visible := m.height - 5
	if visible < 1 {
		visible = 1
	}
	start := 0
	if len(m.history) > visible {
		start = len(m.history) - visible
	}
	for _, line := range m.history[start:] {
		b.WriteString(line)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func main() {
	addr := flag.String("addr", "localhost:7465", "Server address")
	notify := flag.Bool("notify", false, "Desktop notification on incoming messages")
	flag.Parse()

	c, err := client.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	p := tea.NewProgram(newModel(c, *notify))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
