package console

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kiranaai/voiceturn/internal/voice"
)

const maxLines = 12

// Controls is the part of the controller the console drives.
type Controls interface {
	StartListening()
	StopListening()
	Cancel()
	Speak(text string)
}

type notificationMsg voice.Notification

type spokenMsg string

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	stateStyle = map[voice.State]lipgloss.Style{
		voice.StateIdle:       lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		voice.StateListening:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		voice.StateProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		voice.StateSpeaking:   lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true),
	}
	userStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	shopStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Model is the bubbletea model of the console surface.
type Model struct {
	ctrl       Controls
	capture    *Capture
	input      textinput.Model
	state      voice.State
	transcript string
	lines      []string
}

func NewModel(ctrl Controls, capture *Capture) Model {
	in := textinput.New()
	in.Placeholder = "ctrl+l to listen, then type what the customer says"
	in.Prompt = "> "
	in.Focus()
	return Model{ctrl: ctrl, capture: capture, input: in, state: voice.StateIdle}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyCtrlL:
			m.ctrl.StartListening()
			return m, nil
		case tea.KeyCtrlS:
			m.ctrl.StopListening()
			return m, nil
		case tea.KeyCtrlX:
			m.ctrl.Cancel()
			return m, nil
		case tea.KeyEnter:
			return m.submit(), nil
		}
		before := m.input.Value()
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if v := m.input.Value(); v != before {
			m.capture.Type(v)
		}
		return m, cmd
	case notificationMsg:
		m.observe(voice.Notification(msg))
		return m, nil
	case spokenMsg:
		m.push(shopStyle.Render("🔊 " + string(msg)))
		return m, nil
	}
	return m, nil
}

// submit ends the utterance when listening. Outside a capture, "/say <text>" asks the
// loop to speak text directly.
func (m Model) submit() Model {
	value := strings.TrimSpace(m.input.Value())
	m.input.Reset()
	if m.capture.Submit() {
		return m
	}
	if text, ok := strings.CutPrefix(value, "/say "); ok {
		m.ctrl.Speak(text)
	}
	return m
}

func (m *Model) observe(n voice.Notification) {
	switch n.Kind {
	case voice.NotifyState:
		m.state = n.State
		if n.State != voice.StateListening {
			m.input.Reset()
		}
	case voice.NotifyTranscript:
		m.transcript = n.Transcript
	case voice.NotifyTurn:
		if n.Turn == nil {
			return
		}
		if n.Turn.InputText != "" {
			m.push(userStyle.Render("you:  " + n.Turn.InputText))
		}
		m.push(helpStyle.Render(fmt.Sprintf("turn %s via %s", n.Turn.Outcome, orDash(n.Turn.Backend))))
	case voice.NotifyPermissionDenied, voice.NotifyError:
		if n.Err != nil {
			m.push(errorStyle.Render(n.Err.Error()))
		}
	case voice.NotifyNoSpeech:
		m.push(helpStyle.Render("no speech heard"))
	case voice.NotifyBargeIn:
		m.push(helpStyle.Render("interrupted"))
	}
}

func (m *Model) push(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("kirana voice"))
	b.WriteString("  ")
	b.WriteString(stateStyle[m.state].Render(strings.ToUpper(string(m.state))))
	b.WriteString("\n\n")
	for _, l := range m.lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if m.transcript != "" {
		b.WriteString(userStyle.Render("… " + m.transcript))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("ctrl+l listen · ctrl+s stop · ctrl+x cancel · enter end utterance · /say <text> · ctrl+c quit"))
	b.WriteByte('\n')
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// Run drives ctrl from the terminal until the operator quits or ctx ends. ctrl must
// already be running.
func Run(ctx context.Context, ctrl *voice.Controller, capture *Capture, speaker *PrintBackend) error {
	p := tea.NewProgram(NewModel(ctrl, capture), tea.WithContext(ctx))

	// Observers run on the controller goroutine and must not wait on the UI.
	forward := make(chan tea.Msg, 64)
	post := func(msg tea.Msg) {
		select {
		case forward <- msg:
		default:
		}
	}
	unsubscribe := ctrl.Subscribe(func(n voice.Notification) { post(notificationMsg(n)) })
	defer unsubscribe()
	if speaker != nil {
		speaker.SetOutput(func(text string) { post(spokenMsg(text)) })
		defer speaker.SetOutput(nil)
	}

	pumpCtx, stopPump := context.WithCancel(ctx)
	defer stopPump()
	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg := <-forward:
				p.Send(msg)
			}
		}
	}()

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
