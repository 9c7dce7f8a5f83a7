package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/0xlemi/beatnote/internal/analysis"
	"github.com/0xlemi/beatnote/internal/classroom"
	"github.com/0xlemi/beatnote/internal/metronome"
	"github.com/0xlemi/beatnote/internal/pitch"
)

// Messages pushed into the program from the core's subscriptions.
type (
	// TickMsg carries one metronome tick.
	TickMsg metronome.Tick

	// StateMsg refreshes the metronome readout.
	StateMsg metronome.State

	// ObservationMsg carries the latest pitch analysis result.
	ObservationMsg analysis.Observation

	// SessionMsg refreshes the classroom session readout.
	SessionMsg struct {
		State     classroom.SessionState
		Students  int
		HitTotal  int
		SessionID string
	}
)

// Actions are the callbacks key presses feed back into the core. The UI never
// owns scheduler or analysis state; it only renders and forwards intent.
type Actions struct {
	Toggle func()
	Tap    func()
	Panic  func()
	Nudge  func(delta float64)
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			PaddingLeft(2).
			PaddingRight(2).
			MarginBottom(1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#CCCCCC"))

	downbeatStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#FF5F87"))

	beatStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#5F5FD7"))

	idleBeatStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#444444"))

	inTuneStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00FF00"))

	offTuneStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF8700"))
)

// Model is the bubbletea model of the practice view.
type Model struct {
	actions Actions

	metronome metronome.State
	beatFlash uint
	obs       analysis.Observation
	session   *SessionMsg
}

// NewModel creates a practice view wired to the given actions.
func NewModel(actions Actions) Model {
	return Model{
		actions: actions,
		obs:     analysis.Observation{NoteIndex: pitch.NoTarget},
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case " ":
			if m.actions.Toggle != nil {
				m.actions.Toggle()
			}
		case "t":
			if m.actions.Tap != nil {
				m.actions.Tap()
			}
		case "p":
			if m.actions.Panic != nil {
				m.actions.Panic()
			}
		case "+", "=":
			if m.actions.Nudge != nil {
				m.actions.Nudge(5)
			}
		case "-":
			if m.actions.Nudge != nil {
				m.actions.Nudge(-5)
			}
		}

	case TickMsg:
		m.beatFlash = msg.Beat

	case StateMsg:
		m.metronome = metronome.State(msg)

	case ObservationMsg:
		m.obs = analysis.Observation(msg)

	case SessionMsg:
		session := msg
		m.session = &session
	}

	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("BeatNote"))
	b.WriteString("\n\n")

	b.WriteString(m.metronomeView())
	b.WriteString("\n\n")
	b.WriteString(m.tunerView())

	if m.session != nil {
		b.WriteString("\n\n")
		b.WriteString(m.sessionView())
	}

	b.WriteString("\n\n")
	b.WriteString(infoStyle.Render("space: start/stop  t: tap tempo  p: panic (half tempo)  +/-: bpm  q: quit"))
	b.WriteString("\n")

	return b.String()
}

func (m Model) metronomeView() string {
	status := "stopped"
	if m.metronome.Running {
		status = "running"
	}

	beats := m.metronome.Signature.BeatsPerMeasure()
	cells := make([]string, beats)
	for i := range cells {
		label := fmt.Sprintf(" %d ", i+1)
		switch {
		case m.metronome.Running && uint(i) == m.beatFlash && i == 0:
			cells[i] = downbeatStyle.Render(label)
		case m.metronome.Running && uint(i) == m.beatFlash:
			cells[i] = beatStyle.Render(label)
		default:
			cells[i] = idleBeatStyle.Render(label)
		}
	}

	line := fmt.Sprintf("%.0f bpm  %s  measure %d  [%s]",
		m.metronome.BPM, m.metronome.Signature, m.metronome.Measure+1, status)
	if m.metronome.Ramp.Active {
		line += fmt.Sprintf("  ramp → %d", m.metronome.Ramp.TargetBPM)
	}

	return line + "\n" + strings.Join(cells, " ")
}

func (m Model) tunerView() string {
	meter := volumeMeter(m.obs.Volume)

	if !m.obs.Detected {
		name := "--"
		if m.obs.NoteIndex != pitch.NoTarget {
			name = pitch.NoteName(m.obs.NoteIndex)
		}
		return fmt.Sprintf("listening…  last: %s\n%s", name, meter)
	}

	name := pitch.NoteName(m.obs.NoteIndex)
	style := offTuneStyle
	if m.obs.InTune {
		style = inTuneStyle
	}
	return fmt.Sprintf("%s  %+d cents  (%.1f Hz)\n%s %s",
		style.Render(name), m.obs.Cents, m.obs.Frequency, meter, centsBar(m.obs.Cents))
}

func (m Model) sessionView() string {
	return infoStyle.Render(fmt.Sprintf("session %s  step %s  students %d  hits %d",
		m.session.SessionID, m.session.State.StepID, m.session.Students, m.session.HitTotal))
}

func volumeMeter(volume float64) string {
	const width = 20
	filled := int(volume * width)
	if filled > width {
		filled = width
	}
	return "vol [" + strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + "]"
}

// centsBar renders the tuning needle: center is in tune, left flat, right sharp.
func centsBar(cents int) string {
	const halfWidth = 10
	pos := cents / 5
	if pos > halfWidth {
		pos = halfWidth
	}
	if pos < -halfWidth {
		pos = -halfWidth
	}
	bar := []rune(strings.Repeat("·", 2*halfWidth+1))
	bar[halfWidth] = '|'
	bar[halfWidth+pos] = '▼'
	return string(bar)
}
