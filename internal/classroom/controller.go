package classroom

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// SessionState is the local projection of the command stream.
type SessionState struct {
	Playing   bool
	BPM       float64
	StepID    string
	FocusMode bool
}

// Student identifies a session participant for the presence list.
type Student struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// TempoControl is the metronome surface the controller mirrors transport
// commands into.
type TempoControl interface {
	SetBPM(bpm float64)
	Toggle()
	Running() bool
}

// Controller composes the metronome, the analysis results and the command
// channel into the live-session state machine. Incoming commands mutate the
// local SessionState; outgoing telemetry and teacher broadcasts go out over
// the channel.
type Controller struct {
	channel   Channel
	sessionID string
	log       *slog.Logger

	mu        sync.Mutex
	state     SessionState
	steps     []string
	students  map[string]Student
	telemetry map[string]int
	tempo     TempoControl
	unsub     func()
}

// NewController subscribes to the session and returns a live controller.
func NewController(channel Channel, sessionID string, steps []string) (*Controller, error) {
	c := &Controller{
		channel:   channel,
		sessionID: sessionID,
		log:       slog.Default(),
		state:     SessionState{BPM: 120},
		steps:     steps,
		students:  make(map[string]Student),
		telemetry: make(map[string]int),
	}
	if len(steps) > 0 {
		c.state.StepID = steps[0]
	}

	unsub, err := channel.Subscribe(sessionID, c.Apply)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to session %q", sessionID)
	}
	c.unsub = unsub
	return c, nil
}

// AttachTempo wires a metronome so PLAY/PAUSE/SET_BPM commands steer the
// local tempo as well as the session state.
func (c *Controller) AttachTempo(tempo TempoControl) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tempo = tempo
}

// Apply runs one incoming command through the state transition table. Unknown
// command types are ignored; commands missing their variant field are no-ops.
func (c *Controller) Apply(cmd Command) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.Type {
	case CommandPlay:
		c.state.Playing = true
		c.syncTempoLocked()
	case CommandPause:
		c.state.Playing = false
		c.syncTempoLocked()
	case CommandSetBPM:
		if cmd.BPM != nil {
			c.state.BPM = *cmd.BPM
			if c.tempo != nil {
				c.tempo.SetBPM(*cmd.BPM)
			}
		}
	case CommandChangeStep:
		if cmd.StepID != nil {
			c.state.StepID = *cmd.StepID
		}
	case CommandFocusMode:
		if cmd.Active != nil {
			c.state.FocusMode = *cmd.Active
		}
	case CommandSyncState:
		if cmd.State != nil {
			c.mergeLocked(*cmd.State)
		}
	case CommandTelemetryHit:
		if cmd.StudentID != "" {
			c.telemetry[cmd.StudentID]++
		}
	case CommandStudentJoin:
		if cmd.StudentID != "" {
			c.students[cmd.StudentID] = Student{
				ID:          cmd.StudentID,
				DisplayName: cmd.DisplayName,
			}
		}
	default:
		c.log.Debug("ignoring unknown command", "type", cmd.Type)
	}
}

// mergeLocked shallow-merges a SYNC_STATE patch. Applying the same patch
// twice yields the same state as applying it once.
func (c *Controller) mergeLocked(patch StatePatch) {
	if patch.Playing != nil {
		c.state.Playing = *patch.Playing
	}
	if patch.BPM != nil {
		c.state.BPM = *patch.BPM
		if c.tempo != nil {
			c.tempo.SetBPM(*patch.BPM)
		}
	}
	if patch.StepID != nil {
		c.state.StepID = *patch.StepID
	}
	if patch.FocusMode != nil {
		c.state.FocusMode = *patch.FocusMode
	}
	if patch.Playing != nil {
		c.syncTempoLocked()
	}
}

// syncTempoLocked brings the attached metronome in line with Playing.
func (c *Controller) syncTempoLocked() {
	if c.tempo == nil {
		return
	}
	if c.state.Playing != c.tempo.Running() {
		c.tempo.Toggle()
	}
}

// State returns a snapshot of the session state.
func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Steps returns the session's step list.
func (c *Controller) Steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.steps))
	copy(out, c.steps)
	return out
}

// Telemetry returns a copy of the per-student hit counts.
func (c *Controller) Telemetry() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.telemetry))
	for id, n := range c.telemetry {
		out[id] = n
	}
	return out
}

// MarkOnline records a student as present.
func (c *Controller) MarkOnline(student Student) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.students[student.ID] = student
}

// MarkOffline removes a student from the presence list.
func (c *Controller) MarkOffline(studentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.students, studentID)
}

// Students returns the current presence list.
func (c *Controller) Students() []Student {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Student, 0, len(c.students))
	for _, s := range c.students {
		out = append(out, s)
	}
	return out
}

// Announce broadcasts this device's student identity so every controller in
// the session, the host's included, adds it to the presence list. Joins are
// idempotent, so re-announcing periodically recovers from a lost datagram.
func (c *Controller) Announce(ctx context.Context, studentID, displayName string) error {
	cmd := StudentJoin(studentID, displayName)
	return errors.Wrap(c.broadcast(ctx, cmd), "announcing presence")
}

// SendHit publishes a TELEMETRY_HIT for a scored note. It never mutates
// local state; the sender's own telemetry only updates if the command is
// echoed back by the transport.
func (c *Controller) SendHit(ctx context.Context, studentID, noteID string, precision, resonance float64) error {
	cmd := TelemetryHit(studentID, noteID, precision, resonance)
	return errors.Wrap(c.channel.Publish(ctx, c.sessionID, cmd), "sending hit")
}

// broadcast applies a command locally and publishes it. Commands other than
// TELEMETRY_HIT are idempotent, so transports that echo the publisher's own
// messages cause no double effects.
func (c *Controller) broadcast(ctx context.Context, cmd Command) error {
	c.Apply(cmd)
	return c.channel.Publish(ctx, c.sessionID, cmd)
}

// Play broadcasts session start.
func (c *Controller) Play(ctx context.Context) error {
	return c.broadcast(ctx, Play())
}

// Pause broadcasts session pause.
func (c *Controller) Pause(ctx context.Context) error {
	return c.broadcast(ctx, Pause())
}

// BroadcastBPM broadcasts a tempo change.
func (c *Controller) BroadcastBPM(ctx context.Context, bpm float64) error {
	return c.broadcast(ctx, SetBPM(bpm))
}

// BroadcastStep broadcasts a step change.
func (c *Controller) BroadcastStep(ctx context.Context, stepID string) error {
	return c.broadcast(ctx, ChangeStep(stepID))
}

// BroadcastFocusMode broadcasts the focus mode flag.
func (c *Controller) BroadcastFocusMode(ctx context.Context, active bool) error {
	return c.broadcast(ctx, FocusMode(active))
}

// BroadcastSync publishes the full local state so any subscriber can recover
// from lost messages.
func (c *Controller) BroadcastSync(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	patch := StatePatch{
		Playing:   &state.Playing,
		BPM:       &state.BPM,
		StepID:    &state.StepID,
		FocusMode: &state.FocusMode,
	}
	return c.channel.Publish(ctx, c.sessionID, SyncState(patch))
}

// Close unsubscribes from the channel and resets the session state.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.state = SessionState{BPM: 120}
	if len(c.steps) > 0 {
		c.state.StepID = c.steps[0]
	}
	c.students = make(map[string]Student)
	c.telemetry = make(map[string]int)
}
