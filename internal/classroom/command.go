package classroom

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// CommandType selects the variant of a Command on the wire.
type CommandType string

const (
	CommandPlay         CommandType = "PLAY"
	CommandPause        CommandType = "PAUSE"
	CommandSetBPM       CommandType = "SET_BPM"
	CommandChangeStep   CommandType = "CHANGE_STEP"
	CommandFocusMode    CommandType = "FOCUS_MODE"
	CommandSyncState    CommandType = "SYNC_STATE"
	CommandTelemetryHit CommandType = "TELEMETRY_HIT"
	CommandStudentJoin  CommandType = "STUDENT_JOIN"
)

// StatePatch is the SYNC_STATE payload: a shallow merge where only the fields
// present overwrite the receiver's session state. Receivers treat it as an
// idempotent overwrite, which is what makes the protocol resilient to lost
// messages.
type StatePatch struct {
	Playing   *bool    `json:"isPlaying,omitempty"`
	BPM       *float64 `json:"bpm,omitempty"`
	StepID    *string  `json:"currentStepId,omitempty"`
	FocusMode *bool    `json:"focusMode,omitempty"`
}

// Command is the flat wire message of the classroom protocol. Only the fields
// of the selected variant are populated; Timestamp is diagnostic and never
// used for ordering.
type Command struct {
	Type        CommandType `json:"type"`
	BPM         *float64    `json:"bpm,omitempty"`
	StepID      *string     `json:"stepId,omitempty"`
	Active      *bool       `json:"active,omitempty"`
	State       *StatePatch `json:"state,omitempty"`
	StudentID   string      `json:"studentId,omitempty"`
	DisplayName string      `json:"displayName,omitempty"`
	NoteID      string      `json:"noteId,omitempty"`
	Precision   float64     `json:"precision,omitempty"`
	Resonance   float64     `json:"resonance,omitempty"`
	Timestamp   int64       `json:"timestamp,omitempty"` // epoch milliseconds
}

func stamp(cmd Command) Command {
	cmd.Timestamp = time.Now().UnixMilli()
	return cmd
}

// Play builds a PLAY command.
func Play() Command {
	return stamp(Command{Type: CommandPlay})
}

// Pause builds a PAUSE command.
func Pause() Command {
	return stamp(Command{Type: CommandPause})
}

// SetBPM builds a SET_BPM command.
func SetBPM(bpm float64) Command {
	return stamp(Command{Type: CommandSetBPM, BPM: &bpm})
}

// ChangeStep builds a CHANGE_STEP command.
func ChangeStep(stepID string) Command {
	return stamp(Command{Type: CommandChangeStep, StepID: &stepID})
}

// FocusMode builds a FOCUS_MODE command.
func FocusMode(active bool) Command {
	return stamp(Command{Type: CommandFocusMode, Active: &active})
}

// SyncState builds a SYNC_STATE command carrying a full-state patch.
func SyncState(patch StatePatch) Command {
	return stamp(Command{Type: CommandSyncState, State: &patch})
}

// TelemetryHit builds a TELEMETRY_HIT command for a student's scored note.
func TelemetryHit(studentID, noteID string, precision, resonance float64) Command {
	return stamp(Command{
		Type:      CommandTelemetryHit,
		StudentID: studentID,
		NoteID:    noteID,
		Precision: precision,
		Resonance: resonance,
	})
}

// StudentJoin builds a STUDENT_JOIN presence announcement.
func StudentJoin(studentID, displayName string) Command {
	return stamp(Command{
		Type:        CommandStudentJoin,
		StudentID:   studentID,
		DisplayName: displayName,
	})
}

// Encode serializes the command for the wire.
func (c Command) Encode() ([]byte, error) {
	payload, err := json.Marshal(c)
	return payload, errors.Wrap(err, "encoding command")
}

// DecodeCommand parses a wire payload.
func DecodeCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, errors.Wrap(err, "decoding command")
	}
	if cmd.Type == "" {
		return Command{}, errors.New("command without type")
	}
	return cmd, nil
}
