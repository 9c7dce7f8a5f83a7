// Package midiout mirrors practice-session events onto a MIDI output port, so
// ticks and scored notes can drive external gear or a DAW.
package midiout

import (
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// General MIDI percussion keys for the click (hi/low wood block).
const (
	percussionChannel = 9
	accentKey         = 76
	clickKey          = 77
	noteChannel       = 0
)

// Sender owns a MIDI output connection.
type Sender struct {
	drv  *rtmididrv.Driver
	out  drivers.Out
	send func(midi.Message) error
}

// Open connects to the first output port whose name contains portName
// (case-insensitive); an empty portName selects the first available port.
func Open(portName string) (*Sender, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, errors.Wrap(err, "initializing midi driver")
	}

	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, errors.Wrap(err, "listing midi outputs")
	}

	var out drivers.Out
	for _, candidate := range outs {
		if portName == "" || containsCI(candidate.String(), portName) {
			out = candidate
			break
		}
	}
	if out == nil {
		drv.Close()
		return nil, errors.Errorf("no midi output matching %q", portName)
	}
	if err := out.Open(); err != nil {
		drv.Close()
		return nil, errors.Wrapf(err, "opening midi output %q", out.String())
	}

	send, err := midi.SendTo(out)
	if err != nil {
		out.Close()
		drv.Close()
		return nil, errors.Wrap(err, "attaching midi sender")
	}

	return &Sender{drv: drv, out: out, send: send}, nil
}

// Click emits a percussion note for a metronome tick; downbeats use the
// accent key and a harder velocity.
func (s *Sender) Click(downbeat bool) error {
	key := uint8(clickKey)
	velocity := uint8(90)
	if downbeat {
		key = accentKey
		velocity = 115
	}
	if err := s.send(midi.NoteOn(percussionChannel, key, velocity)); err != nil {
		return errors.Wrap(err, "sending click")
	}
	return errors.Wrap(s.send(midi.NoteOff(percussionChannel, key)), "sending click")
}

// NoteHit emits the scored note itself; precision in [0,1] maps to velocity.
func (s *Sender) NoteHit(noteIndex int, precision float64) error {
	if noteIndex < 0 || noteIndex > 127 {
		return nil
	}
	if precision < 0 {
		precision = 0
	}
	if precision > 1 {
		precision = 1
	}
	velocity := uint8(40 + precision*87)
	key := uint8(noteIndex)
	if err := s.send(midi.NoteOn(noteChannel, key, velocity)); err != nil {
		return errors.Wrap(err, "sending note hit")
	}
	return errors.Wrap(s.send(midi.NoteOff(noteChannel, key)), "sending note hit")
}

// Close shuts the port and driver down.
func (s *Sender) Close() error {
	err := s.out.Close()
	s.drv.Close()
	return errors.Wrap(err, "closing midi output")
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
