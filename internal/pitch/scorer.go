package pitch

import "github.com/pkg/errors"

// Tier selects how forgiving intonation scoring is. Tightening the tolerance
// is the difficulty dial of the practice game.
type Tier int

const (
	Beginner Tier = iota
	Pro
)

// Tolerance returns the tier's cents tolerance.
func (t Tier) Tolerance() int {
	switch t {
	case Pro:
		return 15 // near-studio precision
	default:
		return 40 // roughly a third of a semitone
	}
}

func (t Tier) String() string {
	switch t {
	case Pro:
		return "pro"
	default:
		return "beginner"
	}
}

// ParseTier parses a tier name as given on the command line.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "beginner":
		return Beginner, nil
	case "pro":
		return Pro, nil
	}
	return Beginner, errors.Errorf("unknown difficulty tier %q", s)
}

// InTune decides whether an observation counts as in tune. With a target note
// the pitch class must match (octave-invariant, so the right note an octave
// away still counts) and the cents deviation must stay within tolerance.
// With targetIndex == NoTarget only the cents deviation is checked, which is
// the free-tuning display mode.
func InTune(noteIndex, cents, targetIndex, tolerance int) bool {
	if abs(cents) > tolerance {
		return false
	}
	if targetIndex == NoTarget {
		return true
	}
	return pitchClass(noteIndex) == pitchClass(targetIndex)
}

func pitchClass(index int) int {
	m := index % 12
	if m < 0 {
		m += 12
	}
	return m
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
