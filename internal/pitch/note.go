package pitch

import (
	"fmt"
	"math"
)

// Equal temperament anchored at A4 = 440 Hz, MIDI-style note indices
// (A4 = 69, middle C = 60).
const (
	referenceFrequency = 440.0
	referenceIndex     = 69
)

// NoTarget marks the absence of a target note for intonation scoring.
const NoTarget = -1

// All note names in chromatic order
var noteNames = []string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// NoteIndex returns the nearest equal-tempered semitone index for a frequency.
// The caller must ensure frequency > 0; the estimator filters everything else
// out as "no pitch".
func NoteIndex(frequency float64) int {
	return int(math.Round(referenceIndex + 12*math.Log2(frequency/referenceFrequency)))
}

// NoteFrequency returns the center frequency of a semitone index.
func NoteFrequency(index int) float64 {
	return referenceFrequency * math.Pow(2, float64(index-referenceIndex)/12)
}

// CentsOff returns the signed deviation in cents of a frequency from the
// center of the given note. 100 cents is one semitone.
func CentsOff(frequency float64, index int) int {
	return int(math.Round(1200 * math.Log2(frequency/NoteFrequency(index))))
}

// NoteName renders an index as a display name, e.g. 69 -> "A4", 61 -> "C#4".
func NoteName(index int) string {
	if index < 0 {
		return ""
	}
	return fmt.Sprintf("%s%d", noteNames[index%12], index/12-1)
}
