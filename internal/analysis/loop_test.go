package analysis

import (
	"math"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xlemi/beatnote/internal/audio"
	"github.com/0xlemi/beatnote/internal/pitch"
)

const testSampleRate = 48000

type fakeSession struct {
	mu       sync.Mutex
	started  bool
	stops    int
	startErr error
	samples  []float32
}

func (s *fakeSession) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.stops++
	return nil
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func (s *fakeSession) Frame() (*audio.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float32, len(s.samples))
	copy(out, s.samples)
	return &audio.Buffer{Samples: out, SampleRate: testSampleRate}, nil
}

func sineBuffer(frequency, amplitude float64) *audio.Buffer {
	samples := make([]float32, WindowSize)
	for i := range samples {
		samples[i] = float32(amplitude * math.Sin(2*math.Pi*frequency*float64(i)/testSampleRate))
	}
	return &audio.Buffer{Samples: samples, SampleRate: testSampleRate}
}

func TestAnalyzeFrameDetectsTone(t *testing.T) {
	l := New(&fakeSession{})
	l.target = 69
	l.tolerance = pitch.Beginner.Tolerance()

	l.analyzeFrame(sineBuffer(440, 0.5))

	obs := l.Latest()
	assert.True(t, obs.Detected)
	assert.True(t, obs.InTune)
	assert.Equal(t, 69, obs.NoteIndex)
	assert.InDelta(t, 440, obs.Frequency, 5)
	assert.Greater(t, obs.Volume, 0.5)
}

func TestAnalyzeFrameSilence(t *testing.T) {
	l := New(&fakeSession{})

	l.analyzeFrame(&audio.Buffer{Samples: make([]float32, WindowSize), SampleRate: testSampleRate})

	obs := l.Latest()
	assert.False(t, obs.Detected)
	assert.False(t, obs.InTune)
	assert.InDelta(t, 0, obs.Volume, 1e-9)
}

func TestSilenceKeepsPreviousReadout(t *testing.T) {
	l := New(&fakeSession{})

	l.analyzeFrame(sineBuffer(440, 0.5))
	l.analyzeFrame(&audio.Buffer{Samples: make([]float32, WindowSize), SampleRate: testSampleRate})

	obs := l.Latest()
	// Volume meter goes quiet but the note readout does not flicker away.
	assert.False(t, obs.Detected)
	assert.False(t, obs.InTune)
	assert.Equal(t, 69, obs.NoteIndex)
	assert.InDelta(t, 0, obs.Volume, 1e-9)
}

func TestWrongNoteNotInTune(t *testing.T) {
	l := New(&fakeSession{})
	l.target = 60 // C, while we play an A
	l.tolerance = pitch.Pro.Tolerance()

	l.analyzeFrame(sineBuffer(440, 0.5))

	obs := l.Latest()
	assert.True(t, obs.Detected)
	assert.False(t, obs.InTune)
}

func TestStartFailureSurfaces(t *testing.T) {
	session := &fakeSession{startErr: errors.New("microphone denied")}
	l := New(session)

	err := l.Start(pitch.NoTarget, pitch.Beginner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "microphone denied")
}

func TestStopIsIdempotent(t *testing.T) {
	session := &fakeSession{samples: make([]float32, WindowSize)}
	l := New(session)

	// Stop before any start is a no-op, not an error.
	l.Stop()
	assert.Equal(t, 0, session.stopCount())

	require.NoError(t, l.Start(pitch.NoTarget, pitch.Beginner))
	l.Stop()
	l.Stop()
	assert.Equal(t, 1, session.stopCount())
}

func TestSubscribeDeliversObservations(t *testing.T) {
	l := New(&fakeSession{})

	var got []Observation
	cancel := l.Subscribe(func(o Observation) { got = append(got, o) })

	l.analyzeFrame(sineBuffer(220, 0.5))
	require.Len(t, got, 1)
	assert.Equal(t, 57, got[0].NoteIndex)

	cancel()
	l.analyzeFrame(sineBuffer(220, 0.5))
	assert.Len(t, got, 1)
}
