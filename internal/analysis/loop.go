package analysis

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/0xlemi/beatnote/internal/audio"
	"github.com/0xlemi/beatnote/internal/pitch"
)

const (
	// WindowSize is the analysis frame length the capture session is expected
	// to provide.
	WindowSize = 2048

	// Display-frame cadence, best effort. Skipped frames are fine; pitch
	// detection is a continuous estimate, not an exactly-once event.
	frameInterval = 16 * time.Millisecond

	silenceFloor = 0.02
	volumeScale  = 5.0
)

// Observation is the latest pitch analysis result.
type Observation struct {
	Frequency float64
	NoteIndex int
	Cents     int
	Volume    float64 // RMS scaled into [0,1] for a usable meter range
	Detected  bool
	InTune    bool
}

// Session is the capture collaborator the loop owns while running.
type Session interface {
	audio.Source
	Start() error
	Stop() error
}

// Loop repeatedly analyzes the current capture window and exposes the latest
// Observation. During silence the previous note and cents readouts are kept so
// the display does not flicker on noise, while the volume meter stays live.
type Loop struct {
	session   Session
	estimator *pitch.Estimator
	log       *slog.Logger

	mu        sync.Mutex
	running   bool
	target    int
	tolerance int
	latest    Observation
	subs      map[int]func(Observation)
	nextSub   int
	stop      chan struct{}
}

// New creates a stopped analysis loop over the given capture session.
func New(session Session) *Loop {
	return &Loop{
		session:   session,
		estimator: pitch.NewEstimator(),
		log:       slog.Default(),
		target:    pitch.NoTarget,
		tolerance: pitch.Beginner.Tolerance(),
		latest:    Observation{NoteIndex: pitch.NoTarget},
		subs:      make(map[int]func(Observation)),
	}
}

// Start acquires the capture session and begins the analysis loop. A capture
// failure (microphone denied) is returned once and never retried here; the
// retry decision belongs to the caller.
func (l *Loop) Start(targetIndex int, tier pitch.Tier) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return nil
	}
	if err := l.session.Start(); err != nil {
		return errors.Wrap(err, "acquiring capture session")
	}

	l.target = targetIndex
	l.tolerance = tier.Tolerance()
	l.stop = make(chan struct{})
	l.running = true
	go l.run(l.stop)
	return nil
}

// SetTarget changes the target note for intonation scoring while running.
func (l *Loop) SetTarget(targetIndex int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.target = targetIndex
}

// Stop halts analysis and releases the capture session. Idempotent; stopping
// a loop that never started is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stop)
	l.mu.Unlock()

	if err := l.session.Stop(); err != nil {
		l.log.Warn("releasing capture session", "err", err)
	}
}

// Latest returns the most recent observation.
func (l *Loop) Latest() Observation {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.latest
}

// Subscribe registers an observer of the observation stream. The returned
// function cancels the subscription.
func (l *Loop) Subscribe(fn func(Observation)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

func (l *Loop) run(stop chan struct{}) {
	ticker := time.NewTicker(frameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			buffer, err := l.session.Frame()
			if err != nil || len(buffer.Samples) == 0 {
				continue
			}
			l.analyzeFrame(buffer)
		}
	}
}

// analyzeFrame computes the next observation from one audio window.
func (l *Loop) analyzeFrame(buffer *audio.Buffer) {
	sumSquares := 0.0
	for _, sample := range buffer.Samples {
		sumSquares += float64(sample) * float64(sample)
	}
	rms := math.Sqrt(sumSquares / float64(len(buffer.Samples)))
	volume := math.Min(1, rms*volumeScale)

	frequency := 0.0
	found := false
	if volume > silenceFloor {
		frequency, found = l.estimator.Estimate(buffer.Samples, float64(buffer.SampleRate))
	}

	l.mu.Lock()
	obs := l.latest
	obs.Volume = volume
	obs.Detected = false
	obs.InTune = false
	if found {
		index := pitch.NoteIndex(frequency)
		cents := pitch.CentsOff(frequency, index)
		obs = Observation{
			Frequency: frequency,
			NoteIndex: index,
			Cents:     cents,
			Volume:    volume,
			Detected:  true,
			InTune:    pitch.InTune(index, cents, l.target, l.tolerance),
		}
	}
	l.latest = obs

	subs := make([]func(Observation), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(obs)
	}
}
