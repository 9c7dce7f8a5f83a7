package metronome

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Caller-facing tempo bounds. Out-of-range values are clamped or ignored,
// never rejected with an error; bad tempo input is expected interaction noise.
const (
	MinBPM = 30.0
	MaxBPM = 250.0
)

const (
	panicFloor   = 40.0
	lookahead    = 100 * time.Millisecond
	passInterval = 25 * time.Millisecond
	startDelay   = 50 * time.Millisecond
	tapWindow    = 4
	tapTimeout   = 2 * time.Second
)

// Signature is the time signature driving beat/measure arithmetic.
type Signature int

const (
	TwoFour Signature = iota
	ThreeFour
	FourFour
	SixEight
)

// BeatsPerMeasure returns how many beats a measure holds.
func (s Signature) BeatsPerMeasure() int {
	switch s {
	case TwoFour:
		return 2
	case ThreeFour:
		return 3
	case SixEight:
		return 6
	default:
		return 4
	}
}

func (s Signature) String() string {
	switch s {
	case TwoFour:
		return "2/4"
	case ThreeFour:
		return "3/4"
	case SixEight:
		return "6/8"
	default:
		return "4/4"
	}
}

// ParseSignature parses a signature as given on the command line.
func ParseSignature(s string) (Signature, error) {
	switch s {
	case "2/4":
		return TwoFour, nil
	case "3/4":
		return ThreeFour, nil
	case "4/4":
		return FourFour, nil
	case "6/8":
		return SixEight, nil
	}
	return FourFour, errors.Errorf("unknown time signature %q", s)
}

// Ramp configures a progressive tempo ramp: every MeasuresInterval measures
// the tempo rises by StepBPM until it reaches TargetBPM. A ramp only ever
// raises the tempo and never overshoots its target.
type Ramp struct {
	Active           bool
	StepBPM          int
	MeasuresInterval int
	TargetBPM        int
}

// Tick is one scheduled beat instant. Immutable once emitted.
type Tick struct {
	Measure     uint
	Beat        uint // zero-based beat within the measure
	Downbeat    bool
	ScheduledAt time.Duration // in the audio clock's time domain
}

// State is a snapshot of the scheduler for UI binding.
type State struct {
	BPM       float64
	Signature Signature
	Running   bool
	Beat      uint
	Measure   uint
	Ramp      Ramp
}

// Clock is the audio-domain time reference the scheduler reads. It is never
// mutated, only sampled.
type Clock interface {
	Now() time.Duration
}

// Emitter receives the sample-accurate side of every tick.
type Emitter interface {
	ScheduleClick(at time.Duration, accent bool)
}

// Scheduler produces wall-clock-accurate metronome ticks with the lookahead
// pattern: every pass it schedules all ticks falling inside a short window
// ahead of the audio clock, so the precision of when a click sounds does not
// depend on timer jitter. UI updates ride on the same ticks, best-effort.
type Scheduler struct {
	clock   Clock
	emitter Emitter
	log     *slog.Logger

	mu         sync.Mutex
	bpm        float64
	signature  Signature
	running    bool
	ramp       Ramp
	beat       uint
	measure    uint
	nextTickAt time.Duration
	taps       []time.Time
	subs       map[int]func(Tick)
	nextSub    int
	stop       chan struct{}
}

// New creates a stopped scheduler at 120 bpm in 4/4.
func New(clock Clock, emitter Emitter) *Scheduler {
	return &Scheduler{
		clock:     clock,
		emitter:   emitter,
		log:       slog.Default(),
		bpm:       120,
		signature: FourFour,
		subs:      make(map[int]func(Tick)),
	}
}

// OnTick subscribes to the tick stream. The returned function cancels the
// subscription and is safe to call more than once.
func (s *Scheduler) OnTick(fn func(Tick)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Snapshot returns the current scheduler state.
func (s *Scheduler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	beatsPer := uint(s.signature.BeatsPerMeasure())
	return State{
		BPM:       s.bpm,
		Signature: s.signature,
		Running:   s.running,
		Beat:      s.beat % beatsPer,
		Measure:   s.measure,
		Ramp:      s.ramp,
	}
}

// SetBPM sets the tempo, clamped to [MinBPM, MaxBPM].
func (s *Scheduler) SetBPM(bpm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bpm = clampBPM(bpm)
}

// BPM returns the current tempo.
func (s *Scheduler) BPM() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bpm
}

// Running reports whether the scheduling loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetSignature changes the time signature. Takes effect from the next tick.
func (s *Scheduler) SetSignature(sig Signature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signature = sig
}

// SetRamp installs or clears a progressive tempo ramp. A ramp with a
// non-positive step or interval is ignored.
func (s *Scheduler) SetRamp(r Ramp) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Active && (r.StepBPM <= 0 || r.MeasuresInterval <= 0) {
		s.log.Warn("ignoring invalid tempo ramp", "step", r.StepBPM, "interval", r.MeasuresInterval)
		return
	}
	r.TargetBPM = int(clampBPM(float64(r.TargetBPM)))
	s.ramp = r
}

// Panic halves the tempo immediately, floored at 40 bpm. A single-action
// emergency slow-down for when a student is overwhelmed.
func (s *Scheduler) Panic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bpm = math.Max(panicFloor, s.bpm/2)
}

// Tap registers a tap-tempo tap at the current wall time.
func (s *Scheduler) Tap() {
	s.tapAt(time.Now())
}

func (s *Scheduler) tapAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.taps); n > 0 && t.Sub(s.taps[n-1]) > tapTimeout {
		s.taps = s.taps[:0]
	}
	s.taps = append(s.taps, t)
	if len(s.taps) > tapWindow {
		s.taps = s.taps[len(s.taps)-tapWindow:]
	}
	if len(s.taps) < 2 {
		return
	}

	total := s.taps[len(s.taps)-1].Sub(s.taps[0])
	mean := float64(total.Milliseconds()) / float64(len(s.taps)-1)
	if mean <= 0 {
		return
	}
	bpm := 60000 / mean
	if bpm < MinBPM || bpm > MaxBPM {
		// An absurd tempo from erratic taps is treated as noise, not an error.
		return
	}
	s.bpm = math.Round(bpm)
}

// Toggle starts the scheduler when stopped and stops it when running. Safe to
// call from any lifecycle point.
func (s *Scheduler) Toggle() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.stopLocked()
		return
	}

	s.beat = 0
	s.measure = 0
	// Anchor the first tick slightly ahead so the scheduling loop has a full
	// pass before it is due.
	s.nextTickAt = s.clock.Now() + startDelay
	s.stop = make(chan struct{})
	s.running = true
	go s.run(s.stop)
}

// Stop stops the scheduler if it is running. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.stopLocked()
	}
}

func (s *Scheduler) stopLocked() {
	s.running = false
	s.beat = 0
	s.measure = 0
	close(s.stop)
}

func (s *Scheduler) run(stop chan struct{}) {
	ticker := time.NewTicker(passInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.schedulePass()
		}
	}
}

// schedulePass schedules every tick falling inside the lookahead window.
func (s *Scheduler) schedulePass() {
	s.mu.Lock()

	if !s.running {
		s.mu.Unlock()
		return
	}

	horizon := s.clock.Now() + lookahead
	var ticks []Tick
	for s.nextTickAt < horizon {
		beatsPer := uint(s.signature.BeatsPerMeasure())
		tick := Tick{
			Measure:     s.measure,
			Beat:        s.beat % beatsPer,
			Downbeat:    s.beat%beatsPer == 0,
			ScheduledAt: s.nextTickAt,
		}
		if s.emitter != nil {
			s.emitter.ScheduleClick(tick.ScheduledAt, tick.Downbeat)
		}
		ticks = append(ticks, tick)

		s.nextTickAt += time.Duration(60 / s.bpm * float64(time.Second))
		s.beat++
		if s.beat%beatsPer == 0 {
			s.measure++
			s.applyRampLocked()
		}
	}

	subs := make([]func(Tick), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	// Notify outside the lock so a subscriber may call back into the scheduler.
	for _, tick := range ticks {
		for _, fn := range subs {
			fn(tick)
		}
	}
}

// applyRampLocked raises the tempo on qualifying measure boundaries.
func (s *Scheduler) applyRampLocked() {
	r := s.ramp
	if !r.Active || s.measure%uint(r.MeasuresInterval) != 0 {
		return
	}
	target := float64(r.TargetBPM)
	if s.bpm >= target {
		return
	}
	s.bpm = math.Min(s.bpm+float64(r.StepBPM), target)
	s.log.Debug("tempo ramp step", "bpm", s.bpm, "target", target)
	if s.bpm >= target {
		s.ramp.Active = false
	}
}

func clampBPM(bpm float64) float64 {
	return math.Min(MaxBPM, math.Max(MinBPM, bpm))
}
