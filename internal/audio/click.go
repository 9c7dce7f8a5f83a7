package audio

import (
	"math"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/mjibson/go-dsp/window"
	"github.com/pkg/errors"
)

// Clock is a monotonic time source in the audio clock's own domain. The
// metronome schedules against this clock rather than wall time, which jitters
// under GC and scheduler pauses.
type Clock interface {
	Now() time.Duration
}

const (
	clickDuration = 30 * time.Millisecond
	clickFreq     = 880.0
	accentFreq    = 1320.0 // a fifth above the regular click
)

type scheduledClick struct {
	at        time.Duration
	frequency float64
	amplitude float64
}

// ClickPlayer renders metronome clicks through a PortAudio output stream.
// Clicks are scheduled at stream-clock times and synthesized sample-accurately
// in the output callback; the stream clock is also the Clock the scheduler
// reads.
type ClickPlayer struct {
	devices *DeviceManager
	tag     string

	mu      sync.Mutex
	running bool
	stream  *portaudio.Stream
	pending []scheduledClick

	sampleRate float64
	envelope   []float64
}

// NewClickPlayer creates a click player. The device is not touched until Start.
func NewClickPlayer(devices *DeviceManager, sampleRate int) *ClickPlayer {
	n := int(float64(sampleRate) * clickDuration.Seconds())
	return &ClickPlayer{
		devices:    devices,
		tag:        "playback",
		sampleRate: float64(sampleRate),
		// Hann-shaped amplitude envelope keeps the click from clicking.
		envelope: window.Hann(n),
	}
}

// Start acquires the device and opens the output stream.
func (p *ClickPlayer) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if err := p.devices.Acquire(p.tag); err != nil {
		return err
	}

	stream, err := portaudio.OpenDefaultStream(
		0, // no input on the playback stream
		1,
		p.sampleRate,
		512,
		p.render,
	)
	if err != nil {
		p.devices.Release(p.tag)
		return errors.Wrap(err, "opening playback stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		p.devices.Release(p.tag)
		return errors.Wrap(err, "starting playback stream")
	}

	p.stream = stream
	p.running = true
	return nil
}

// Stop drops all pending clicks, closes the stream and releases the device.
// Idempotent.
func (p *ClickPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false
	p.pending = nil

	if err := p.stream.Stop(); err != nil {
		return errors.Wrap(err, "stopping playback stream")
	}
	if err := p.stream.Close(); err != nil {
		return errors.Wrap(err, "closing playback stream")
	}
	p.stream = nil
	return p.devices.Release(p.tag)
}

// Now returns the current stream time. Zero when the stream is not running.
func (p *ClickPlayer) Now() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return 0
	}
	return p.stream.Time()
}

// ScheduleClick queues a click at the given stream time. Accented clicks mark
// downbeats with a higher pitch and a little more level.
func (p *ClickPlayer) ScheduleClick(at time.Duration, accent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	click := scheduledClick{at: at, frequency: clickFreq, amplitude: 0.35}
	if accent {
		click.frequency = accentFreq
		click.amplitude = 0.5
	}
	p.pending = append(p.pending, click)
}

// render is the PortAudio output callback. It synthesizes every pending click
// whose scheduled time falls inside this buffer.
func (p *ClickPlayer) render(out []float32, info portaudio.StreamCallbackTimeInfo) {
	for i := range out {
		out[i] = 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bufStart := info.OutputBufferDacTime
	bufEnd := bufStart + time.Duration(float64(len(out))/p.sampleRate*float64(time.Second))

	kept := p.pending[:0]
	for _, click := range p.pending {
		clickEnd := click.at + time.Duration(float64(len(p.envelope))/p.sampleRate*float64(time.Second))
		if clickEnd <= bufStart {
			continue // entirely in the past, drop it
		}
		if click.at >= bufEnd {
			kept = append(kept, click)
			continue
		}

		// First click sample index relative to this buffer.
		offset := int(float64(click.at-bufStart) / float64(time.Second) * p.sampleRate)
		for j := range p.envelope {
			i := offset + j
			if i < 0 {
				continue
			}
			if i >= len(out) {
				break
			}
			phase := 2 * math.Pi * click.frequency * float64(j) / p.sampleRate
			out[i] += float32(click.amplitude * p.envelope[j] * math.Sin(phase))
		}
		if clickEnd > bufEnd {
			kept = append(kept, click)
		}
	}
	p.pending = kept
}
