package audio

import (
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

// Buffer represents a window of audio samples.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Source is the capture-side collaborator the analysis loop reads from.
type Source interface {
	// Frame returns a copy of the most recent audio window.
	Frame() (*Buffer, error)
}

// captureStream is the slice of portaudio.Stream the capturer drives.
type captureStream interface {
	Start() error
	Stop() error
	Close() error
}

// Capture implements microphone capture using PortAudio. The stream callback
// replaces the current window on every invocation; Frame hands out copies so
// analysis never races the audio driver.
type Capture struct {
	devices    *DeviceManager
	tag        string
	openStream func() (captureStream, error)

	mu      sync.Mutex
	running bool
	stream  captureStream
	window  []float32

	windowSize    int
	sampleRate    int
	channels      int
	amplification float32
}

// NewCapture creates a capturer with the given window size. The device is not
// touched until Start.
func NewCapture(devices *DeviceManager, windowSize, sampleRate, channels int) *Capture {
	c := &Capture{
		devices:       devices,
		tag:           "capture",
		window:        make([]float32, 0, windowSize),
		windowSize:    windowSize,
		sampleRate:    sampleRate,
		channels:      channels,
		amplification: 1.0,
	}
	c.openStream = c.openDefaultStream
	return c
}

func (c *Capture) openDefaultStream() (captureStream, error) {
	return portaudio.OpenDefaultStream(
		c.channels,
		0, // no output on the capture stream
		float64(c.sampleRate),
		c.windowSize,
		c.process,
	)
}

// Start acquires the device and begins capture. A failure here (microphone
// denied, no input device) is surfaced once and never retried; the caller
// decides whether a retry makes sense.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if err := c.devices.Acquire(c.tag); err != nil {
		return err
	}

	stream, err := c.openStream()
	if err != nil {
		c.devices.Release(c.tag)
		return errors.Wrap(err, "opening capture stream")
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		c.devices.Release(c.tag)
		return errors.Wrap(err, "starting capture stream")
	}

	c.stream = stream
	c.running = true
	return nil
}

// Stop halts capture and releases the device. Idempotent.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}
	c.running = false

	stream := c.stream
	c.stream = nil
	c.window = c.window[:0]

	// The device refcount is released no matter how the stream teardown goes;
	// a stop error must not strand the last-holder terminate.
	var err error
	if serr := stream.Stop(); serr != nil {
		err = errors.Wrap(serr, "stopping capture stream")
	}
	if cerr := stream.Close(); cerr != nil && err == nil {
		err = errors.Wrap(cerr, "closing capture stream")
	}
	if rerr := c.devices.Release(c.tag); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// process is the PortAudio input callback.
func (c *Capture) process(in []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channels > 1 {
		// Average the interleaved channels down to mono.
		mono := make([]float32, len(in)/c.channels)
		for i := range mono {
			sum := float32(0)
			for ch := 0; ch < c.channels; ch++ {
				sum += in[i*c.channels+ch]
			}
			mono[i] = (sum / float32(c.channels)) * c.amplification
		}
		c.window = mono
		return
	}

	c.window = make([]float32, len(in))
	for i, sample := range in {
		c.window[i] = sample * c.amplification
	}
}

// Frame returns a copy of the current audio window.
func (c *Capture) Frame() (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil, errors.New("audio capture not started")
	}

	out := &Buffer{
		Samples:    make([]float32, len(c.window)),
		SampleRate: c.sampleRate,
	}
	copy(out.Samples, c.window)
	return out, nil
}

// SetAmplification sets the input gain applied in the capture callback.
func (c *Capture) SetAmplification(factor float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if factor < 0.1 {
		factor = 0.1
	}
	c.amplification = factor
}
