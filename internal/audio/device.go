package audio

import (
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/pkg/errors"
)

// DeviceManager owns the lifecycle of the PortAudio runtime. The audio device
// is a singleton physical resource shared by several logical consumers (the
// capture stream, the click player), so access is refcounted by caller tag:
// the runtime is initialized on the first acquire and torn down on the last
// release.
type DeviceManager struct {
	mu      sync.Mutex
	holders map[string]int

	initialize func() error
	terminate  func() error
}

// NewDeviceManager creates a manager backed by the PortAudio runtime.
func NewDeviceManager() *DeviceManager {
	return &DeviceManager{
		holders:    make(map[string]int),
		initialize: portaudio.Initialize,
		terminate:  portaudio.Terminate,
	}
}

// Acquire registers a consumer under the given tag, initializing the audio
// runtime if this is the first holder.
func (m *DeviceManager) Acquire(tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.count() == 0 {
		if err := m.initialize(); err != nil {
			return errors.Wrap(err, "initializing audio device")
		}
	}
	m.holders[tag]++
	return nil
}

// Release drops a consumer. Releasing an unknown tag is a no-op; the runtime
// is terminated when the last holder is gone.
func (m *DeviceManager) Release(tag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.holders[tag]
	if !ok {
		return nil
	}
	if n <= 1 {
		delete(m.holders, tag)
	} else {
		m.holders[tag] = n - 1
	}
	if m.count() == 0 {
		if err := m.terminate(); err != nil {
			return errors.Wrap(err, "terminating audio device")
		}
	}
	return nil
}

// Holders returns the number of active acquisitions across all tags.
func (m *DeviceManager) Holders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count()
}

func (m *DeviceManager) count() int {
	total := 0
	for _, n := range m.holders {
		total += n
	}
	return total
}
