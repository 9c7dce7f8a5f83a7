package audio

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func fakeManager() (*DeviceManager, *int, *int) {
	inits := 0
	terms := 0
	m := &DeviceManager{
		holders:    make(map[string]int),
		initialize: func() error { inits++; return nil },
		terminate:  func() error { terms++; return nil },
	}
	return m, &inits, &terms
}

func TestAcquireInitializesOnce(t *testing.T) {
	m, inits, _ := fakeManager()

	assert.NoError(t, m.Acquire("capture"))
	assert.NoError(t, m.Acquire("playback"))
	assert.NoError(t, m.Acquire("tuner"))

	assert.Equal(t, 1, *inits)
	assert.Equal(t, 3, m.Holders())
}

func TestReleaseTerminatesOnLast(t *testing.T) {
	m, _, terms := fakeManager()

	assert.NoError(t, m.Acquire("capture"))
	assert.NoError(t, m.Acquire("playback"))

	assert.NoError(t, m.Release("capture"))
	assert.Equal(t, 0, *terms)
	assert.NoError(t, m.Release("playback"))
	assert.Equal(t, 1, *terms)
}

func TestReleaseUnknownTagIsNoop(t *testing.T) {
	m, _, terms := fakeManager()

	assert.NoError(t, m.Acquire("capture"))
	assert.NoError(t, m.Release("tuner"))
	assert.Equal(t, 0, *terms)
	assert.Equal(t, 1, m.Holders())
}

func TestSameTagRefcounts(t *testing.T) {
	m, _, terms := fakeManager()

	assert.NoError(t, m.Acquire("capture"))
	assert.NoError(t, m.Acquire("capture"))
	assert.NoError(t, m.Release("capture"))
	assert.Equal(t, 0, *terms)
	assert.NoError(t, m.Release("capture"))
	assert.Equal(t, 1, *terms)
}

func TestAcquireFailureSurfaces(t *testing.T) {
	m := &DeviceManager{
		holders:    make(map[string]int),
		initialize: func() error { return errors.New("device busy") },
		terminate:  func() error { return nil },
	}

	err := m.Acquire("capture")
	assert.Error(t, err)
	assert.Equal(t, 0, m.Holders())
}
