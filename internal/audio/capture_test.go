package audio

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	startErr error
	stopErr  error
	closeErr error

	stops  int
	closes int
}

func (s *fakeStream) Start() error { return s.startErr }
func (s *fakeStream) Stop() error  { s.stops++; return s.stopErr }
func (s *fakeStream) Close() error { s.closes++; return s.closeErr }

func newFakeCapture(m *DeviceManager, stream *fakeStream) *Capture {
	c := NewCapture(m, 2048, 48000, 1)
	c.openStream = func() (captureStream, error) { return stream, nil }
	return c
}

func TestStopReleasesDeviceOnStreamError(t *testing.T) {
	m, _, terms := fakeManager()
	stream := &fakeStream{stopErr: errors.New("stream wedged")}
	c := newFakeCapture(m, stream)

	require.NoError(t, c.Start())
	require.Equal(t, 1, m.Holders())

	err := c.Stop()
	assert.Error(t, err)
	assert.Equal(t, 0, m.Holders())
	assert.Equal(t, 1, *terms)
	assert.Equal(t, 1, stream.closes)
}

func TestStopReleasesDeviceOnCloseError(t *testing.T) {
	m, _, terms := fakeManager()
	c := newFakeCapture(m, &fakeStream{closeErr: errors.New("close failed")})

	require.NoError(t, c.Start())
	assert.Error(t, c.Stop())
	assert.Equal(t, 0, m.Holders())
	assert.Equal(t, 1, *terms)
}

func TestStopIdempotentAfterError(t *testing.T) {
	m, _, _ := fakeManager()
	stream := &fakeStream{stopErr: errors.New("stream wedged")}
	c := newFakeCapture(m, stream)

	require.NoError(t, c.Start())
	assert.Error(t, c.Stop())
	assert.NoError(t, c.Stop())
	assert.Equal(t, 1, stream.stops)
	assert.Equal(t, 0, m.Holders())
}

func TestStartFailureReleasesDevice(t *testing.T) {
	m, _, terms := fakeManager()
	stream := &fakeStream{startErr: errors.New("no input device")}
	c := newFakeCapture(m, stream)

	assert.Error(t, c.Start())
	assert.Equal(t, 0, m.Holders())
	assert.Equal(t, 1, *terms)
	assert.Equal(t, 1, stream.closes)
}
