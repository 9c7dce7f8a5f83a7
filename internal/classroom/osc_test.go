package classroom

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/scgolang/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestOSC(t *testing.T, host bool, peers []string) *OSCChannel {
	t.Helper()
	c, err := DialOSC("127.0.0.1:0", host, peers)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func commandSink() (Handler, chan Command) {
	ch := make(chan Command, 16)
	return func(cmd Command) { ch <- cmd }, ch
}

func receiveCommand(t *testing.T, ch chan Command) Command {
	t.Helper()
	select {
	case cmd := <-ch:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command arrived")
		return Command{}
	}
}

func TestOSCHostRelaysToJoinedPeers(t *testing.T) {
	host := dialTestOSC(t, true, nil)
	hostAddr := host.LocalAddr().String()
	alice := dialTestOSC(t, false, []string{hostAddr})
	bob := dialTestOSC(t, false, []string{hostAddr})

	hostHandler, hostCh := commandSink()
	aliceHandler, aliceCh := commandSink()
	bobHandler, bobCh := commandSink()

	_, err := host.Subscribe("class-42", hostHandler)
	require.NoError(t, err)
	_, err = alice.Subscribe("class-42", aliceHandler)
	require.NoError(t, err)
	_, err = bob.Subscribe("class-42", bobHandler)
	require.NoError(t, err)

	// Subscribing sends the join announcement; wait until the host has
	// registered both students before publishing.
	require.Eventually(t, func() bool {
		return len(host.Peers()) == 2
	}, 2*time.Second, 10*time.Millisecond, "students never joined")

	require.NoError(t, alice.Publish(context.Background(), "class-42", SetBPM(140)))

	got := receiveCommand(t, hostCh)
	assert.Equal(t, CommandSetBPM, got.Type)
	require.NotNil(t, got.BPM)
	assert.Equal(t, 140.0, *got.BPM)

	relayed := receiveCommand(t, bobCh)
	assert.Equal(t, CommandSetBPM, relayed.Type)

	// The host never relays a command back to its sender.
	select {
	case cmd := <-aliceCh:
		t.Fatalf("sender received its own command back: %v", cmd.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOSCDropsMalformedPayload(t *testing.T) {
	host := dialTestOSC(t, true, nil)
	handler, ch := commandSink()
	_, err := host.Subscribe("class-42", handler)
	require.NoError(t, err)

	laddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	require.NoError(t, err)
	raw, err := osc.ListenUDP("udp", laddr)
	require.NoError(t, err)
	defer raw.Close()

	require.NoError(t, raw.SendTo(host.LocalAddr(), osc.Message{
		Address: addrCommand,
		Arguments: osc.Arguments{
			osc.String("class-42"),
			osc.String("{not json"),
		},
	}))
	require.NoError(t, raw.SendTo(host.LocalAddr(), osc.Message{
		Address: addrCommand,
		Arguments: osc.Arguments{
			osc.String("class-42"),
			osc.String(`{"type":"PLAY"}`),
		},
	}))

	// Only the well-formed command comes through; the garbage datagram is
	// dropped without killing the serve loop.
	got := receiveCommand(t, ch)
	assert.Equal(t, CommandPlay, got.Type)
	assert.Empty(t, ch)
}

func TestOSCSessionScoping(t *testing.T) {
	host := dialTestOSC(t, true, nil)
	hostAddr := host.LocalAddr().String()
	student := dialTestOSC(t, false, []string{hostAddr})

	handler42, ch42 := commandSink()
	handler7, ch7 := commandSink()
	_, err := host.Subscribe("class-42", handler42)
	require.NoError(t, err)
	_, err = host.Subscribe("class-7", handler7)
	require.NoError(t, err)

	require.NoError(t, student.Publish(context.Background(), "class-7", Pause()))

	got := receiveCommand(t, ch7)
	assert.Equal(t, CommandPause, got.Type)
	assert.Empty(t, ch42)
}
