package classroom

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"
)

// OSC addresses of the classroom wire protocol.
const (
	addrCommand = "/classroom/command"
	addrJoin    = "/classroom/join"
)

// OSCChannel carries classroom commands as OSC messages over UDP. The host
// device listens for joins and relays every command it receives to all joined
// peers, so a session works like a named broadcast channel: students only ever
// talk to the host. Delivery stays best-effort and at-most-once, exactly the
// contract of Channel.
type OSCChannel struct {
	conn *osc.UDPConn
	log  *slog.Logger
	host bool

	mu     sync.Mutex
	peers  map[string]net.Addr
	subs   map[string]map[int]Handler
	next   int
	closed bool
}

// DialOSC opens a UDP OSC endpoint. Hosts pass their listen address and no
// peers; students pass the host address as the single peer.
func DialOSC(listen string, host bool, peers []string) (*OSCChannel, error) {
	laddr, err := net.ResolveUDPAddr("udp", listen)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving listen address %q", listen)
	}
	conn, err := osc.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "opening osc endpoint")
	}

	c := &OSCChannel{
		conn:  conn,
		log:   slog.Default(),
		host:  host,
		peers: make(map[string]net.Addr),
		subs:  make(map[string]map[int]Handler),
	}
	for _, peer := range peers {
		raddr, err := net.ResolveUDPAddr("udp", peer)
		if err != nil {
			conn.Close()
			return nil, errors.Wrapf(err, "resolving peer address %q", peer)
		}
		c.peers[raddr.String()] = raddr
	}

	go c.serve()
	return c, nil
}

func (c *OSCChannel) serve() {
	err := c.conn.Serve(1, osc.Dispatcher{
		addrCommand: osc.Method(c.handleCommand),
		addrJoin:    osc.Method(c.handleJoin),
	})
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if err != nil && !closed {
		c.log.Error("osc serve loop ended", "err", err)
	}
}

// LocalAddr returns the UDP address the endpoint is bound to.
func (c *OSCChannel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Peers returns the remote addresses this endpoint currently knows about:
// the configured host for a student, every joined student for a host.
func (c *OSCChannel) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.peers))
	for key := range c.peers {
		out = append(out, key)
	}
	return out
}

// Publish encodes the command and sends it to every known peer. It returns as
// soon as the transport accepted the datagrams; no acknowledgement exists.
func (c *OSCChannel) Publish(ctx context.Context, sessionID string, cmd Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := cmd.Encode()
	if err != nil {
		return err
	}
	msg := osc.Message{
		Address: addrCommand,
		Arguments: osc.Arguments{
			osc.String(sessionID),
			osc.String(string(payload)),
		},
	}

	c.mu.Lock()
	targets := make([]net.Addr, 0, len(c.peers))
	for _, addr := range c.peers {
		targets = append(targets, addr)
	}
	c.mu.Unlock()

	for _, addr := range targets {
		if err := c.conn.SendTo(addr, msg); err != nil {
			return errors.Wrapf(err, "sending command to %v", addr)
		}
	}
	return nil
}

// Subscribe registers a handler for the session. A student endpoint announces
// itself to the host on first interest so the host starts relaying to it.
func (c *OSCChannel) Subscribe(sessionID string, handler Handler) (func(), error) {
	c.mu.Lock()
	if c.subs[sessionID] == nil {
		c.subs[sessionID] = make(map[int]Handler)
	}
	id := c.next
	c.next++
	c.subs[sessionID][id] = handler
	targets := make([]net.Addr, 0, len(c.peers))
	if !c.host {
		for _, addr := range c.peers {
			targets = append(targets, addr)
		}
	}
	c.mu.Unlock()

	join := osc.Message{
		Address:   addrJoin,
		Arguments: osc.Arguments{osc.String(sessionID)},
	}
	for _, addr := range targets {
		if err := c.conn.SendTo(addr, join); err != nil {
			c.log.Warn("announcing to host", "peer", addr.String(), "err", err)
		}
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[sessionID], id)
	}, nil
}

// Close shuts the endpoint down. Pending handlers finish; nothing is flushed.
func (c *OSCChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *OSCChannel) handleJoin(m osc.Message) error {
	if len(m.Arguments) < 1 {
		return errors.New("join without session")
	}
	if _, err := m.Arguments[0].ReadString(); err != nil {
		return errors.Wrap(err, "reading session id")
	}
	if m.Sender == nil {
		return nil
	}

	c.mu.Lock()
	key := m.Sender.String()
	if _, known := c.peers[key]; !known {
		c.peers[key] = m.Sender
		c.log.Info("peer joined", "peer", key)
	}
	c.mu.Unlock()
	return nil
}

func (c *OSCChannel) handleCommand(m osc.Message) error {
	if len(m.Arguments) < 2 {
		return errors.New("command message without payload")
	}
	sessionID, err := m.Arguments[0].ReadString()
	if err != nil {
		return errors.Wrap(err, "reading session id")
	}
	payload, err := m.Arguments[1].ReadString()
	if err != nil {
		return errors.Wrap(err, "reading payload")
	}
	cmd, err := DecodeCommand([]byte(payload))
	if err != nil {
		// A malformed datagram is dropped, not fatal to the session.
		c.log.Warn("dropping malformed command", "err", err)
		return nil
	}

	sender := ""
	if m.Sender != nil {
		sender = m.Sender.String()
	}

	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.subs[sessionID]))
	for _, h := range c.subs[sessionID] {
		handlers = append(handlers, h)
	}
	var relay []net.Addr
	if c.host {
		for key, addr := range c.peers {
			if key != sender {
				relay = append(relay, addr)
			}
		}
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(cmd)
	}
	for _, addr := range relay {
		if err := c.conn.SendTo(addr, m); err != nil {
			c.log.Warn("relaying command", "peer", addr.String(), "err", err)
		}
	}
	return nil
}
