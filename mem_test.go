package mdns

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// An in-memory multicast network. Multicast packets are delivered to every endpoint, including
// the sender, like IP_MULTICAST_LOOP.
type memNet struct {
	mu  sync.Mutex
	eps []*memEndpoint
}

type memEndpoint struct {
	net  *memNet
	addr netip.AddrPort

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Packet
	closed bool

	// Sent messages, decoded
	sentMu sync.Mutex
	sent   []*Message

	failSend atomic.Bool
}

var _ Transport = &memEndpoint{}

func (n *memNet) endpoint(port uint16) *memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep := &memEndpoint{
		net:  n,
		addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(len(n.eps) + 1)}), port),
	}
	ep.cond = sync.NewCond(&ep.mu)
	n.eps = append(n.eps, ep)
	return ep
}

func (n *memNet) endpoints() []*memEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*memEndpoint(nil), n.eps...)
}

func (ep *memEndpoint) Send(b []byte, dst netip.AddrPort) error {
	if ep.failSend.Load() {
		return errors.New("network is down")
	}
	if msg, err := Unpack(b); err == nil {
		ep.sentMu.Lock()
		ep.sent = append(ep.sent, msg)
		ep.sentMu.Unlock()
	}
	for _, other := range ep.net.endpoints() {
		if !dst.IsValid() || other.addr == dst {
			other.deliver(Packet{Data: append([]byte(nil), b...), Src: ep.addr})
		}
	}
	return nil
}

func (ep *memEndpoint) deliver(pkt Packet) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.closed {
		return
	}
	ep.queue = append(ep.queue, pkt)
	ep.cond.Signal()
}

func (ep *memEndpoint) Receive() (Packet, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for len(ep.queue) == 0 && !ep.closed {
		ep.cond.Wait()
	}
	if ep.closed {
		return Packet{}, net.ErrClosed
	}
	pkt := ep.queue[0]
	ep.queue = ep.queue[1:]
	return pkt, nil
}

func (ep *memEndpoint) Close() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.closed = true
	ep.cond.Broadcast()
	return nil
}

func (ep *memEndpoint) Addrs() []netip.Addr {
	return []netip.Addr{ep.addr.Addr()}
}

// Returns the sent messages that satisfy fn.
func (ep *memEndpoint) sentWhere(fn func(*Message) bool) (msgs []*Message) {
	ep.sentMu.Lock()
	defer ep.sentMu.Unlock()
	for _, msg := range ep.sent {
		if fn(msg) {
			msgs = append(msgs, msg)
		}
	}
	return
}

var testTiming = timing{
	probeDelay:       10 * time.Millisecond,
	probeInterval:    20 * time.Millisecond,
	probeDefer:       50 * time.Millisecond,
	announceInterval: 20 * time.Millisecond,
	queryInterval:    50 * time.Millisecond,
	maxQueryInterval: time.Second,
}

// Opens a client on the network. It is closed when the test ends.
func (n *memNet) open(t *testing.T) (*Client, *memEndpoint) {
	t.Helper()
	ep := n.endpoint(mdnsPort)
	opts := New().Transport(ep).Logger(testLogger(t, ep))
	opts.timing = testTiming
	c, err := opts.Open()
	if err != nil {
		t.Fatalf("failed opening client: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, ep
}

func testLogger(t *testing.T, ep *memEndpoint) *slog.Logger {
	h := slog.NewTextHandler(testWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h).With("client", ep.addr.Addr().String())
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(b []byte) (int, error) {
	w.t.Log(string(b))
	return len(b), nil
}

// Waits for fn to return true, or fails the test.
func eventually(t *testing.T, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !fn() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Records claim notifications.
type recordingListener struct {
	mu        sync.Mutex
	states    []ClaimState
	conflicts []string
	failures  []error
}

func (l *recordingListener) StateChanged(name Name, state ClaimState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) NameConflict(from, to Name) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conflicts = append(l.conflicts, fmt.Sprintf("%v -> %v", from, to))
}

func (l *recordingListener) RegistrationFailed(name Name, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, err)
}

func (l *recordingListener) snapshot() (states []ClaimState, conflicts []string, failures []error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(states, l.states...), append(conflicts, l.conflicts...), append(failures, l.failures...)
}

// Returns an endpoint without a client, for crafting traffic by hand.
func (n *memNet) raw(t *testing.T, port uint16) *memEndpoint {
	ep := n.endpoint(port)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func (ep *memEndpoint) sendMessage(t *testing.T, msg *Message, dst netip.AddrPort) {
	t.Helper()
	b, err := msg.Pack()
	if err != nil {
		t.Fatalf("pack failed: %v", err)
	}
	if err := ep.Send(b, dst); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

// Waits for a received message that satisfies fn, skipping others.
func (ep *memEndpoint) expect(t *testing.T, what string, fn func(*Message) bool) *Message {
	t.Helper()
	var found *Message
	eventually(t, what, func() bool {
		ep.mu.Lock()
		defer ep.mu.Unlock()
		for len(ep.queue) > 0 && found == nil {
			pkt := ep.queue[0]
			ep.queue = ep.queue[1:]
			if msg, err := Unpack(pkt.Data); err == nil && fn(msg) {
				found = msg
			}
		}
		return found != nil
	})
	return found
}
