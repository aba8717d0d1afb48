// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Everything-Design/ZenState-V3-sub000/wire"
)

// A conn is one live TCP connection to a remote instance. A conn is unbound
// until the remote handshake arrives, then bound to exactly one identity id
// in the registry. The Service owns all conns; the methods here are safe for
// concurrent use.
type conn struct {
	nc       net.Conn
	endpoint string // normalized remote host:port

	mu      sync.Mutex
	closed  bool
	boundID string
}

// send writes the framed encoding of m to the socket. Writes are serialized
// so concurrent senders cannot interleave frames.
func (c *conn) send(m *wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	_, err := m.WriteTo(c.nc)
	return err
}

// close destroys the socket. It is safe to call any number of times.
func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.nc.Close()
	}
}

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) bind(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.boundID = id
}

func (c *conn) bound() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundID
}

// normalizeHost strips the IPv4-in-IPv6 prefix so that the same machine is
// never tracked under two endpoint spellings.
func normalizeHost(host string) string {
	return strings.TrimPrefix(host, "::ffff:")
}

func endpointOf(addr net.Addr) string {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return net.JoinHostPort(normalizeHost(host), port)
}

// connect requests an outbound connection to host:port. It is a no-op when
// the service is stopped, when a dial to the endpoint is already in flight,
// or when a live socket to the endpoint already exists. Discovery callbacks
// and ConnectManually all funnel through here, which is what makes the two
// discovery channels safe to run concurrently.
func (s *Service) connect(host string, port int) {
	ep := net.JoinHostPort(normalizeHost(host), strconv.Itoa(port))

	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.pending[ep]; ok {
		s.mu.Unlock()
		return
	}
	for c := range s.conns {
		if c.endpoint == ep {
			s.mu.Unlock()
			return
		}
	}
	s.pending[ep] = struct{}{}

	// The dial task must join the group before the lock is released: Stop
	// flips closed under this lock and then waits on the group, so a task
	// registered here is always covered by that wait.
	s.metrics.dialsStarted.Add(1)
	s.tasks.Go(func() error { s.dial(ep); return nil })
	s.mu.Unlock()
}

func (s *Service) dial(ep string) {
	d := net.Dialer{Timeout: dialTimeout}
	nc, err := d.DialContext(s.dialCtx, "tcp", ep)
	if err != nil {
		s.dialFailed(ep, err)
		return
	}

	s.mu.Lock()
	delete(s.pending, ep)
	delete(s.retries, ep)
	s.mu.Unlock()

	s.log.Debug("connected", "endpoint", ep)
	s.startConn(nc, ep)
}

// dialFailed records a failed attempt and schedules a retry with fixed
// backoff, up to maxDialAttempts, after which the endpoint is silently
// abandoned until a fresh discovery event names it again.
func (s *Service) dialFailed(ep string, err error) {
	s.metrics.dialsFailed.Add(1)

	s.mu.Lock()
	delete(s.pending, ep)
	n := s.retries[ep] + 1
	if n >= maxDialAttempts {
		delete(s.retries, ep)
		s.mu.Unlock()
		s.log.Info("giving up on endpoint", "endpoint", ep, "attempts", n, "err", err)
		return
	}
	s.retries[ep] = n
	stop := s.stop
	s.mu.Unlock()

	s.log.Debug("dial failed, will retry", "endpoint", ep, "attempt", n, "err", err)
	host, portStr, serr := net.SplitHostPort(ep)
	if serr != nil {
		return
	}
	port, _ := strconv.Atoi(portStr)
	s.clk.AfterFunc(s.retryDelay, func() {
		select {
		case <-stop:
		default:
			s.connect(host, port)
		}
	})
}

// acceptLoop serves the TCP listener until it is closed. Every accepted
// socket is handled exactly like a dialed one.
func (s *Service) acceptLoop(lst net.Listener) error {
	for {
		nc, err := lst.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", "err", err)
			}
			return nil
		}
		s.startConn(nc, endpointOf(nc.RemoteAddr()))
	}
}

// startConn adopts a freshly established socket: register it, send the
// unsolicited handshake, and begin frame processing. The handshake is
// symmetric; neither side waits to receive before sending.
func (s *Service) startConn(nc net.Conn, ep string) {
	c := &conn{nc: nc, endpoint: ep}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	tasks := s.tasks
	s.mu.Unlock()

	s.metrics.connsOpened.Add(1)
	if err := s.send(c, s.handshakeMessage()); err != nil {
		return // send already ran cleanup
	}
	tasks.Go(func() error { s.readLoop(c); return nil })
}

// send delivers m on c, routing any failure through the shared cleanup path.
func (s *Service) send(c *conn, m *wire.Message) error {
	if err := c.send(m); err != nil {
		s.cleanup(c)
		return err
	}
	s.metrics.framesSent.Add(1)
	return nil
}

// readLoop reads frames from c until the socket errors, closes, or exceeds
// the read inactivity limit, then runs cleanup. Decoded messages go to the
// dispatcher in arrival order.
func (s *Service) readLoop(c *conn) {
	var dec wire.Decoder
	buf := make([]byte, 4096)
	for {
		c.nc.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, err := c.nc.Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			if !s.drain(c, &dec) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("read failed", "endpoint", c.endpoint, "err", err)
			}
			s.cleanup(c)
			return
		}
	}
}

// drain dispatches every complete buffered frame, reporting false if the
// stream is beyond recovery and the connection was cleaned up. Frames with
// malformed payloads are dropped and logged; the connection stays open.
func (s *Service) drain(c *conn, dec *wire.Decoder) bool {
	for {
		m, err := dec.Next()
		switch {
		case errors.Is(err, wire.ErrIncomplete):
			return true
		case errors.Is(err, wire.ErrBadPayload):
			s.metrics.framesDropped.Add(1)
			s.log.Warn("dropping malformed frame", "endpoint", c.endpoint, "err", err)
			continue
		case err != nil:
			s.log.Warn("stream unsynchronized, closing", "endpoint", c.endpoint, "err", err)
			s.cleanup(c)
			return false
		}
		s.metrics.framesRecv.Add(1)
		s.handleMessage(c, m)
	}
}

// cleanup is the single teardown path for a connection: unregister the peer
// bound to it (emitting PeerLost), and destroy the socket. It is idempotent
// and safe to call from any goroutine, including handlers running inside a
// sweep of the connection set.
func (s *Service) cleanup(c *conn) {
	s.mu.Lock()
	_, live := s.conns[c]
	delete(s.conns, c)
	s.mu.Unlock()

	c.close()
	if !live {
		return
	}
	s.metrics.connsClosed.Add(1)
	for _, id := range s.reg.Remove(c) {
		s.log.Info("peer lost", "id", id, "endpoint", c.endpoint)
		s.emit(PeerLost{ID: id})
	}
}
