// Copyright (C) 2025 Everything Design. All Rights Reserved.

package presence

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"

	"github.com/Everything-Design/ZenState-V3-sub000/discover"
	"github.com/Everything-Design/ZenState-V3-sub000/wire"
)

// Config carries the settings for a Service. A zero value is not usable:
// Self must at least have an ID. All other fields are optional and take the
// defaults described below.
type Config struct {
	// Self is the local participant's identity record.
	Self Identity

	// Port is the TCP listen port. Zero picks an ephemeral port, which is
	// then advertised through discovery.
	Port int

	// BeaconPort is the fixed well-known UDP port for the broadcast beacon.
	// Default: 5354.
	BeaconPort int

	// DisableDirectory and DisableBeacon switch off the corresponding
	// discovery channel. Both off means peers connect manually only.
	DisableDirectory bool
	DisableBeacon    bool

	// Timing knobs; the defaults are the deployed protocol values.
	HeartbeatInterval time.Duration // default 5s
	BeaconInterval    time.Duration // default 10s
	QueryInterval     time.Duration // directory browse cadence, default 10s
	ReadTimeout       time.Duration // per-socket inactivity limit, default 30s
	RetryDelay        time.Duration // delay between failed dial attempts, default 2s

	// Logger receives operational records. Default: discard.
	Logger *slog.Logger

	// Clock drives timers and message timestamps. Default: the wall clock.
	Clock clock.Clock
}

// Protocol constants shared by every deployed instance.
const (
	defaultBeaconPort     = 5354
	defaultHeartbeatEvery = 5 * time.Second
	defaultBeaconEvery    = 10 * time.Second
	defaultReadTimeout    = 30 * time.Second
	defaultRetryDelay     = 2 * time.Second
	maxDialAttempts       = 3
	dialTimeout           = 5 * time.Second
	eventQueueLen         = 128
)

// A Service is the peer-to-peer presence transport: it discovers other
// instances on the local network, keeps one live connection per peer, and
// exchanges typed status and control messages with them. Construct a Service
// with New, call Start to bring the transport up, and drain Events for peer
// lifecycle and application messages. A Service must not be copied.
type Service struct {
	log     *slog.Logger
	clk     clock.Clock
	metrics *serviceMetrics
	reg     *Registry

	port       int
	beaconPort int

	heartbeatEvery, beaconEvery, queryEvery time.Duration
	readTimeout, retryDelay                 time.Duration
	wantDirectory, wantBeacon               bool

	events chan Event

	mu         sync.Mutex
	self       Identity
	started    bool
	closed     bool
	stop       chan struct{}
	dialCtx    context.Context
	dialCancel func() // cancels in-flight dials on Stop
	tasks      *taskgroup.Group
	lst        net.Listener
	dir        *discover.Directory
	bcn        *discover.Beacon
	conns      map[*conn]struct{}
	pending    map[string]struct{} // endpoints with a dial in flight
	retries    map[string]int      // failed dial attempts per endpoint
}

// New constructs an unstarted Service from cfg.
func New(cfg Config) *Service {
	s := &Service{
		log:     cfg.Logger,
		clk:     cfg.Clock,
		metrics: newServiceMetrics(),
		reg:     NewRegistry(),

		port:           cfg.Port,
		beaconPort:     cfg.BeaconPort,
		heartbeatEvery: cfg.HeartbeatInterval,
		beaconEvery:    cfg.BeaconInterval,
		queryEvery:     cfg.QueryInterval,
		readTimeout:    cfg.ReadTimeout,
		retryDelay:     cfg.RetryDelay,
		wantDirectory:  !cfg.DisableDirectory,
		wantBeacon:     !cfg.DisableBeacon,

		events:  make(chan Event, eventQueueLen),
		self:    cfg.Self,
		conns:   make(map[*conn]struct{}),
		pending: make(map[string]struct{}),
		retries: make(map[string]int),
	}
	if s.log == nil {
		s.log = slog.New(slog.DiscardHandler)
	}
	if s.clk == nil {
		s.clk = clock.New()
	}
	if s.beaconPort <= 0 {
		s.beaconPort = defaultBeaconPort
	}
	if s.heartbeatEvery <= 0 {
		s.heartbeatEvery = defaultHeartbeatEvery
	}
	if s.beaconEvery <= 0 {
		s.beaconEvery = defaultBeaconEvery
	}
	if s.queryEvery <= 0 {
		s.queryEvery = defaultBeaconEvery
	}
	if s.readTimeout <= 0 {
		s.readTimeout = defaultReadTimeout
	}
	if s.retryDelay <= 0 {
		s.retryDelay = defaultRetryDelay
	}
	return s
}

// Start binds the TCP listener, starts discovery, and begins serving
// connections. It reports an error only if the listener cannot be bound;
// failure of either discovery channel is logged and degrades discovery
// rather than failing the service. Start panics if the service is already
// running.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("service is already started")
	}
	if s.self.ID == "" {
		return errors.New("config has no identity id")
	}

	lst, err := net.Listen("tcp", ":"+strconv.Itoa(s.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.lst = lst
	s.started = true
	s.closed = false
	s.stop = make(chan struct{})
	s.tasks = taskgroup.New(nil)
	dctx, cancel := context.WithCancel(context.Background())
	s.dialCtx, s.dialCancel = dctx, cancel

	port := lst.Addr().(*net.TCPAddr).Port
	s.log.Info("presence service starting", "id", s.self.ID, "port", port)

	stop := s.stop
	s.tasks.Go(func() error { return s.acceptLoop(lst) })
	s.tasks.Go(func() error { return s.heartbeatLoop(stop) })

	if s.wantDirectory {
		dir := &discover.Directory{
			Instance:      s.self.Prefix() + "_" + s.self.Username,
			OwnPrefix:     s.self.Prefix(),
			Port:          port,
			QueryInterval: s.queryEvery,
			Clock:         s.clk,
			Log:           s.log,
			OnPeer:        s.connect,
			OnPeerGone:    s.directoryGone,
		}
		if err := dir.Start(); err != nil {
			// Not fatal: discovery falls back to the beacon channel.
			s.log.Warn("service directory unavailable", "err", err)
		} else {
			s.dir = dir
		}
	}
	if s.wantBeacon {
		bcn := &discover.Beacon{
			ID:       s.self.ID,
			TCPPort:  port,
			Port:     s.beaconPort,
			Interval: s.beaconEvery,
			Clock:    s.clk,
			Log:      s.log,
			OnPeer:   s.connect,
			Known:    s.beaconKnown,
		}
		if err := bcn.Start(); err != nil {
			s.log.Warn("beacon unavailable", "err", err)
		} else {
			s.bcn = bcn
		}
	}
	return nil
}

// Stop shuts the service down: timers and loops first, then discovery, then
// every live connection, then the listener. Each step is safe even if the
// corresponding resource never came up. Stop blocks until all service
// routines have exited. It is safe to call Stop more than once, and on a
// service that was never started.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started || s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	s.dialCancel()
	dir, bcn, lst, tasks := s.dir, s.bcn, s.lst, s.tasks
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if dir != nil {
		dir.Close()
	}
	if bcn != nil {
		bcn.Close()
	}
	for _, c := range conns {
		s.cleanup(c)
	}
	if lst != nil {
		lst.Close()
	}
	tasks.Wait()

	s.mu.Lock()
	s.started = false
	s.dir, s.bcn, s.lst, s.tasks = nil, nil, nil, nil
	s.mu.Unlock()
	s.log.Info("presence service stopped")
	return nil
}

// Events returns the channel on which the service delivers lifecycle events
// and inbound application messages. The channel is buffered; if the consumer
// falls behind, further events are dropped and counted, never blocking the
// transport. The channel is never closed, since a stopped service may be
// started again; consumers select against their own shutdown signal.
func (s *Service) Events() <-chan Event { return s.events }

// Metrics returns the service's activity counters. The caller may add its
// own entries to the map.
func (s *Service) Metrics() *expvar.Map { return s.metrics.emap }

func (s *Service) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.metrics.eventsDropped.Add(1)
		s.log.Warn("event queue full, dropping event", "event", fmt.Sprintf("%T", ev))
	}
}

// UpdateIdentity replaces the local identity record and immediately
// broadcasts a StatusUpdate to every connected peer. The CanSendEmergency
// flag is owned by the transport and carried over from the previous record,
// so a stale value from the consumer cannot clobber a received grant.
func (s *Service) UpdateIdentity(id Identity) {
	s.mu.Lock()
	id.CanSendEmergency = s.self.CanSendEmergency
	s.self = id
	s.mu.Unlock()
	s.broadcast(s.message(wire.KindStatusUpdate, withIdentity))
}

// Identity returns the current local identity record.
func (s *Service) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// ConnectManually asks the connection manager to dial host:port, subject to
// the usual deduplication and retry rules.
func (s *Service) ConnectManually(host string, port int) { s.connect(host, port) }

// ListPeers returns a snapshot of the currently registered peers.
func (s *Service) ListPeers() []Identity { return s.reg.List() }

// ListeningPort returns the bound TCP port, or 0 if the service is not
// running.
func (s *Service) ListeningPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lst == nil {
		return 0
	}
	return s.lst.Addr().(*net.TCPAddr).Port
}

// LocalAddresses returns the local non-loopback addresses a peer could use
// to reach this instance.
func (s *Service) LocalAddresses() []string {
	ips := discover.LocalIPs()
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}

// SendMeetingRequest sends a meeting request to the peer with the given id.
// The message text is optional.
func (s *Service) SendMeetingRequest(peerID, message string) error {
	return s.sendTo(peerID, s.message(wire.KindMeetingRequest, withText(message)))
}

// CancelMeetingRequest withdraws a previously sent meeting request.
func (s *Service) CancelMeetingRequest(peerID string) error {
	return s.sendTo(peerID, s.message(wire.KindMeetingRequestCancel))
}

// RespondMeetingRequest answers a peer's meeting request.
func (s *Service) RespondMeetingRequest(peerID string, accepted bool, message string) error {
	kind := value.Cond(accepted, wire.KindMeetingRequestAccepted, wire.KindMeetingRequestDeclined)
	return s.sendTo(peerID, s.message(kind, withText(message)))
}

// SendEmergencyRequest sends an emergency meeting request. It fails unless
// this instance is an admin or has been granted emergency access.
func (s *Service) SendEmergencyRequest(peerID, message string) error {
	s.mu.Lock()
	allowed := s.self.IsAdmin || s.self.CanSendEmergency
	s.mu.Unlock()
	if !allowed {
		return errors.New("emergency access has not been granted")
	}
	return s.sendTo(peerID, s.message(wire.KindEmergencyMeetingRequest, withText(message)))
}

// GrantEmergencyAccess grants or revokes a peer's permission to send
// emergency requests. Only admins may grant. The local view of the peer is
// updated immediately so the caller's UI reflects the change without a
// network round-trip.
func (s *Service) GrantEmergencyAccess(peerID string, granted bool) error {
	s.mu.Lock()
	isAdmin := s.self.IsAdmin
	s.mu.Unlock()
	if !isAdmin {
		return errors.New("only admins may grant emergency access")
	}
	text := value.Cond(granted, "granted", "revoked")
	if err := s.sendTo(peerID, s.message(wire.KindEmergencyAccessGrant, withText(text))); err != nil {
		return err
	}
	if id, ok := s.reg.SetEmergencyAccess(peerID, granted); ok {
		s.emit(PeerUpdated{Peer: id})
	}
	return nil
}

// SendAdminNotification sends a display notice to the named peers, or to
// every registered peer if no recipients are given. Only admins may send.
// It returns the first send error, after attempting all recipients.
func (s *Service) SendAdminNotification(message string, recipientIDs ...string) error {
	s.mu.Lock()
	isAdmin := s.self.IsAdmin
	s.mu.Unlock()
	if !isAdmin {
		return errors.New("only admins may send notifications")
	}
	if len(recipientIDs) == 0 {
		for _, id := range s.reg.List() {
			recipientIDs = append(recipientIDs, id.ID)
		}
	}
	var firstErr error
	for _, id := range recipientIDs {
		if err := s.sendTo(id, s.message(wire.KindAdminNotification, withText(message))); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// messageOption adjusts an outbound message under construction.
type messageOption func(s *Service, m *wire.Message)

// withIdentity attaches the current local identity record as the payload.
func withIdentity(s *Service, m *wire.Message) {
	s.mu.Lock()
	self := s.self
	s.mu.Unlock()
	m.Payload = marshalIdentity(self)
}

func withText(text string) messageOption {
	return func(_ *Service, m *wire.Message) { m.RequestMessage = text }
}

// message assembles an outbound message of the given kind with the standard
// sender fields filled in.
func (s *Service) message(kind wire.Kind, opts ...messageOption) *wire.Message {
	s.mu.Lock()
	m := &wire.Message{
		Type:       kind,
		SenderID:   s.self.ID,
		SenderName: s.self.DisplayName,
		Timestamp:  s.clk.Now().UTC(),
	}
	s.mu.Unlock()
	for _, opt := range opts {
		opt(s, m)
	}
	return m
}

// handshakeMessage is the unsolicited UserInfo sent on every new socket.
func (s *Service) handshakeMessage() *wire.Message {
	return s.message(wire.KindUserInfo, withIdentity)
}

// sendTo delivers m to the peer registered under peerID.
func (s *Service) sendTo(peerID string, m *wire.Message) error {
	c, ok := s.reg.Conn(peerID)
	if !ok {
		return fmt.Errorf("peer %q is not connected", peerID)
	}
	return s.send(c, m)
}

// broadcast delivers m to every live connection. The connection set is
// snapshotted first: a failed send runs cleanup, which mutates the set.
func (s *Service) broadcast(m *wire.Message) {
	for _, c := range s.liveConns() {
		s.send(c, m) // errors already routed through cleanup
	}
}

func (s *Service) liveConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// beaconKnown reports whether a beacon id already maps to a live, bound
// connection, in which case the beacon is ignored.
func (s *Service) beaconKnown(id string) bool {
	c, ok := s.reg.Conn(id)
	if !ok {
		return false
	}
	if c.isClosed() {
		// The entry is about to be swept; let the beacon reconnect.
		return false
	}
	return true
}

// directoryGone handles a directory advertisement disappearing: the peer
// whose id matches the departed instance prefix is cleaned up.
func (s *Service) directoryGone(prefix string) {
	if c, ok := s.reg.ConnPrefix(prefix); ok {
		s.log.Info("directory reports peer gone", "prefix", prefix)
		s.cleanup(c)
	}
}
