// SPDX-License-Identifier: GPL-2.0-only

// Package clients accepts and maintains the long-lived control connections
// from client agents. It owns connection handles exclusively; everything the
// rest of the system learns about clients arrives through the Handler.
package clients

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/MatthiasValvekens/usbip-orchestrator/wire"
)

// ErrNotConnected is returned by Send when no live connection exists for the
// client. The caller decides whether and when to retry.
var ErrNotConnected = errors.New("client not connected")

// Handler receives connection lifecycle events and acknowledgements. Calls
// are made from per-connection reader goroutines; implementations must be
// safe for concurrent use.
type Handler interface {
	ClientConnected(clientId string)
	ClientDisconnected(clientId string)
	AckReceived(clientId, busId string, transition uint64, ok bool)
}

// ClientInfo is the manager's record of a client, kept for display even
// while the client is disconnected.
type ClientInfo struct {
	ClientID   string
	RemoteAddr string
	Connected  bool
	LastSeen   time.Time
}

// Config carries the connection timing knobs.
type Config struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 15 * time.Second
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	return c
}

type clientConn struct {
	id   string
	conn net.Conn

	writeMu sync.Mutex
	done    chan struct{}
}

func (cc *clientConn) write(msg wire.Message, timeout time.Duration) error {
	cc.writeMu.Lock()
	defer cc.writeMu.Unlock()
	if err := cc.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return wire.WriteMessage(cc.conn, msg)
}

type Manager struct {
	mu    sync.Mutex
	conns map[string]*clientConn
	seen  map[string]ClientInfo

	cfg     Config
	handler Handler
	logger  log.Logger

	connectedGauge prometheus.Gauge
	sendFailures   prometheus.Counter
}

func NewManager(cfg Config, handler Handler, logger log.Logger, reg prometheus.Registerer) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	m := &Manager{
		conns:   make(map[string]*clientConn),
		seen:    make(map[string]ClientInfo),
		cfg:     cfg.withDefaults(),
		handler: handler,
		logger:  logger,
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbip_orchestrator_connected_clients",
			Help: "The number of client agents currently connected.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbip_orchestrator_send_failures_total",
			Help: "The total number of failed command sends to clients.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connectedGauge, m.sendFailures)
	}
	return m
}

// Serve accepts client connections until the listener is closed.
func (m *Manager) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		go m.ServeConn(conn)
	}
}

// ServeConn runs the handshake and read loop for one client connection and
// blocks until the connection dies or is replaced.
func (m *Manager) ServeConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout)); err != nil {
		return
	}
	msg, err := wire.ReadMessage(conn)
	if err != nil {
		_ = level.Debug(m.logger).Log("msg", "handshake read failed", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	hello, ok := msg.(wire.Hello)
	if !ok {
		_ = level.Warn(m.logger).Log("msg", "client spoke before handshake; dropping", "remote", conn.RemoteAddr())
		return
	}
	clientId := strings.ToLower(strings.TrimSpace(hello.ClientID))
	if errs := validation.IsDNS1123Subdomain(clientId); len(errs) > 0 {
		_ = level.Warn(m.logger).Log("msg", "rejecting client with invalid id", "id", hello.ClientID, "remote", conn.RemoteAddr())
		return
	}

	cc := &clientConn{id: clientId, conn: conn, done: make(chan struct{})}
	m.register(cc)
	_ = level.Info(m.logger).Log("msg", "client connected", "id", clientId, "remote", conn.RemoteAddr())
	m.handler.ClientConnected(clientId)

	go m.heartbeat(cc)
	m.readLoop(cc)

	close(cc.done)
	if m.unregister(cc) {
		_ = level.Info(m.logger).Log("msg", "client disconnected", "id", clientId)
		m.handler.ClientDisconnected(clientId)
	}
}

// register installs the connection as the client's current one. Newest wins:
// an existing connection for the same id is closed first and its reader
// exits without emitting a disconnect.
func (m *Manager) register(cc *clientConn) {
	m.mu.Lock()
	if old, exists := m.conns[cc.id]; exists {
		_ = level.Info(m.logger).Log("msg", "replacing existing connection for client", "id", cc.id)
		_ = old.conn.Close()
	}
	m.conns[cc.id] = cc
	m.seen[cc.id] = ClientInfo{
		ClientID:   cc.id,
		RemoteAddr: cc.conn.RemoteAddr().String(),
		Connected:  true,
		LastSeen:   time.Now(),
	}
	m.connectedGauge.Set(float64(len(m.conns)))
	m.mu.Unlock()
}

// unregister removes the connection if it is still the current one for its
// client id and reports whether that made the client disconnected.
func (m *Manager) unregister(cc *clientConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[cc.id] != cc {
		return false
	}
	delete(m.conns, cc.id)
	info := m.seen[cc.id]
	info.Connected = false
	m.seen[cc.id] = info
	m.connectedGauge.Set(float64(len(m.conns)))
	return true
}

func (m *Manager) touch(clientId string) {
	m.mu.Lock()
	if info, ok := m.seen[clientId]; ok {
		info.LastSeen = time.Now()
		m.seen[clientId] = info
	}
	m.mu.Unlock()
}

func (m *Manager) readLoop(cc *clientConn) {
	for {
		if err := cc.conn.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatTimeout)); err != nil {
			return
		}
		msg, err := wire.ReadMessage(cc.conn)
		if err != nil {
			_ = level.Debug(m.logger).Log("msg", "read from client failed", "id", cc.id, "err", err)
			return
		}
		m.touch(cc.id)
		switch frame := msg.(type) {
		case wire.Ack:
			m.handler.AckReceived(cc.id, frame.BusID, frame.Transition, frame.OK)
		case wire.Pong:
			// keepalive only
		case wire.Ping:
			if err := cc.write(wire.Pong{}, m.cfg.SendTimeout); err != nil {
				return
			}
		default:
			_ = level.Warn(m.logger).Log("msg", "unexpected frame from client; dropping connection", "id", cc.id)
			return
		}
	}
}

func (m *Manager) heartbeat(cc *clientConn) {
	t := time.NewTicker(m.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-cc.done:
			return
		case <-t.C:
			if err := cc.write(wire.Ping{}, m.cfg.SendTimeout); err != nil {
				_ = cc.conn.Close()
				return
			}
		}
	}
}

// Send delivers one command to the client, fire-and-forget: the
// acknowledgement arrives later through the Handler. There are no retries
// here; retry policy belongs to the orchestrator, which knows whether the
// command is still wanted.
func (m *Manager) Send(clientId string, msg wire.Message) error {
	m.mu.Lock()
	cc := m.conns[clientId]
	m.mu.Unlock()
	if cc == nil {
		return ErrNotConnected
	}
	if err := cc.write(msg, m.cfg.SendTimeout); err != nil {
		m.sendFailures.Inc()
		_ = cc.conn.Close()
		return errors.Wrapf(err, "failed to send to client %s", clientId)
	}
	return nil
}

func (m *Manager) IsConnected(clientId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[clientId]
	return ok
}

// Clients returns every client ever seen, sorted by id.
func (m *Manager) Clients() []ClientInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ClientInfo, 0, len(m.seen))
	for _, info := range m.seen {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
