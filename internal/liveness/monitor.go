// Package liveness supervises a bidirectional connection: it watches for
// silence, sends heartbeat probes and closes connections that stop answering.
package liveness

import (
	"context"
	"errors"
	"sync"
	"time"

	"marketfeed/internal/metrics"
	"marketfeed/logger"

	"github.com/gorilla/websocket"
)

const (
	defaultProbeInterval = 20 * time.Second
	defaultProbeGrace    = 10 * time.Second
)

// State is the liveness state of one connection.
type State int32

const (
	Active State = iota
	AwaitingProbeResponse
	Failed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case AwaitingProbeResponse:
		return "awaiting_probe_response"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Probe is a heartbeat payload. MessageType uses the gorilla/websocket
// message type numbering (TextMessage, PingMessage, ...).
type Probe struct {
	MessageType int
	Payload     []byte
}

// ProbeFactory builds the probe sent on every idle period.
type ProbeFactory func() Probe

// Conn is the subset of a websocket connection the monitor wraps.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config controls idle detection for a single connection.
type Config struct {
	// Name labels logs and metrics, usually the vendor.
	Name string
	// ObserveOutbound makes successful writes count as activity.
	ObserveOutbound bool
	// ProbeInterval is the silence after which a probe is sent.
	ProbeInterval time.Duration
	// ProbeGrace is the additional time allowed for an answer to the probe.
	ProbeGrace time.Duration
	// ProbeMessage builds the probe; a websocket ping frame when nil.
	ProbeMessage ProbeFactory
}

func (c Config) withDefaults() Config {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = defaultProbeInterval
	}
	if c.ProbeGrace <= 0 {
		c.ProbeGrace = defaultProbeGrace
	}
	if c.Name == "" {
		c.Name = "connection"
	}
	return c
}

type action int

const (
	actionWait action = iota
	actionProbe
	actionFail
)

// Monitor wraps a Conn. Reads and writes must go through the monitor so it
// can observe traffic. A Monitor supervises exactly one connection; after
// Failed a new connection needs a new Monitor.
type Monitor struct {
	conn Conn
	cfg  Config
	log  *logger.Entry

	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	lastInbound  time.Time
	lastOutbound time.Time
	probeSentAt  time.Time
	paused       int
	err          error

	failed    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	started   sync.Once
}

// New wraps conn. Call Start to begin supervision.
func New(conn Conn, cfg Config, log *logger.Log) *Monitor {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.GetLogger()
	}
	now := time.Now()
	return &Monitor{
		conn:         conn,
		cfg:          cfg,
		log:          log.WithComponent("liveness").WithFields(logger.Fields{"name": cfg.Name}),
		lastInbound:  now,
		lastOutbound: now,
		failed:       make(chan struct{}),
		closed:       make(chan struct{}),
	}
}

// Start launches the timer goroutine. Cancelling ctx closes the connection.
func (m *Monitor) Start(ctx context.Context) {
	m.started.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	timer := time.NewTimer(m.cfg.ProbeInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-m.closed:
			return
		case <-timer.C:
			next, act := m.tick(time.Now())
			switch act {
			case actionProbe:
				if err := m.sendProbe(); err != nil {
					m.fail(err)
					return
				}
			case actionFail:
				m.fail(nil)
				return
			}
			timer.Reset(next)
		}
	}
}

// tick evaluates the state machine at now and returns the delay until the
// next evaluation.
func (m *Monitor) tick(now time.Time) (time.Duration, action) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.paused > 0 && m.state != Failed {
		return m.cfg.ProbeInterval, actionWait
	}

	switch m.state {
	case Active:
		idle := now.Sub(m.lastActivity())
		if idle < m.cfg.ProbeInterval {
			return m.cfg.ProbeInterval - idle, actionWait
		}
		m.state = AwaitingProbeResponse
		m.probeSentAt = now
		return m.cfg.ProbeGrace, actionProbe
	case AwaitingProbeResponse:
		deadline := m.probeSentAt.Add(m.cfg.ProbeGrace)
		if now.Before(deadline) {
			return deadline.Sub(now), actionWait
		}
		return 0, actionFail
	default:
		return 0, actionWait
	}
}

func (m *Monitor) lastActivity() time.Time {
	if m.cfg.ObserveOutbound && m.lastOutbound.After(m.lastInbound) {
		return m.lastOutbound
	}
	return m.lastInbound
}

func (m *Monitor) sendProbe() error {
	probe := Probe{MessageType: websocket.PingMessage}
	if m.cfg.ProbeMessage != nil {
		probe = m.cfg.ProbeMessage()
	}
	m.writeMu.Lock()
	err := m.conn.WriteMessage(probe.MessageType, probe.Payload)
	m.writeMu.Unlock()
	if err != nil {
		return err
	}
	metrics.ProbeSent(m.cfg.Name)
	m.log.Debug("connection idle, probe sent")
	return nil
}

func (m *Monitor) fail(cause error) {
	m.mu.Lock()
	if m.state == Failed || m.isClosed() {
		m.mu.Unlock()
		return
	}
	m.state = Failed
	m.err = &FailureError{
		Name:        m.cfg.Name,
		LastInbound: m.lastInbound,
		ProbeSentAt: m.probeSentAt,
		Cause:       cause,
	}
	err := m.err
	m.mu.Unlock()

	m.closeOnce.Do(func() {
		close(m.closed)
		_ = m.conn.Close()
	})
	close(m.failed)

	metrics.LivenessFailure(m.cfg.Name)
	m.log.WithError(err).Warn("connection declared dead, closed")
}

func (m *Monitor) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// ObserveInbound records inbound traffic that does not pass through
// ReadMessage, such as pong control frames.
func (m *Monitor) ObserveInbound() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Failed {
		return
	}
	m.lastInbound = time.Now()
	if m.state == AwaitingProbeResponse {
		m.state = Active
	}
}

// Pause suspends idle detection while the owner is deliberately not
// reading, for example while it waits for a slow consumer. Calls nest; each
// Pause needs a matching Resume.
func (m *Monitor) Pause() {
	m.mu.Lock()
	m.paused++
	m.mu.Unlock()
}

// Resume ends a Pause. The idle period restarts from now, so a connection is
// only probed after ProbeInterval of silence following the resume.
func (m *Monitor) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.paused == 0 {
		return
	}
	m.paused--
	if m.paused > 0 || m.state == Failed {
		return
	}
	m.lastInbound = time.Now()
	if m.state == AwaitingProbeResponse {
		m.state = Active
	}
}

// ReadMessage reads the next message from the connection. After a liveness
// failure it returns the *FailureError instead of the transport error.
func (m *Monitor) ReadMessage() (int, []byte, error) {
	mt, data, err := m.conn.ReadMessage()
	if err != nil {
		if ferr := m.Err(); ferr != nil {
			return 0, nil, ferr
		}
		return mt, data, err
	}
	m.ObserveInbound()
	return mt, data, nil
}

// WriteMessage writes to the connection. Writes are serialized with probes.
func (m *Monitor) WriteMessage(messageType int, data []byte) error {
	if err := m.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	err := m.conn.WriteMessage(messageType, data)
	m.writeMu.Unlock()
	if err == nil && m.cfg.ObserveOutbound {
		m.mu.Lock()
		m.lastOutbound = time.Now()
		m.mu.Unlock()
	}
	return err
}

// Close stops supervision and closes the connection without raising a
// liveness failure.
func (m *Monitor) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)
		err = m.conn.Close()
	})
	return err
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Failed is closed once the monitor enters Failed.
func (m *Monitor) Failed() <-chan struct{} { return m.failed }

// Err returns the *FailureError once Failed, nil otherwise.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// IsFailure reports whether err is a liveness failure.
func IsFailure(err error) bool { return errors.Is(err, ErrLivenessFailure) }
