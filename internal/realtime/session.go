package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/auth"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/tenant"
)

// State tracks the session lifecycle. Transitions are monotonic; a
// session never moves backwards.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// writeWait bounds a single frame write to a slow peer.
	writeWait = 10 * time.Second
	// closeWait bounds the close handshake; pending work past it is
	// abandoned.
	closeWait = time.Second
	// persistTimeout bounds the optional broadcast audit insert.
	persistTimeout = 2 * time.Second
)

// channelState is the session-side record of one joined topic.
type channelState struct {
	topic       string
	joinRef     string
	private     bool
	ack         bool
	presenceKey string
	bindings    []hub.ChangeBinding
}

// Session is one websocket connection. The read pump executes inbound
// frames serially; the write pump drains the outbound queue. All other
// goroutines reach the session only through Enqueue, Kick and shutdown,
// none of which block.
type Session struct {
	id     string
	tenant string
	node   *tenant.Node
	conn   *websocket.Conn
	gw     *Gateway

	limiter *ratelimit.Limiter
	logger  *logrus.Entry

	// claims is owned by the read pump: set at connect, replaced by
	// access_token frames, read by frame handlers.
	claims *auth.Claims

	mu       sync.Mutex
	channels map[string]*channelState

	out        chan []byte
	outBytes   atomic.Int64
	queueBytes int64

	state       atomic.Int32
	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string

	ctx    context.Context
	cancel context.CancelFunc
}

func newSession(gw *Gateway, node *tenant.Node, conn *websocket.Conn, id string, claims *auth.Claims) *Session {
	depth := gw.cfg.Session.QueueDepth
	if depth <= 0 {
		depth = 1000
	}
	queueBytes := int64(gw.cfg.Session.QueueBytes)
	if queueBytes <= 0 {
		queueBytes = 1 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	externalID := node.Tenant().ExternalID
	s := &Session{
		id:         id,
		tenant:     externalID,
		node:       node,
		conn:       conn,
		gw:         gw,
		limiter:    gw.limits.For(node.Tenant()),
		claims:     claims,
		channels:   make(map[string]*channelState),
		out:        make(chan []byte, depth),
		queueBytes: queueBytes,
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		logger: gw.logger.WithFields(logrus.Fields{
			"tenant":  externalID,
			"session": id,
		}),
	}
	if claims != nil {
		s.advance(StateAuthenticated)
	}
	return s
}

// Ref is the hub subscriber identity.
func (s *Session) Ref() string {
	return s.id
}

// ID returns the session ref, also used as the default presence key.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) advance(to State) {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Enqueue queues a hub envelope for delivery. Never blocks: a full
// queue or exhausted byte budget reports false and the hub drops the
// subscriber as a slow consumer.
func (s *Session) Enqueue(e *hub.Envelope) bool {
	return s.send(&serverMsg{
		Topic:   e.Topic,
		Event:   e.Event,
		Payload: e.Payload,
		JoinRef: s.joinRefFor(e.Topic),
	})
}

// Kick force-closes the session on behalf of the hub.
func (s *Session) Kick(reason string) {
	code := websocket.CloseGoingAway
	if reason == hub.KickSlowConsumer {
		code = CloseSlowConsumer
	}
	s.shutdown(code, reason)
}

func (s *Session) joinRefFor(topic string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok {
		return ch.joinRef
	}
	return ""
}

func (s *Session) channel(topic string) (*channelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[topic]
	return ch, ok
}

// send marshals and queues one frame without blocking.
func (s *Session) send(m *serverMsg) bool {
	data, err := json.Marshal(m)
	if err != nil {
		s.logger.WithError(err).Error("Outbound frame not encodable")
		return true
	}
	if s.outBytes.Load()+int64(len(data)) > s.queueBytes {
		return false
	}
	select {
	case <-s.done:
		// Closing: the frame would never flush anyway.
		return true
	case s.out <- data:
		s.outBytes.Add(int64(len(data)))
		return true
	default:
		return false
	}
}

// push queues a session-originated frame (replies, system messages).
// Overflow here means the session cannot even keep up with its own
// control traffic, so it is closed as a slow consumer.
func (s *Session) push(m *serverMsg) {
	if !s.send(m) {
		s.gw.metrics.RecordDrop(s.tenant, hub.KickSlowConsumer)
		s.shutdown(CloseSlowConsumer, "outbound queue overflow")
	}
}

func (s *Session) replyOK(msg *clientMsg, response interface{}) {
	s.push(replyMsg(msg.Topic, s.joinRefFor(msg.Topic), msg.Ref, statusOK, response))
}

func (s *Session) replyError(msg *clientMsg, reason string) {
	s.push(replyMsg(msg.Topic, s.joinRefFor(msg.Topic), msg.Ref, statusError, errorReason(reason)))
}

// shutdown records the close code once and signals both pumps. Safe
// from any goroutine.
func (s *Session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		s.advance(StateClosing)
		close(s.done)
	})
}

// run drives the session to completion: the write pump in its own
// goroutine, the read pump on the caller's.
func (s *Session) run() {
	go s.writePump()
	s.readPump()
}

func (s *Session) readPump() {
	defer s.teardown()

	maxFrame := s.gw.cfg.Session.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = 1 << 20
	}
	s.conn.SetReadLimit(maxFrame)

	interval := s.gw.cfg.Session.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	// The client heartbeats every interval; twice that with no frame
	// at all means the peer is gone.
	silence := 2 * interval

	for {
		s.conn.SetReadDeadline(time.Now().Add(silence))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.closeOnReadError(err)
			return
		}
		s.node.Touch()
		s.gw.metrics.RecordFrameIn(s.tenant, len(data))

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.WithError(err).Debug("Dropping malformed frame")
			continue
		}
		if !s.limiter.AllowN(ratelimit.ClassBytesIn, int64(len(data))) {
			s.replyError(&msg, "byte rate limit exceeded")
			s.closeIfCoolingDown()
			continue
		}
		s.dispatch(&msg)
	}
}

func (s *Session) closeOnReadError(err error) {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		s.shutdown(CloseHeartbeatTimeout, "heartbeat timeout")
	case errors.Is(err, websocket.ErrReadLimit):
		s.shutdown(websocket.CloseMessageTooBig, "frame too large")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.shutdown(websocket.CloseNormalClosure, "client closed")
	default:
		s.shutdown(websocket.CloseAbnormalClosure, "connection lost")
	}
}

func (s *Session) writePump() {
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			deadline := time.Now().Add(closeWait)
			s.conn.SetWriteDeadline(deadline)
			s.flushPending()
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeReason), deadline)
			return
		case data := <-s.out:
			s.outBytes.Add(-int64(len(data)))
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.shutdown(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			s.gw.metrics.RecordFrameOut(s.tenant, len(data))
			if !s.limiter.AllowN(ratelimit.ClassBytesOut, int64(len(data))) {
				s.closeIfCoolingDown()
			}
		}
	}
}

// flushPending drains frames queued before the close signal so error
// replies reach the peer ahead of the close frame. The write deadline
// is already set; a peer that stopped reading fails fast here.
func (s *Session) flushPending() {
	for {
		select {
		case data := <-s.out:
			if s.conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) closeIfCoolingDown() {
	if s.limiter.InCooldown() {
		s.shutdown(CloseRateLimited, "rate limit cooldown")
	}
}

// teardown runs once the read pump exits: every joined topic is left,
// which emits presence leaves, then the session slot is released.
func (s *Session) teardown() {
	s.shutdown(websocket.CloseAbnormalClosure, "connection lost")
	s.cancel()

	s.mu.Lock()
	channels := s.channels
	s.channels = make(map[string]*channelState)
	s.mu.Unlock()
	for topic := range channels {
		s.gw.hub.Unsubscribe(s.tenant, topic, s.id)
	}

	s.gw.sessions.remove(s)
	s.node.DetachSession()
	s.advance(StateClosed)
	s.gw.metrics.SessionClosed(s.tenant, s.closeReason)
	s.logger.WithFields(logrus.Fields{
		"code":   s.closeCode,
		"reason": s.closeReason,
	}).Info("Session closed")
}
