package realtime

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecast/wavecast/internal/config"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/tenant"
)

func withSecureChannels(cfg *config.Config) {
	cfg.SecureChannels = true
}

// session waits for a live session of the tenant and returns it.
func (e *testEnv) session(t *testing.T, externalID string) *Session {
	t.Helper()
	var s *Session
	require.Eventually(t, func() bool {
		e.gw.sessions.mu.Lock()
		defer e.gw.sessions.mu.Unlock()
		for _, sess := range e.gw.sessions.tenants[externalID] {
			s = sess
			return true
		}
		return false
	}, time.Second, 10*time.Millisecond)
	return s
}

// collectUntilReply reads frames until the reply for ref arrives,
// returning everything received before it. A heartbeat makes a cheap
// barrier: anything dispatched earlier must already be in the queue.
func (c *wsClient) collectUntilReply(ref string) []*serverMsg {
	c.t.Helper()
	var frames []*serverMsg
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := c.recv()
		if m.Event == evtReply && m.Ref == ref {
			return frames
		}
		frames = append(frames, m)
	}
	c.t.Fatalf("no reply for ref %s", ref)
	return nil
}

func countEvent(frames []*serverMsg, event string) int {
	n := 0
	for _, m := range frames {
		if m.Event == event {
			n++
		}
	}
	return n
}

func TestSelfBroadcastRoundTrip(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	reply := c.join("topic:X", map[string]interface{}{
		"broadcast": map[string]interface{}{"self": true, "ack": true},
	}, "")
	require.Equal(t, statusOK, replyStatus(t, reply))

	sys := c.recvEvent(evtSystem)
	sysPayload, ok := sys.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, sysSubscribed, sysPayload["message"])
	assert.Equal(t, "topic:X", sysPayload["channel"])

	state := c.recvEvent("presence_state")
	assert.Equal(t, map[string]interface{}{}, state.Payload)

	ref := c.send("topic:X", evtBroadcast, map[string]interface{}{
		"event":   "E",
		"payload": map[string]interface{}{"m": "v"},
	})

	got := c.recvEvent(evtBroadcast)
	payload, ok := got.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "E", payload["event"])
	assert.Equal(t, map[string]interface{}{"m": "v"}, payload["payload"])
	assert.Equal(t, "broadcast", payload["type"])

	ack := c.recvEvent(evtReply)
	assert.Equal(t, ref, ack.Ref)
	assert.Equal(t, statusOK, replyStatus(t, ack))
}

func TestBroadcastFanOutExcludesSender(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	a := env.dial(t, "acme", mintToken(t, "authenticated"))
	b := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, a.join("topic:Y", nil, "")))
	require.Equal(t, statusOK, replyStatus(t, b.join("topic:Y", nil, "")))

	a.send("topic:Y", evtBroadcast, map[string]interface{}{
		"event":   "E",
		"payload": map[string]interface{}{"m": "v"},
	})

	// Exactly one delivery at the other subscriber.
	ref := b.send("phoenix", evtHeartbeat, map[string]interface{}{})
	assert.Equal(t, 1, countEvent(b.collectUntilReply(ref), evtBroadcast))

	// None at the sender without config.broadcast.self.
	ref = a.send("phoenix", evtHeartbeat, map[string]interface{}{})
	assert.Equal(t, 0, countEvent(a.collectUntilReply(ref), evtBroadcast))
}

func TestCustomEventIsBroadcast(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	a := env.dial(t, "acme", mintToken(t, "authenticated"))
	b := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, a.join("room:7", nil, "")))
	require.Equal(t, statusOK, replyStatus(t, b.join("room:7", nil, "")))

	a.send("room:7", "cursor_move", map[string]interface{}{"x": 3.5})

	got := b.recvEvent(evtBroadcast)
	payload, ok := got.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "cursor_move", payload["event"])
	assert.Equal(t, map[string]interface{}{"x": 3.5}, payload["payload"])
}

func TestBroadcastRequiresJoin(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	c.send("topic:N", evtBroadcast, map[string]interface{}{"event": "E"})
	reply := c.recvEvent(evtReply)
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Equal(t, "not joined to topic", replyReason(t, reply))
}

func TestPrivateTopicDenied(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "anon"))

	reply := c.join("topic:Z", map[string]interface{}{"private": true}, "")
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Equal(t,
		"You do not have permissions to read from this Channel topic: topic:Z",
		replyReason(t, reply))
}

func TestTokenRotationThenRejoin(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	env.authz.allow("authenticated", "topic:Z", true, true)
	c := env.dial(t, "acme", mintToken(t, "anon"))

	denied := c.join("topic:Z", map[string]interface{}{"private": true}, "")
	require.Equal(t, statusError, replyStatus(t, denied))

	ref := c.send("topic:Z", evtAccessToken, map[string]interface{}{
		"access_token": mintToken(t, "authenticated"),
	})
	rotated := c.recvEvent(evtReply)
	require.Equal(t, ref, rotated.Ref)
	require.Equal(t, statusOK, replyStatus(t, rotated))

	joined := c.join("topic:Z", map[string]interface{}{"private": true}, "")
	require.Equal(t, statusOK, replyStatus(t, joined))
	sys := c.recvEvent(evtSystem)
	payload, ok := sys.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, sysSubscribed, payload["message"])
}

func TestJoinPayloadTokenAuthenticates(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	env.authz.allow("authenticated", "topic:Z", true, false)
	c := env.dial(t, "acme", "")

	reply := c.join("topic:Z", map[string]interface{}{"private": true}, mintToken(t, "authenticated"))
	assert.Equal(t, statusOK, replyStatus(t, reply))
}

func TestAnonymousPrivateJoinDenied(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", "")

	// Public topics accept tokenless sessions.
	require.Equal(t, statusOK, replyStatus(t, c.join("lobby", nil, "")))

	reply := c.join("secret", map[string]interface{}{"private": true}, "")
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Equal(t,
		"You do not have permissions to read from this Channel topic: secret",
		replyReason(t, reply))
}

func TestSecureChannelsForcesPrivate(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")}, withSecureChannels)
	c := env.dial(t, "acme", mintToken(t, "anon"))

	reply := c.join("open:topic", nil, "")
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Equal(t,
		"You do not have permissions to read from this Channel topic: open:topic",
		replyReason(t, reply))
}

func TestTokenRotationInvalidTokenCloses(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	c.send("phoenix", evtAccessToken, map[string]interface{}{"access_token": "garbage"})
	reply := c.recvEvent(evtReply)
	assert.Equal(t, statusError, replyStatus(t, reply))
	c.expectClose(CloseTokenExpired)
}

func TestTokenRotationForceLeavesRevokedTopic(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	env.authz.allow("authenticated", "topic:Z", true, true)
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, c.join("topic:Z", map[string]interface{}{"private": true}, "")))

	c.send("phoenix", evtAccessToken, map[string]interface{}{
		"access_token": mintToken(t, "viewer"),
	})

	errFrame := c.recvEvent(evtError)
	assert.Equal(t, "topic:Z", errFrame.Topic)
	payload, ok := errFrame.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "token_expired", payload["reason"])

	// The topic is gone for this session.
	c.send("topic:Z", evtBroadcast, map[string]interface{}{"event": "E"})
	reply := c.recvEvent(evtReply)
	assert.Equal(t, "not joined to topic", replyReason(t, reply))
}

func TestPrivateBroadcastWriteDenied(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	env.authz.allow("authenticated", "topic:W", true, false)
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, c.join("topic:W", map[string]interface{}{"private": true}, "")))

	c.send("topic:W", evtBroadcast, map[string]interface{}{"event": "E"})
	reply := c.recvEvent(evtReply)
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Equal(t,
		"You do not have permissions to write to this Channel topic: topic:W",
		replyReason(t, reply))
}

func TestPresenceTrackAndUntrack(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	a := env.dial(t, "acme", mintToken(t, "authenticated"))
	b := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, a.join("topic:P", map[string]interface{}{
		"presence": map[string]interface{}{"key": "alice"},
	}, "")))
	require.Equal(t, statusOK, replyStatus(t, b.join("topic:P", nil, "")))

	a.send("topic:P", evtPresence, map[string]interface{}{
		"event":   "track",
		"payload": map[string]interface{}{"status": "online"},
	})

	diff := b.recvEvent("presence_diff")
	payload, ok := diff.Payload.(map[string]interface{})
	require.True(t, ok)
	joins, ok := payload["joins"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, joins, "alice")
	entry := joins["alice"].(map[string]interface{})
	metas := entry["metas"].([]interface{})
	require.Len(t, metas, 1)
	meta := metas[0].(map[string]interface{})
	assert.Equal(t, "online", meta["status"])
	assert.NotEmpty(t, meta["phx_ref"])

	// A late joiner sees the merged state, not just diffs.
	c := env.dial(t, "acme", mintToken(t, "authenticated"))
	require.Equal(t, statusOK, replyStatus(t, c.join("topic:P", nil, "")))
	state := c.recvEvent("presence_state")
	statePayload, ok := state.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, statePayload, "alice")

	a.send("topic:P", evtPresence, map[string]interface{}{"event": "untrack"})
	leaveDiff := b.recvEvent("presence_diff")
	leavePayload := leaveDiff.Payload.(map[string]interface{})
	leaves, ok := leavePayload["leaves"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, leaves, "alice")
}

func TestPresenceLeavesOnDisconnect(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	a := env.dial(t, "acme", mintToken(t, "authenticated"))
	b := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, a.join("topic:P", map[string]interface{}{
		"presence": map[string]interface{}{"key": "alice"},
	}, "")))
	require.Equal(t, statusOK, replyStatus(t, b.join("topic:P", nil, "")))

	a.send("topic:P", evtPresence, map[string]interface{}{"event": "track"})
	b.recvEvent("presence_diff")

	a.conn.Close()

	leaveDiff := b.recvEvent("presence_diff")
	payload := leaveDiff.Payload.(map[string]interface{})
	leaves, ok := payload["leaves"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, leaves, "alice")
}

func TestPostgresChangesDelivery(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	reply := c.join("db:orders", map[string]interface{}{
		"postgres_changes": []map[string]interface{}{
			{"event": "INSERT", "schema": "public", "table": "orders", "filter": "id=eq.42"},
		},
	}, "")
	require.Equal(t, statusOK, replyStatus(t, reply))

	payload := reply.Payload.(map[string]interface{})
	response := payload["response"].(map[string]interface{})
	specs, ok := response["postgres_changes"].([]interface{})
	require.True(t, ok)
	require.Len(t, specs, 1)
	spec := specs[0].(map[string]interface{})
	bindingID := spec["id"].(float64)
	assert.Greater(t, bindingID, float64(0))
	assert.Equal(t, "id=eq.42", spec["filter"])

	for _, id := range []float64{41, 42, 43} {
		env.hub.EmitCDC("acme", &hub.Change{
			Schema:          "public",
			Table:           "orders",
			Operation:       "INSERT",
			Record:          map[string]interface{}{"id": id},
			CommitTimestamp: time.Now(),
		}, nil)
	}

	ref := c.send("phoenix", evtHeartbeat, map[string]interface{}{})
	frames := c.collectUntilReply(ref)
	require.Equal(t, 1, countEvent(frames, "postgres_changes"))
	for _, m := range frames {
		if m.Event != "postgres_changes" {
			continue
		}
		body := m.Payload.(map[string]interface{})
		ids := body["ids"].([]interface{})
		assert.Contains(t, ids, bindingID)
		data := body["data"].(map[string]interface{})
		record := data["record"].(map[string]interface{})
		assert.Equal(t, float64(42), record["id"])
	}
}

func TestJoinRejectsBindingWithoutTable(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	reply := c.join("db:bad", map[string]interface{}{
		"postgres_changes": []map[string]interface{}{{"event": "INSERT", "schema": "public"}},
	}, "")
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Contains(t, replyReason(t, reply), "table")
}

func TestLeaveIsIdempotent(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	reply := c.recvEventAfter(c.send("nowhere", evtLeave, map[string]interface{}{}))
	assert.Equal(t, statusOK, replyStatus(t, reply))

	require.Equal(t, statusOK, replyStatus(t, c.join("room:1", nil, "")))
	reply = c.recvEventAfter(c.send("room:1", evtLeave, map[string]interface{}{}))
	assert.Equal(t, statusOK, replyStatus(t, reply))

	c.send("room:1", evtBroadcast, map[string]interface{}{"event": "E"})
	errReply := c.recvEvent(evtReply)
	assert.Equal(t, "not joined to topic", replyReason(t, errReply))
}

// recvEventAfter reads until the reply matching ref.
func (c *wsClient) recvEventAfter(ref string) *serverMsg {
	c.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m := c.recv()
		if m.Event == evtReply && m.Ref == ref {
			return m
		}
	}
	c.t.Fatalf("no reply for ref %s", ref)
	return nil
}

func TestRejoinReplacesSubscription(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	cfg := map[string]interface{}{"broadcast": map[string]interface{}{"self": true}}
	require.Equal(t, statusOK, replyStatus(t, c.join("room:1", cfg, "")))
	require.Equal(t, statusOK, replyStatus(t, c.join("room:1", cfg, "")))

	c.send("room:1", evtBroadcast, map[string]interface{}{"event": "E"})
	ref := c.send("phoenix", evtHeartbeat, map[string]interface{}{})
	assert.Equal(t, 1, countEvent(c.collectUntilReply(ref), evtBroadcast))
}

func TestChannelCapEnforced(t *testing.T) {
	capped := testTenant("acme")
	capped.MaxChannelsPerClient = 1
	env := newTestEnv(t, []*tenant.Tenant{capped})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	require.Equal(t, statusOK, replyStatus(t, c.join("room:1", nil, "")))

	reply := c.join("room:2", nil, "")
	assert.Equal(t, statusError, replyStatus(t, reply))
	assert.Equal(t, "too many channels open", replyReason(t, reply))

	// Rejoining an open channel does not count against the cap.
	require.Equal(t, statusOK, replyStatus(t, c.join("room:1", nil, "")))
}

func TestEnqueueOverflow(t *testing.T) {
	base := logrus.New()
	base.SetLevel(logrus.PanicLevel)
	logger := base.WithField("component", "test")
	env := &hub.Envelope{Topic: "room", Event: evtBroadcast, Payload: map[string]interface{}{"k": "v"}}

	s := &Session{
		id:         "s1",
		out:        make(chan []byte, 2),
		queueBytes: 1 << 20,
		done:       make(chan struct{}),
		channels:   make(map[string]*channelState),
		logger:     logger,
	}
	assert.True(t, s.Enqueue(env))
	assert.True(t, s.Enqueue(env))
	assert.False(t, s.Enqueue(env), "queue depth exhausted")

	tiny := &Session{
		id:         "s2",
		out:        make(chan []byte, 64),
		queueBytes: 8,
		done:       make(chan struct{}),
		channels:   make(map[string]*channelState),
		logger:     logger,
	}
	assert.False(t, tiny.Enqueue(env), "byte budget exhausted")

	closing := &Session{
		id:         "s3",
		out:        make(chan []byte),
		queueBytes: 1 << 20,
		done:       make(chan struct{}),
		channels:   make(map[string]*channelState),
		logger:     logger,
	}
	close(closing.done)
	assert.True(t, closing.Enqueue(env), "closing sessions absorb frames silently")
}

func TestKickSlowConsumerCloseCode(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	s := env.session(t, "acme")
	s.Kick(hub.KickSlowConsumer)
	c.expectClose(CloseSlowConsumer)

	require.Eventually(t, func() bool { return env.gw.Sessions() == 0 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, StateClosed, s.State())
}

func TestKickDefaultsToGoingAway(t *testing.T) {
	env := newTestEnv(t, []*tenant.Tenant{testTenant("acme")})
	c := env.dial(t, "acme", mintToken(t, "authenticated"))

	env.session(t, "acme").Kick("ownership_moved")
	c.expectClose(websocket.CloseGoingAway)
}

func TestSessionStates(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "joined", StateJoined.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(99).String())
}
