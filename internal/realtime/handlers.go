package realtime

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/wavecast/wavecast/internal/auth"
	"github.com/wavecast/wavecast/internal/hub"
	"github.com/wavecast/wavecast/internal/ratelimit"
	"github.com/wavecast/wavecast/internal/tenant"
)

// dispatch routes one inbound frame. Runs on the read pump, so
// handlers execute serially per session.
func (s *Session) dispatch(msg *clientMsg) {
	switch msg.Event {
	case evtHeartbeat:
		s.handleHeartbeat(msg)
	case evtJoin:
		s.handleJoin(msg)
	case evtLeave:
		s.handleLeave(msg)
	case evtAccessToken:
		s.handleAccessToken(msg)
	case evtBroadcast:
		s.handleBroadcast(msg, "")
	case evtPresence:
		s.handlePresence(msg)
	default:
		// Custom events are broadcasts named by the frame event.
		s.handleBroadcast(msg, msg.Event)
	}
}

func (s *Session) handleHeartbeat(msg *clientMsg) {
	s.replyOK(msg, nil)
}

func (s *Session) handleJoin(msg *clientMsg) {
	joinRef := msg.JoinRef
	if joinRef == "" {
		joinRef = msg.Ref
	}

	var p joinPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			s.replyError(msg, "invalid join payload")
			return
		}
	}

	if !s.limiter.Allow(ratelimit.ClassJoins) {
		s.replyError(msg, "join rate limit exceeded")
		s.gw.metrics.RecordJoin(s.tenant, false)
		s.closeIfCoolingDown()
		return
	}

	if p.AccessToken != "" {
		claims, err := s.gw.verifier.Verify(s.node.Tenant(), p.AccessToken)
		if err != nil {
			s.replyError(msg, authReason(err))
			s.gw.metrics.RecordJoin(s.tenant, false)
			return
		}
		s.claims = claims
		s.advance(StateAuthenticated)
	}

	s.mu.Lock()
	_, rejoin := s.channels[msg.Topic]
	open := len(s.channels)
	s.mu.Unlock()
	if !rejoin && !s.limiter.AllowChannelOpen(open) {
		s.replyError(msg, "too many channels open")
		s.gw.metrics.RecordJoin(s.tenant, false)
		s.closeIfCoolingDown()
		return
	}

	private := p.Config.Private || s.gw.cfg.SecureChannels || s.node.Tenant().PrivateOnly
	if private {
		allowed, err := s.canRead(msg.Topic)
		if err != nil {
			s.logger.WithError(err).WithField("topic", msg.Topic).Warn("Authorization check failed")
			s.replyError(msg, "authorization check failed")
			s.gw.metrics.RecordJoin(s.tenant, false)
			return
		}
		if !allowed {
			s.replyError(msg, readDeniedReason(msg.Topic))
			s.gw.metrics.RecordJoin(s.tenant, false)
			return
		}
	}

	bindings, err := parseBindings(p.Config.PostgresChanges)
	if err != nil {
		s.replyError(msg, err.Error())
		s.gw.metrics.RecordJoin(s.tenant, false)
		return
	}

	subscribed := s.gw.hub.Subscribe(s.tenant, msg.Topic, s, hub.SubscribeConfig{
		Private:       private,
		SelfBroadcast: p.Config.Broadcast.Self,
		Role:          s.role(),
		Changes:       bindings,
	})

	presenceKey := p.Config.Presence.Key
	if presenceKey == "" {
		presenceKey = s.id
	}
	s.mu.Lock()
	s.channels[msg.Topic] = &channelState{
		topic:       msg.Topic,
		joinRef:     joinRef,
		private:     private,
		ack:         p.Config.Broadcast.Ack,
		presenceKey: presenceKey,
		bindings:    subscribed.Bindings,
	}
	s.mu.Unlock()
	s.advance(StateJoined)

	s.push(replyMsg(msg.Topic, joinRef, msg.Ref, statusOK, joinResponse(subscribed.Bindings)))
	s.pushSystem(msg.Topic, joinRef, len(subscribed.Bindings) > 0)
	s.gw.hub.SyncPresence(s.tenant, msg.Topic, s.id)

	s.logger.WithFields(logrus.Fields{
		"topic":   msg.Topic,
		"private": private,
	}).Debug("Channel joined")
}

func (s *Session) pushSystem(topic, joinRef string, changes bool) {
	payload := map[string]interface{}{
		"status":  statusOK,
		"message": sysSubscribed,
		"channel": topic,
	}
	if changes {
		payload["extension"] = "postgres_changes"
	}
	s.push(&serverMsg{Topic: topic, Event: evtSystem, Payload: payload, JoinRef: joinRef})
}

// handleLeave is idempotent: leaving an unjoined topic still gets an
// ok reply.
func (s *Session) handleLeave(msg *clientMsg) {
	s.mu.Lock()
	_, joined := s.channels[msg.Topic]
	delete(s.channels, msg.Topic)
	s.mu.Unlock()

	if joined {
		s.gw.hub.Unsubscribe(s.tenant, msg.Topic, s.id)
	}
	s.replyOK(msg, nil)
}

func (s *Session) handleBroadcast(msg *clientMsg, eventName string) {
	ch, joined := s.channel(msg.Topic)
	if !joined {
		s.replyError(msg, "not joined to topic")
		return
	}

	if !s.limiter.Allow(ratelimit.ClassEvents) {
		s.replyError(msg, "event rate limit exceeded")
		s.closeIfCoolingDown()
		return
	}

	payload := msg.Payload
	if eventName == "" {
		var push broadcastPush
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &push); err != nil {
				s.replyError(msg, "invalid broadcast payload")
				return
			}
		}
		eventName = push.Event
		payload = push.Payload
	}
	if eventName == "" {
		s.replyError(msg, "broadcast event name required")
		return
	}

	if ch.private {
		allowed, err := s.canWrite(msg.Topic)
		if err != nil {
			s.logger.WithError(err).WithField("topic", msg.Topic).Warn("Authorization check failed")
			s.replyError(msg, "authorization check failed")
			return
		}
		if !allowed {
			s.replyError(msg, writeDeniedReason(msg.Topic))
			return
		}
	}

	s.gw.hub.Broadcast(s.tenant, msg.Topic, evtBroadcast, broadcastEnvelope(eventName, payload), s.id)
	s.persistBroadcast(msg.Topic, eventName, payload, ch.private)

	if ch.ack {
		s.replyOK(msg, nil)
	}
}

func (s *Session) handlePresence(msg *clientMsg) {
	ch, joined := s.channel(msg.Topic)
	if !joined {
		s.replyError(msg, "not joined to topic")
		return
	}

	if !s.limiter.Allow(ratelimit.ClassEvents) {
		s.replyError(msg, "event rate limit exceeded")
		s.closeIfCoolingDown()
		return
	}

	var push presencePush
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &push); err != nil {
			s.replyError(msg, "invalid presence payload")
			return
		}
	}

	switch push.op() {
	case "track":
		meta := map[string]interface{}{}
		if len(push.Payload) > 0 {
			if err := json.Unmarshal(push.Payload, &meta); err != nil {
				s.replyError(msg, "invalid presence payload")
				return
			}
		}
		s.gw.hub.Track(s.tenant, msg.Topic, s.id, ch.presenceKey, meta)
		s.replyOK(msg, nil)
	case "untrack":
		s.gw.hub.Untrack(s.tenant, msg.Topic, s.id)
		s.replyOK(msg, nil)
	default:
		s.replyError(msg, "unknown presence event")
	}
}

// handleAccessToken rotates the session JWT in place. A token that no
// longer verifies ends the session; a token that verifies but loses
// access to a private topic force-leaves just that topic.
func (s *Session) handleAccessToken(msg *clientMsg) {
	var push accessTokenPush
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &push); err != nil {
			s.replyError(msg, "invalid access_token payload")
			return
		}
	}
	if push.AccessToken == "" {
		s.replyError(msg, "access_token required")
		return
	}

	claims, err := s.gw.verifier.Verify(s.node.Tenant(), push.AccessToken)
	if err != nil {
		s.replyError(msg, authReason(err))
		s.shutdown(CloseTokenExpired, "token rotation failed")
		return
	}
	s.claims = claims
	s.advance(StateAuthenticated)
	s.replyOK(msg, nil)

	s.mu.Lock()
	private := make([]*channelState, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.private {
			private = append(private, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range private {
		allowed, err := s.canRead(ch.topic)
		if err == nil && allowed {
			continue
		}
		if err != nil {
			s.logger.WithError(err).WithField("topic", ch.topic).Warn("Authorization check failed")
		}
		s.forceLeave(ch, "token_expired")
	}
}

// forceLeave evicts the session from one topic and tells the client
// the channel died so it can decide whether to rejoin.
func (s *Session) forceLeave(ch *channelState, reason string) {
	s.mu.Lock()
	delete(s.channels, ch.topic)
	s.mu.Unlock()
	s.gw.hub.Unsubscribe(s.tenant, ch.topic, s.id)
	s.push(&serverMsg{
		Topic:   ch.topic,
		Event:   evtError,
		Payload: errorReason(reason),
		JoinRef: ch.joinRef,
	})
	s.logger.WithFields(logrus.Fields{
		"topic":  ch.topic,
		"reason": reason,
	}).Info("Channel force-left")
}

func (s *Session) role() string {
	if s.claims == nil {
		return ""
	}
	return s.claims.Role()
}

// canRead resolves read authorization before any hub state is touched.
// A session with no claims cannot hold a policy, so it is denied
// without a probe.
func (s *Session) canRead(topic string) (bool, error) {
	if s.claims == nil {
		return false, nil
	}
	return s.gw.authorizer.CanRead(s.ctx, s.node, topic, s.claims)
}

func (s *Session) canWrite(topic string) (bool, error) {
	if s.claims == nil {
		return false, nil
	}
	return s.gw.authorizer.CanWrite(s.ctx, s.node, topic, s.claims)
}

func (s *Session) persistBroadcast(topic, event string, payload json.RawMessage, private bool) {
	persistBroadcast(s.ctx, s.node, topic, event, payload, private, s.logger)
}

// persistBroadcast appends the broadcast to the tenant's audit table
// when the tenant opted in. Runs after hub dispatch so persistence
// never delays fan-out.
func persistBroadcast(ctx context.Context, node *tenant.Node, topic, event string, payload json.RawMessage, private bool, logger *logrus.Entry) {
	if !node.Tenant().PersistBroadcasts || node.Pool == nil {
		return
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	_, err := node.Pool.Exec(pctx,
		`INSERT INTO realtime.messages (topic, event, payload, private) VALUES ($1, $2, $3, $4)`,
		topic, event, payload, private)
	if err != nil {
		logger.WithError(err).WithField("topic", topic).Warn("Broadcast not persisted")
	}
}

func authReason(err error) string {
	switch auth.KindOf(err) {
	case auth.KindExpired:
		return "token has expired"
	case auth.KindBadSignature:
		return "invalid token signature"
	case auth.KindBadFormat:
		return "malformed token"
	case auth.KindClaimMismatch:
		return "token claims rejected"
	default:
		return "token verification failed"
	}
}
