package realtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wavecast/wavecast/internal/hub"
)

// Inbound frame events. Anything outside this set is treated as a
// custom broadcast event pushed on a joined topic.
const (
	evtJoin        = "phx_join"
	evtLeave       = "phx_leave"
	evtHeartbeat   = "heartbeat"
	evtAccessToken = "access_token"
	evtBroadcast   = "broadcast"
	evtPresence    = "presence"
)

// Outbound frame events.
const (
	evtReply  = "phx_reply"
	evtError  = "phx_error"
	evtSystem = "system"
)

const (
	statusOK    = "ok"
	statusError = "error"
)

// sysSubscribed is the system lifecycle message confirming a join.
const sysSubscribed = "SUBSCRIBED"

// Close codes sent when the server ends a session. 1000-range codes
// come from RFC 6455; the 4000 range is application-defined.
const (
	CloseHeartbeatTimeout = 4000
	CloseTokenExpired     = 4001
	CloseSlowConsumer     = 4002
	CloseRateLimited      = 4003
	CloseTenantSuspended  = 4004
)

// clientMsg is one frame read off the socket. Payload stays raw until
// the event handler knows its shape.
type clientMsg struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref"`
}

// serverMsg is one frame queued for the socket, marshalled once at
// enqueue time so delivery never re-reads shared payloads.
type serverMsg struct {
	Topic   string      `json:"topic"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload"`
	Ref     string      `json:"ref,omitempty"`
	JoinRef string      `json:"join_ref,omitempty"`
}

func replyMsg(topic, joinRef, ref, status string, response interface{}) *serverMsg {
	if response == nil {
		response = map[string]interface{}{}
	}
	return &serverMsg{
		Topic:   topic,
		Event:   evtReply,
		Payload: map[string]interface{}{"status": status, "response": response},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

func errorReason(reason string) map[string]interface{} {
	return map[string]interface{}{"reason": reason}
}

func readDeniedReason(topic string) string {
	return "You do not have permissions to read from this Channel topic: " + topic
}

func writeDeniedReason(topic string) string {
	return "You do not have permissions to write to this Channel topic: " + topic
}

// joinPayload is the recognized phx_join body.
type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token"`
}

type joinConfig struct {
	Broadcast       broadcastOpts `json:"broadcast"`
	Presence        presenceOpts  `json:"presence"`
	Private         bool          `json:"private"`
	PostgresChanges []changeSpec  `json:"postgres_changes"`
}

type broadcastOpts struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type presenceOpts struct {
	Key string `json:"key"`
}

// changeSpec is one requested postgres_changes binding.
type changeSpec struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter"`
}

// parseBindings validates the requested change subscriptions. Schema
// defaults to public and event to *; the table must be named because
// the hub indexes bindings by (schema, table, operation).
func parseBindings(specs []changeSpec) ([]hub.ChangeBinding, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	bindings := make([]hub.ChangeBinding, 0, len(specs))
	for _, spec := range specs {
		schema := spec.Schema
		if schema == "" {
			schema = "public"
		}
		if spec.Table == "" {
			return nil, fmt.Errorf("postgres_changes subscription requires a table")
		}
		event := strings.ToUpper(spec.Event)
		if event == "" {
			event = "*"
		}
		switch event {
		case "*", "INSERT", "UPDATE", "DELETE":
		default:
			return nil, fmt.Errorf("unknown postgres_changes event %q", spec.Event)
		}
		filter, err := hub.ParseFilter(spec.Filter)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, hub.ChangeBinding{
			Event:  event,
			Schema: schema,
			Table:  spec.Table,
			Filter: filter,
		})
	}
	return bindings, nil
}

// joinResponse echoes the accepted bindings with their assigned ids so
// the client can map postgres_changes deliveries back.
func joinResponse(bindings []hub.ChangeBinding) map[string]interface{} {
	if len(bindings) == 0 {
		return map[string]interface{}{}
	}
	out := make([]map[string]interface{}, 0, len(bindings))
	for _, b := range bindings {
		entry := map[string]interface{}{
			"id":     b.ID,
			"event":  b.Event,
			"schema": b.Schema,
			"table":  b.Table,
		}
		if b.Filter != nil {
			entry["filter"] = b.Filter.Column + "=" + b.Filter.Op + "." + b.Filter.Value
		}
		out = append(out, entry)
	}
	return map[string]interface{}{"postgres_changes": out}
}

// broadcastPush is the body of an inbound broadcast frame.
type broadcastPush struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// presencePush is the body of an inbound presence frame. Clients send
// the operation under either key.
type presencePush struct {
	Event   string          `json:"event"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (p presencePush) op() string {
	if p.Event != "" {
		return strings.ToLower(p.Event)
	}
	return strings.ToLower(p.Type)
}

// accessTokenPush is the body of an inbound access_token frame.
type accessTokenPush struct {
	AccessToken string `json:"access_token"`
}

// broadcastEnvelope is the wire payload delivered to subscribers for a
// broadcast: the custom event name rides inside the payload while the
// frame event stays "broadcast".
func broadcastEnvelope(event string, payload json.RawMessage) map[string]interface{} {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	return map[string]interface{}{
		"type":    "broadcast",
		"event":   event,
		"payload": payload,
	}
}
