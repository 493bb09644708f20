// Package realtime implements the client side of the Supabase Realtime
// protocol. It speaks Phoenix Protocol v1.0.0 over a single WebSocket and
// multiplexes postgres_changes, broadcast, and presence subscriptions
// across independent consumers.
package realtime

import (
	"encoding/json"
	"fmt"
)

// Phoenix Protocol v1.0.0 message format
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin        = "phx_join"
	EventLeave       = "phx_leave"
	EventHeartbeat   = "heartbeat"
	EventAccessToken = "access_token"
	EventBroadcast   = "broadcast"
	EventPresence    = "presence"
)

// Server events
const (
	EventReply         = "phx_reply"
	EventClose         = "phx_close"
	EventError         = "phx_error"
	EventSystem        = "system"
	EventPostgres      = "postgres_changes"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Phoenix topic for heartbeats
const TopicPhoenix = "phoenix"

// JoinConfig is sent inside the phx_join payload.
type JoinConfig struct {
	Broadcast       BroadcastConfig     `json:"broadcast"`
	Presence        PresenceConfig      `json:"presence"`
	PostgresChanges []PostgresChangeSub `json:"postgres_changes"`
	Private         bool                `json:"private"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Ack  bool `json:"ack"`  // wait for server ack
	Self bool `json:"self"` // receive own broadcasts
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Key string `json:"key"` // presence key (e.g., user ID)
}

// PostgresChangeSub describes one postgres_changes subscription.
type PostgresChangeSub struct {
	Event  string `json:"event"`  // INSERT, UPDATE, DELETE, *
	Schema string `json:"schema"` // "public"
	Table  string `json:"table"`  // table name or "*"
	Filter string `json:"filter"` // e.g., "receiver_id=eq.123"
}

// ChangeEvent represents a database change delivered by the server.
type ChangeEvent struct {
	Schema          string         `json:"schema"`
	Table           string         `json:"table"`
	CommitTimestamp string         `json:"commit_timestamp"`
	EventType       string         `json:"eventType"` // INSERT, UPDATE, DELETE
	New             map[string]any `json:"new"`
	Old             map[string]any `json:"old"`
	Errors          []string       `json:"errors"`
}

// NewJoinMessage builds a phx_join message for a topic. The join ref doubles
// as the message ref, matching what the hosted service expects.
func NewJoinMessage(topic, joinRef string, config JoinConfig, accessToken string) *Message {
	payload := map[string]any{
		"config": config,
	}
	if accessToken != "" {
		payload["access_token"] = accessToken
	}
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Payload: payload,
		Ref:     joinRef,
		JoinRef: joinRef,
	}
}

// NewLeaveMessage builds a phx_leave message.
func NewLeaveMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event:   EventLeave,
		Topic:   topic,
		Payload: map[string]any{},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewHeartbeatMessage builds a heartbeat on the phoenix topic.
func NewHeartbeatMessage(ref string) *Message {
	return &Message{
		Event:   EventHeartbeat,
		Topic:   TopicPhoenix,
		Payload: map[string]any{},
		Ref:     ref,
	}
}

// NewBroadcastMessage builds an outbound broadcast message.
func NewBroadcastMessage(topic, joinRef, ref, event string, payload map[string]any) *Message {
	return &Message{
		Event: EventBroadcast,
		Topic: topic,
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   event,
			"payload": payload,
		},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewPresenceTrackMessage builds a presence track message announcing the
// local client's payload.
func NewPresenceTrackMessage(topic, joinRef, ref string, payload map[string]any) *Message {
	return &Message{
		Event: EventPresence,
		Topic: topic,
		Payload: map[string]any{
			"type":    "presence",
			"event":   "track",
			"payload": payload,
		},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewPresenceUntrackMessage builds a presence untrack message.
func NewPresenceUntrackMessage(topic, joinRef, ref string) *Message {
	return &Message{
		Event: EventPresence,
		Topic: topic,
		Payload: map[string]any{
			"type":  "presence",
			"event": "untrack",
		},
		Ref:     ref,
		JoinRef: joinRef,
	}
}

// NewAccessTokenMessage builds an access_token refresh message.
func NewAccessTokenMessage(topic, ref, token string) *Message {
	return &Message{
		Event:   EventAccessToken,
		Topic:   topic,
		Payload: map[string]any{"access_token": token},
		Ref:     ref,
	}
}

// ParseReply extracts the status and response from a phx_reply payload.
func ParseReply(payload map[string]any) (status string, response map[string]any) {
	status, _ = payload["status"].(string)
	response, _ = payload["response"].(map[string]any)
	return status, response
}

// ParseChangePayload extracts the ChangeEvent from a postgres_changes payload.
func ParseChangePayload(payload map[string]any) (*ChangeEvent, error) {
	data, ok := payload["data"]
	if !ok {
		return nil, fmt.Errorf("postgres_changes payload missing data")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("re-encoding change data: %w", err)
	}
	var ev ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decoding change data: %w", err)
	}
	return &ev, nil
}

// ParseBroadcastPayload extracts the event name and inner payload from an
// inbound broadcast message.
func ParseBroadcastPayload(payload map[string]any) (event string, inner map[string]any) {
	event, _ = payload["event"].(string)
	inner, _ = payload["payload"].(map[string]any)
	return event, inner
}

// ParsePresenceState converts a presence_state payload into key -> metas.
func ParsePresenceState(payload map[string]any) map[string][]map[string]any {
	state := make(map[string][]map[string]any, len(payload))
	for key, raw := range payload {
		state[key] = parseMetas(raw)
	}
	return state
}

// ParsePresenceDiff extracts joins and leaves from a presence_diff payload.
func ParsePresenceDiff(payload map[string]any) (joins, leaves map[string][]map[string]any) {
	joins = parseDiffSide(payload["joins"])
	leaves = parseDiffSide(payload["leaves"])
	return joins, leaves
}

func parseDiffSide(raw any) map[string][]map[string]any {
	side, ok := raw.(map[string]any)
	if !ok {
		return map[string][]map[string]any{}
	}
	result := make(map[string][]map[string]any, len(side))
	for key, metas := range side {
		result[key] = parseMetas(metas)
	}
	return result
}

// parseMetas accepts either a bare list of metas or the Phoenix
// {"metas": [...]} wrapper; hosted servers send both shapes.
func parseMetas(raw any) []map[string]any {
	if wrapper, ok := raw.(map[string]any); ok {
		if inner, ok := wrapper["metas"]; ok {
			raw = inner
		}
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	metas := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			metas = append(metas, m)
		}
	}
	return metas
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	return &msg, nil
}
