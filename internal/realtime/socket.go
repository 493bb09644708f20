package realtime

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/przewozpl/przewoz/internal/log"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Heartbeat period expected by the hosted service
	heartbeatPeriod = 25 * time.Second

	// Maximum inbound message size
	maxMessageSize = 512 * 1024 // 512KB

	// Reconnect backoff bounds
	reconnectBaseWait = time.Second
	maxReconnectWait  = 30 * time.Second
)

// ErrSocketClosed is returned by sends after Close.
var ErrSocketClosed = fmt.Errorf("realtime: socket closed")

// ErrNotConnected is returned by sends while the socket is offline.
var ErrNotConnected = fmt.Errorf("realtime: not connected")

// Socket owns the single WebSocket connection to the realtime service and
// the set of client channels riding on it. It implements Transport.
type Socket struct {
	endpoint *url.URL

	mu       sync.RWMutex
	ws       *websocket.Conn
	token    string
	closed   bool
	writeMu  sync.Mutex
	chMu     sync.Mutex
	channels map[string]*Channel

	refCounter    atomic.Uint64
	done          chan struct{}
	closeOnce     sync.Once
	heartbeatOnce sync.Once
}

// NewSocket builds a socket for the given backend base URL and anon key.
// The realtime endpoint is derived the same way the hosted SDKs do:
// <base>/realtime/v1/websocket?apikey=<key>&vsn=1.0.0.
func NewSocket(baseURL, apikey string) (*Socket, error) {
	endpoint, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	switch endpoint.Scheme {
	case "http":
		endpoint.Scheme = "ws"
	case "https":
		endpoint.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", endpoint.Scheme)
	}

	endpoint = endpoint.JoinPath("realtime", "v1", "websocket")
	q := endpoint.Query()
	q.Set("apikey", apikey)
	q.Set("vsn", "1.0.0")
	endpoint.RawQuery = q.Encode()

	return &Socket{
		endpoint: endpoint,
		channels: make(map[string]*Channel),
		done:     make(chan struct{}),
	}, nil
}

// SetAuth installs the user's access token. Channels joined afterwards
// carry it in their join payload; already joined channels get an
// access_token refresh. Called on sign-in and sign-out only.
func (s *Socket) SetAuth(token string) {
	s.mu.Lock()
	s.token = token
	connected := s.ws != nil
	s.mu.Unlock()

	if !connected {
		return
	}
	for _, ch := range s.snapshotChannels() {
		if ch.State() != StateJoined {
			continue
		}
		msg := NewAccessTokenMessage(ch.Topic(), s.makeRef(), token)
		if err := s.push(msg); err != nil {
			log.Debug("realtime: token refresh failed", "topic", ch.Topic(), "error", err.Error())
		}
	}
}

// Connect dials the realtime endpoint and starts the read and heartbeat
// loops. Reconnection after a drop is automatic with capped backoff.
func (s *Socket) Connect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.Dial(s.endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", s.endpoint.Host, err)
	}
	ws.SetReadLimit(maxMessageSize)

	s.mu.Lock()
	s.ws = ws
	s.mu.Unlock()

	go s.readPump(ws)
	s.heartbeatOnce.Do(func() {
		go s.heartbeatLoop()
	})

	log.Info("realtime: connected", "host", s.endpoint.Host)
	return nil
}

// Close shuts the socket down permanently.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ws := s.ws
		s.ws = nil
		s.mu.Unlock()

		close(s.done)
		if ws != nil {
			ws.Close()
		}
	})
	return nil
}

// Channel returns the channel for a topic, creating it lazily.
func (s *Socket) Channel(topic string) TransportChannel {
	s.chMu.Lock()
	defer s.chMu.Unlock()

	if ch, ok := s.channels[topic]; ok && ch.State() != StateClosed {
		return ch
	}
	ch := newChannel(s, topic)
	s.channels[topic] = ch
	return ch
}

// RemoveChannel leaves and forgets a channel.
func (s *Socket) RemoveChannel(tc TransportChannel) {
	ch, ok := tc.(*Channel)
	if !ok {
		return
	}
	s.chMu.Lock()
	if current, found := s.channels[ch.Topic()]; found && current == ch {
		delete(s.channels, ch.Topic())
	}
	s.chMu.Unlock()
	ch.leave()
}

// makeRef returns the next message ref.
func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.refCounter.Add(1), 10)
}

// accessToken returns the current user token, if any.
func (s *Socket) accessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// push serializes and writes one message. gorilla connections allow a
// single concurrent writer, hence the write mutex.
func (s *Socket) push(msg *Message) error {
	s.mu.RLock()
	ws := s.ws
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return ErrSocketClosed
	}
	if ws == nil {
		return ErrNotConnected
	}

	data, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// readPump reads until the connection drops, then hands off to the
// reconnect loop unless the socket was closed deliberately.
func (s *Socket) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("realtime: read error", "error", err.Error())
			}
			s.handleDisconnect(ws)
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			log.Debug("realtime: invalid message", "error", err.Error(), "len", len(data))
			continue
		}
		s.route(msg)
	}
}

// route delivers an inbound message to its channel. Heartbeat replies
// arrive on the phoenix topic and are dropped here.
func (s *Socket) route(msg *Message) {
	if msg.Topic == TopicPhoenix {
		return
	}

	s.chMu.Lock()
	ch := s.channels[msg.Topic]
	s.chMu.Unlock()

	if ch == nil {
		log.Debug("realtime: message for unknown topic", "topic", msg.Topic, "event", msg.Event)
		return
	}
	ch.handleMessage(msg)
}

// heartbeatLoop keeps the connection alive. The hosted service drops
// connections that miss two heartbeat periods.
func (s *Socket) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.push(NewHeartbeatMessage(s.makeRef())); err != nil {
				if err == ErrSocketClosed {
					return
				}
				log.Debug("realtime: heartbeat failed", "error", err.Error())
			}
		case <-s.done:
			return
		}
	}
}

// handleDisconnect marks channels stalled and reconnects with backoff.
func (s *Socket) handleDisconnect(old *websocket.Conn) {
	s.mu.Lock()
	if s.closed || s.ws != old {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	s.mu.Unlock()

	for _, ch := range s.snapshotChannels() {
		ch.handleDisconnect()
	}

	attempt := 0
	for {
		attempt++
		wait := time.Duration(attempt) * reconnectBaseWait
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}

		select {
		case <-s.done:
			return
		case <-time.After(wait):
		}

		if err := s.Connect(); err != nil {
			log.Warn("realtime: reconnect failed", "attempt", attempt, "error", err.Error())
			continue
		}

		for _, ch := range s.snapshotChannels() {
			ch.rejoin()
		}
		return
	}
}

func (s *Socket) snapshotChannels() []*Channel {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}
