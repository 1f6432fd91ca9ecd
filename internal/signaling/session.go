package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// signalingEndpointPath is appended to the relay server URL advertised by
	// the room backend.
	signalingEndpointPath = "/ws"

	wsWriteWait = 5 * time.Second

	// errorCodeNotAllowed is reported by the relay when a session sends
	// messages it is not permitted to (most commonly sessions that are not
	// bound to any room on relays restricted to room traffic).
	errorCodeNotAllowed = "not_allowed"
)

var (
	ErrSessionClosed = errors.New("signaling: session closed")
	ErrNoBackend     = errors.New("signaling: no room backend configured")
)

// CallFlag is the capability bitmask sent to the room backend when joining a
// call.
type CallFlag int

const (
	CallFlagInCall    CallFlag = 1 << 0
	CallFlagWithAudio CallFlag = 1 << 1
	CallFlagWithVideo CallFlag = 1 << 2
)

// Settings is the connection-settings snapshot used to open one control
// channel: where the relay lives and how to authenticate against it. It is
// fetched fresh from the room backend for every session.
type Settings struct {
	// Server is the relay base URL as advertised by the backend (http(s) or
	// ws(s) scheme).
	Server string

	// UserID and Ticket authenticate the hello handshake. UserID may be empty
	// for guests.
	UserID string
	Ticket string

	// BackendAuthURL is the URL the relay itself uses to validate the ticket;
	// it is echoed inside the hello request.
	BackendAuthURL string
}

// RoomBackend is the room/membership collaborator consumed by room and call
// operations. It is external to this engine; only the calls below are used.
type RoomBackend interface {
	JoinRoom(ctx context.Context, token string) (membershipSessionID string, err error)
	LeaveRoom(ctx context.Context, token string) error
	JoinCall(ctx context.Context, token string, flags CallFlag) error
	LeaveCall(ctx context.Context, token string) error
}

// SessionConfig configures a Session.
type SessionConfig struct {
	Settings Settings

	// Backend is required for JoinRoom/JoinCall/LeaveCall/LeaveRoom only.
	Backend RoomBackend

	Logger *slog.Logger
}

// Session owns one control channel to the relay.
//
// A handshake is started as soon as the channel opens; SessionID blocks until
// the relay has answered it. Requests sent through sendAndAwait are correlated
// by a monotonically increasing id, so responses are matched to their
// originating request regardless of arrival order. Incoming frames without an
// id are dispatched to typed event subscribers.
type Session struct {
	settings Settings
	backend  RoomBackend
	logger   *slog.Logger
	conn     *websocket.Conn

	nextID atomic.Uint64

	writeMu sync.Mutex

	mu          sync.Mutex
	pending     map[string]chan ServerMessage
	handlers    map[messageType]map[int]func(ServerMessage)
	nextHandler int
	sessionID     string
	closeErr      error
	channelClosed bool

	helloDone chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// SignalingURL derives the websocket URL of the control channel from the
// backend-advertised server URL: http(s) becomes ws(s), trailing slashes are
// stripped and the signaling endpoint path is appended.
func SignalingURL(server string) string {
	url := server
	if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	url = strings.TrimRight(url, "/")
	return url + signalingEndpointPath
}

// Dial opens the control channel and starts the handshake. At most one
// handshake is ever outstanding per session; the resulting session id is
// immutable for the session's lifetime.
func Dial(ctx context.Context, cfg SessionConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	url := SignalingURL(cfg.Settings.Server)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	s := &Session{
		settings:  cfg.Settings,
		backend:   cfg.Backend,
		logger:    logger,
		conn:      conn,
		pending:   make(map[string]chan ServerMessage),
		handlers:  make(map[messageType]map[int]func(ServerMessage)),
		helloDone: make(chan struct{}),
		closed:    make(chan struct{}),
	}

	if err := s.sendHello(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	go s.readLoop()

	return s, nil
}

func (s *Session) sendHello() error {
	return s.send(&clientMessage{
		ID:   s.correlationID(),
		Type: messageTypeHello,
		Hello: &helloRequest{
			Version: protocolVersion,
			Auth: helloAuth{
				URL: s.settings.BackendAuthURL,
				Params: helloAuthParams{
					UserID: s.settings.UserID,
					Ticket: s.settings.Ticket,
				},
			},
		},
	})
}

// SessionID blocks until the handshake has completed and returns the session
// id issued by the relay. It fails if the channel closes first.
func (s *Session) SessionID(ctx context.Context) (string, error) {
	select {
	case <-s.helloDone:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sessionID, nil
	case <-s.closed:
		return "", s.closeError()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// send serializes and transmits a message, fire and forget.
func (s *Session) send(msg *clientMessage) error {
	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("signaling: write: %w", err)
	}
	return nil
}

// sendAndAwait assigns a correlation id, transmits the message and blocks
// until a frame carrying that id arrives. No timeout is imposed here; bound
// the wait through ctx.
func (s *Session) sendAndAwait(ctx context.Context, msg *clientMessage) (ServerMessage, error) {
	id := s.correlationID()
	msg.ID = id

	ch := make(chan ServerMessage, 1)
	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.send(msg); err != nil {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ServerMessage{}, err
	}

	select {
	case resp := <-ch:
		if resp.Type == messageTypeError && resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-s.closed:
		return ServerMessage{}, s.closeError()
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
		return ServerMessage{}, ctx.Err()
	}
}

func (s *Session) correlationID() string {
	return strconv.FormatUint(s.nextID.Add(1), 10)
}

// On subscribes fn to incoming frames whose type matches eventType and
// returns the matching unsubscribe function.
func (s *Session) On(eventType string, fn func(ServerMessage)) (off func()) {
	t := messageType(eventType)

	s.mu.Lock()
	id := s.nextHandler
	s.nextHandler++
	m := s.handlers[t]
	if m == nil {
		m = make(map[int]func(ServerMessage))
		s.handlers[t] = m
	}
	m[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if m := s.handlers[t]; m != nil {
			delete(m, id)
		}
		s.mu.Unlock()
	}
}

// OnMessage subscribes fn to relayed data frames. The sender session id is
// filled into Data.From when the payload itself does not carry it.
func (s *Session) OnMessage(fn func(Data)) (off func()) {
	return s.On(string(messageTypeMessage), func(msg ServerMessage) {
		if msg.Message == nil {
			return
		}
		var data Data
		if err := json.Unmarshal(msg.Message.Data, &data); err != nil {
			s.logger.Debug("discarding malformed relayed data", "err", err)
			return
		}
		if data.From == "" {
			data.From = msg.Message.Sender.SessionID
		}
		fn(data)
	})
}

// SendMessageToSession addresses a data payload to another session through
// the relay.
func (s *Session) SendMessageToSession(target string, data Data) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("signaling: encode data: %w", err)
	}
	return s.send(&clientMessage{
		Type: messageTypeMessage,
		Message: &messageRequest{
			Recipient: recipient{Type: "session", SessionID: target},
			Data:      raw,
		},
	})
}

// RequestOffer asks the publisher owning target to start negotiating with us.
func (s *Session) RequestOffer(target, roomType string) error {
	return s.SendMessageToSession(target, Data{
		Type:     DataTypeRequestOffer,
		RoomType: roomType,
	})
}

// JoinRoom joins the room's active-participant set on the backend and
// announces the binding to the relay using the membership session id the
// backend issued.
func (s *Session) JoinRoom(ctx context.Context, token string) error {
	if s.backend == nil {
		return ErrNoBackend
	}

	membershipSessionID, err := s.backend.JoinRoom(ctx, token)
	if err != nil {
		return fmt.Errorf("signaling: join room %q: %w", token, err)
	}

	if _, err := s.sendAndAwait(ctx, &clientMessage{
		Type: messageTypeRoom,
		Room: &roomRequest{RoomID: token, SessionID: membershipSessionID},
	}); err != nil {
		return fmt.Errorf("signaling: announce room %q: %w", token, err)
	}
	return nil
}

// LeaveRoom clears the relay-side room binding and leaves the room on the
// backend.
func (s *Session) LeaveRoom(ctx context.Context, token string) error {
	if s.backend == nil {
		return ErrNoBackend
	}

	if _, err := s.sendAndAwait(ctx, &clientMessage{
		Type: messageTypeRoom,
		Room: &roomRequest{RoomID: ""},
	}); err != nil {
		return fmt.Errorf("signaling: clear room binding: %w", err)
	}

	if err := s.backend.LeaveRoom(ctx, token); err != nil {
		return fmt.Errorf("signaling: leave room %q: %w", token, err)
	}
	return nil
}

// JoinCall joins the room's call with the given capability flags.
func (s *Session) JoinCall(ctx context.Context, token string, flags CallFlag) error {
	if s.backend == nil {
		return ErrNoBackend
	}
	if err := s.backend.JoinCall(ctx, token, flags); err != nil {
		return fmt.Errorf("signaling: join call %q: %w", token, err)
	}
	return nil
}

// LeaveCall leaves the room's call.
func (s *Session) LeaveCall(ctx context.Context, token string) error {
	if s.backend == nil {
		return ErrNoBackend
	}
	if err := s.backend.LeaveCall(ctx, token); err != nil {
		return fmt.Errorf("signaling: leave call %q: %w", token, err)
	}
	return nil
}

// Close sends a best-effort bye and closes the channel. It is idempotent and
// safe to call at any point of the session's lifecycle.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		_ = s.send(&clientMessage{Type: messageTypeBye, Bye: &byeRequest{}})
		s.shutdown(ErrSessionClosed)
		_ = s.conn.Close()
	})
	return nil
}

func (s *Session) shutdown(err error) {
	s.mu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	// Pending waiters unblock through the closed channel.
	s.pending = make(map[string]chan ServerMessage)
	alreadyClosed := s.channelClosed
	s.channelClosed = true
	s.mu.Unlock()

	if !alreadyClosed {
		close(s.closed)
	}
}

func (s *Session) closeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return s.closeErr
	}
	return ErrSessionClosed
}

func (s *Session) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("control channel closed", "err", err)
			}
			s.shutdown(fmt.Errorf("%w: %v", ErrSessionClosed, err))
			return
		}

		var msg ServerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Debug("discarding malformed control frame", "err", err)
			continue
		}

		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg ServerMessage) {
	if msg.Type == messageTypeHello && msg.Hello != nil {
		s.mu.Lock()
		first := s.sessionID == ""
		if first {
			s.sessionID = msg.Hello.SessionID
		}
		s.mu.Unlock()
		if first {
			close(s.helloDone)
		}
	}

	if msg.Type == messageTypeError && msg.Error != nil {
		s.logError(msg.Error)
	}

	if msg.ID != "" {
		s.mu.Lock()
		ch, ok := s.pending[msg.ID]
		if ok {
			delete(s.pending, msg.ID)
		}
		s.mu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	s.mu.Lock()
	var fns []func(ServerMessage)
	for _, fn := range s.handlers[msg.Type] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
}

// logError surfaces relay error events. These are informational: no session
// state changes and nothing is retried.
func (s *Session) logError(e *Error) {
	if e.Code == errorCodeNotAllowed {
		s.logger.Warn("relay rejected a message: operation not permitted",
			"code", e.Code,
			"message", e.Message,
			"hint", `sessions outside a room need "allowall = true" in the relay backend configuration`,
		)
		return
	}
	s.logger.Warn("relay reported error", "code", e.Code, "message", e.Message)
}
