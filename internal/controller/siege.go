// Package controller sequences the load: publisher and subscriber ramp-up in
// siege mode, or a single virtual participant joining a room and call.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/backend"
	"github.com/meetkit/siege/internal/media"
	"github.com/meetkit/siege/internal/peer"
	"github.com/meetkit/siege/internal/signaling"
	"github.com/meetkit/siege/internal/state"
)

// controlSession is one signaling session as consumed here: the peer-facing
// signaler surface plus room binding and Close. *signaling.Session
// satisfies it.
type controlSession interface {
	peer.Signaler
	JoinRoom(ctx context.Context, token string) error
	Close() error
}

// publisherConn is the publisher surface the controller drives.
// *peer.Publisher satisfies it.
type publisherConn interface {
	Connect(ctx context.Context) error
	State() state.Extended
	OnExtendedStateChange(fn func(state.Extended)) (off func())
	SetSentStreamEnabled(kind webrtc.RTPCodecType, enabled bool) error
	SendStatus(payload any) error
	OnStatusMessage(fn func(payload []byte))
	Close() error
}

// subscriberConn is the subscriber surface the controller drives.
// *peer.Subscriber satisfies it.
type subscriberConn interface {
	Connect(ctx context.Context) error
	State() state.Extended
	OnExtendedStateChange(fn func(state.Extended)) (off func())
	PublisherSessionID() string
	Close() error
}

// settingsFetcher is the backend surface needed to open sessions.
// *backend.Client satisfies it.
type settingsFetcher interface {
	FetchSignalingSettings(ctx context.Context, token string) (signaling.Settings, []backend.ICEServer, error)
}

// roomClient adds the room/call membership operations and the configured
// user identity. *backend.Client satisfies it.
type roomClient interface {
	settingsFetcher
	signaling.RoomBackend
	User() string
}

// SiegeConfig configures a siege run.
type SiegeConfig struct {
	Backend   roomClient
	RoomToken string

	Publishers              int
	SubscribersPerPublisher int

	ConnectWarningTimeout time.Duration
	DisconnectedGrace     time.Duration

	Source *media.Source
	API    *webrtc.API
	Logger *slog.Logger
}

// Siege owns all connections of one load run. Ramp-up is intentionally
// sequential: one session fully initiated before the next begins, so the
// relay never sees a connection burst. Failures during ramp-up are logged
// and the iteration skipped; they never abort sibling connections.
type Siege struct {
	cfg    SiegeConfig
	logger *slog.Logger
	reg    *registry

	mu       sync.Mutex
	closed   bool
	watchers []func()

	// Factory seams; tests replace them to avoid real network and media
	// connections.
	newSession    func(ctx context.Context) (controlSession, []backend.ICEServer, error)
	newPublisher  func(sess controlSession, ice []backend.ICEServer) (publisherConn, error)
	newSubscriber func(sess controlSession, ice []backend.ICEServer, publisherSID string) (subscriberConn, error)
}

func NewSiege(cfg SiegeConfig) (*Siege, error) {
	if cfg.Backend == nil {
		return nil, errors.New("controller: backend is required")
	}
	if cfg.RoomToken == "" {
		return nil, errors.New("controller: room token is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("controller: media source is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Siege{
		cfg:    cfg,
		logger: logger,
		reg:    newRegistry(),
	}
	s.newSession = s.dialSession
	s.newPublisher = s.buildPublisher
	s.newSubscriber = s.buildSubscriber
	return s, nil
}

func (s *Siege) dialSession(ctx context.Context) (controlSession, []backend.ICEServer, error) {
	// Settings are fetched fresh for every session: tickets are single-use.
	settings, ice, err := s.cfg.Backend.FetchSignalingSettings(ctx, s.cfg.RoomToken)
	if err != nil {
		return nil, nil, err
	}
	sess, err := signaling.Dial(ctx, signaling.SessionConfig{
		Settings: settings,
		Backend:  s.cfg.Backend,
		Logger:   s.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, ice, nil
}

// bindGuestSession joins the session to the room when no user id is
// configured. The relay drops guest sessions that merely open a channel;
// user sessions carry their identity in the hello auth and need no binding.
func (s *Siege) bindGuestSession(ctx context.Context, sess controlSession) error {
	if s.cfg.Backend.User() != "" {
		return nil
	}
	return sess.JoinRoom(ctx, s.cfg.RoomToken)
}

func (s *Siege) buildPublisher(sess controlSession, ice []backend.ICEServer) (publisherConn, error) {
	conn, err := peer.NewConn(s.cfg.API, peer.ConnConfig{
		ICEServers: convertICEServers(ice),
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	return peer.NewPublisher(peer.PublisherConfig{
		Signaler:              sess,
		Conn:                  conn,
		Source:                s.cfg.Source,
		RoomType:              "video",
		ConnectWarningTimeout: s.cfg.ConnectWarningTimeout,
		DisconnectedGrace:     s.cfg.DisconnectedGrace,
		Logger:                s.logger,
	}), nil
}

func (s *Siege) buildSubscriber(sess controlSession, ice []backend.ICEServer, publisherSID string) (subscriberConn, error) {
	conn, err := peer.NewConn(s.cfg.API, peer.ConnConfig{
		ICEServers: convertICEServers(ice),
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	return peer.NewSubscriber(peer.SubscriberConfig{
		Signaler:              sess,
		Conn:                  conn,
		PublisherSessionID:    publisherSID,
		RoomType:              "video",
		ConnectWarningTimeout: s.cfg.ConnectWarningTimeout,
		DisconnectedGrace:     s.cfg.DisconnectedGrace,
		Logger:                s.logger,
	}), nil
}

// Setup ramps up all publishers, then all subscribers. The invariant after a
// fully successful run: P publishers, S subscriber sessions, P×S subscriber
// connections over P+S sessions in total.
func (s *Siege) Setup(ctx context.Context) error {
	s.cfg.Source.Start()

	if err := s.rampUpPublishers(ctx); err != nil {
		return err
	}
	return s.rampUpSubscribers(ctx)
}

func (s *Siege) rampUpPublishers(ctx context.Context) error {
	for i := 0; i < s.cfg.Publishers; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, ice, err := s.newSession(ctx)
		if err != nil {
			s.logger.Warn("opening publisher session failed, skipping",
				"publisher", i, "err", err)
			continue
		}
		sessionID, err := sess.SessionID(ctx)
		if err != nil {
			s.logger.Warn("publisher handshake failed, skipping",
				"publisher", i, "err", err)
			_ = sess.Close()
			continue
		}
		if err := s.bindGuestSession(ctx, sess); err != nil {
			s.logger.Warn("binding guest publisher session to room failed, skipping",
				"publisher", i, "session", sessionID, "err", err)
			_ = sess.Close()
			continue
		}

		pub, err := s.newPublisher(sess, ice)
		if err != nil {
			s.logger.Warn("building publisher failed, skipping",
				"publisher", i, "session", sessionID, "err", err)
			_ = sess.Close()
			continue
		}

		if err := pub.Connect(ctx); err != nil {
			// The connection keeps trying in the background; it stays
			// registered and monitored.
			s.logger.Warn("publisher not connected yet",
				"publisher", i, "session", sessionID, "err", err)
		}
		s.reg.addPublisher(sessionID, pub, sess)
		s.logger.Info("publisher ramped up", "publisher", i, "session", sessionID)
	}

	ids := s.reg.publisherSessionIDs()
	for i, pub := range s.reg.publisherSnapshot() {
		s.addWatcher(watchConnection(s.logger, "publisher", ids[i], pub))
	}
	return nil
}

func (s *Siege) rampUpSubscribers(ctx context.Context) error {
	// One session per iteration, shared by one subscriber per known
	// publisher. Sessions are the scarce resource; only publisher identity
	// needs an exclusive one.
	for i := 0; i < s.cfg.SubscribersPerPublisher; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		sess, ice, err := s.newSession(ctx)
		if err != nil {
			s.logger.Warn("opening subscriber session failed, skipping",
				"iteration", i, "err", err)
			continue
		}
		if _, err := sess.SessionID(ctx); err != nil {
			s.logger.Warn("subscriber handshake failed, skipping",
				"iteration", i, "err", err)
			_ = sess.Close()
			continue
		}
		if err := s.bindGuestSession(ctx, sess); err != nil {
			s.logger.Warn("binding guest subscriber session to room failed, skipping",
				"iteration", i, "err", err)
			_ = sess.Close()
			continue
		}
		s.reg.addSubscriberSession(sess)

		for _, publisherSID := range s.reg.publisherSessionIDs() {
			sub, err := s.newSubscriber(sess, ice, publisherSID)
			if err != nil {
				s.logger.Warn("building subscriber failed, skipping",
					"iteration", i, "publisher", publisherSID, "err", err)
				continue
			}
			s.reg.addSubscriber(sub)
		}
	}

	for _, sub := range s.reg.subscriberSnapshot() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sub.Connect(ctx); err != nil {
			s.logger.Warn("subscriber not connected yet",
				"publisher", sub.PublisherSessionID(), "err", err)
		}
	}

	for _, sub := range s.reg.subscriberSnapshot() {
		s.addWatcher(watchConnection(s.logger, "subscriber", sub.PublisherSessionID(), sub))
	}
	return nil
}

func (s *Siege) addWatcher(off func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, off)
}

// SessionCount reports how many signaling sessions are open.
func (s *Siege) SessionCount() int {
	return s.reg.sessionCount()
}

// CloseConnections closes and clears every subscriber, publisher and session
// and stops the shared media source. It is idempotent.
func (s *Siege) CloseConnections() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watchers := s.watchers
	s.watchers = nil
	s.mu.Unlock()

	for _, off := range watchers {
		off()
	}

	pubs, subs, sessions := s.reg.drain()
	for _, sub := range subs {
		_ = sub.Close()
	}
	for _, pub := range pubs {
		_ = pub.Close()
	}
	for _, sess := range sessions {
		_ = sess.Close()
	}
	s.cfg.Source.Stop()

	s.logger.Info("all connections closed",
		"publishers", len(pubs), "subscribers", len(subs), "sessions", len(sessions))
}

// SetAudioEnabled toggles audio content on the shared source.
func (s *Siege) SetAudioEnabled(enabled bool) {
	s.cfg.Source.SetAudioEnabled(enabled)
}

// SetVideoEnabled toggles video frames on the shared source.
func (s *Siege) SetVideoEnabled(enabled bool) {
	s.cfg.Source.SetVideoEnabled(enabled)
}

// SetSentAudioStreamEnabled replaces the outgoing audio track on every
// publisher, stopping or resuming the stream without renegotiation.
func (s *Siege) SetSentAudioStreamEnabled(enabled bool) {
	s.setSentStreamEnabled(webrtc.RTPCodecTypeAudio, enabled)
}

// SetSentVideoStreamEnabled replaces the outgoing video track on every
// publisher.
func (s *Siege) SetSentVideoStreamEnabled(enabled bool) {
	s.setSentStreamEnabled(webrtc.RTPCodecTypeVideo, enabled)
}

func (s *Siege) setSentStreamEnabled(kind webrtc.RTPCodecType, enabled bool) {
	for _, pub := range s.reg.publisherSnapshot() {
		if err := pub.SetSentStreamEnabled(kind, enabled); err != nil {
			s.logger.Warn("toggling sent stream failed",
				"media", kind.String(), "enabled", enabled, "err", err)
		}
	}
}

// CheckPublishersConnections tallies publisher connections by state
// category and logs the summary.
func (s *Siege) CheckPublishersConnections() HealthSummary {
	var summary HealthSummary
	for _, pub := range s.reg.publisherSnapshot() {
		summary.add(pub.State())
	}
	s.logger.Info("publishers health", summary.LogAttrs()...)
	return summary
}

// CheckSubscribersConnections tallies subscriber connections by state
// category and logs the summary.
func (s *Siege) CheckSubscribersConnections() HealthSummary {
	var summary HealthSummary
	for _, sub := range s.reg.subscriberSnapshot() {
		summary.add(sub.State())
	}
	s.logger.Info("subscribers health", summary.LogAttrs()...)
	return summary
}

func convertICEServers(servers []backend.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
