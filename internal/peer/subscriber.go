package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/signaling"
)

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	Signaler Signaler
	Conn     MediaConn

	// PublisherSessionID is the session whose stream this subscriber pulls.
	// Multiple subscribers to different publishers can share one signaling
	// session.
	PublisherSessionID string

	// RoomType is the logical kind of this connection, "video" or "screen".
	RoomType string

	ConnectWarningTimeout time.Duration
	DisconnectedGrace     time.Duration
	Logger                *slog.Logger
}

// Subscriber pulls a publisher's stream from the relay. The subscriber asks
// the publisher's leg for an offer and answers it.
type Subscriber struct {
	*core
	publisherSID  string
	onRemoteTrack func(*webrtc.TrackRemote)
}

func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	s := &Subscriber{
		core: newCore(coreOptions{
			Signaler:              cfg.Signaler,
			Conn:                  cfg.Conn,
			RoomType:              cfg.RoomType,
			ConnectWarningTimeout: cfg.ConnectWarningTimeout,
			DisconnectedGrace:     cfg.DisconnectedGrace,
			Logger:                cfg.Logger,
		}),
		publisherSID: cfg.PublisherSessionID,
	}
	s.core.onData = s.handleNegotiation
	s.conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if s.onRemoteTrack != nil {
			s.onRemoteTrack(track)
		}
	})
	return s
}

// PublisherSessionID returns the session id of the publisher this subscriber
// is bound to.
func (s *Subscriber) PublisherSessionID() string { return s.publisherSID }

// OnRemoteTrack registers fn for incoming tracks. It must be called before
// Connect.
func (s *Subscriber) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	s.onRemoteTrack = fn
}

// Connect requests an offer from the publisher's leg and waits for the
// connection to establish, at most for the warning timeout.
func (s *Subscriber) Connect(ctx context.Context) error {
	// The request is only delivered after the handshake completed.
	if _, err := s.signaler.SessionID(ctx); err != nil {
		return fmt.Errorf("peer: resolve own session id: %w", err)
	}

	s.bind(s.publisherSID)

	if err := s.signaler.RequestOffer(s.publisherSID, s.roomType); err != nil {
		return fmt.Errorf("peer: request offer: %w", err)
	}

	return s.WaitConnected(ctx)
}

func (s *Subscriber) handleNegotiation(data signaling.Data) {
	if data.Type != signaling.DataTypeOffer {
		return
	}
	var payload sessionDescriptionPayload
	if err := json.Unmarshal(data.Payload, &payload); err != nil {
		s.logger.Debug("discarding malformed offer", "err", err)
		return
	}

	if err := s.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  payload.SDP,
	}); err != nil {
		s.logger.Warn("applying offer failed", "err", err)
		return
	}
	answer, err := s.conn.CreateAnswer()
	if err != nil {
		s.logger.Warn("creating answer failed", "err", err)
		return
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		s.logger.Warn("setting local description failed", "err", err)
		return
	}
	if err := s.sendSessionDescription(answer); err != nil {
		s.logger.Warn("sending answer failed", "err", err)
	}
}
