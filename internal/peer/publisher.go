package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/media"
	"github.com/meetkit/siege/internal/signaling"
)

const statusChannelLabel = "status"

// PublisherConfig configures a Publisher.
type PublisherConfig struct {
	Signaler Signaler
	Conn     MediaConn

	// Source provides the outgoing tracks. All publishers of a run share one
	// source.
	Source *media.Source

	// RoomType is the logical kind of this connection, "video" or "screen".
	RoomType string

	// WithStatusChannel opens the out-of-band status data channel used for
	// nick, mute and speaking notifications.
	WithStatusChannel bool

	ConnectWarningTimeout time.Duration
	DisconnectedGrace     time.Duration
	Logger                *slog.Logger
}

// Publisher pushes the local media source up to the relay. Each publisher
// needs an exclusive signaling session: the relay addresses the publisher
// leg with the session's own id, so two publishers on one session would
// receive each other's negotiation payloads.
type Publisher struct {
	*core
	source     *media.Source
	withStatus bool

	mu       sync.Mutex
	senders  map[webrtc.RTPCodecType]TrackSender
	status   DataSender
	onStatus func(payload []byte)
}

func NewPublisher(cfg PublisherConfig) *Publisher {
	p := &Publisher{
		core: newCore(coreOptions{
			Signaler:              cfg.Signaler,
			Conn:                  cfg.Conn,
			RoomType:              cfg.RoomType,
			ConnectWarningTimeout: cfg.ConnectWarningTimeout,
			DisconnectedGrace:     cfg.DisconnectedGrace,
			Logger:                cfg.Logger,
		}),
		source:  cfg.Source,
		senders: make(map[webrtc.RTPCodecType]TrackSender),
	}
	p.withStatus = cfg.WithStatusChannel
	p.core.onData = p.handleNegotiation
	return p
}

// Connect attaches the local tracks, sends the offer and waits for the
// connection to establish, at most for the warning timeout. The offer is
// addressed to the session's own id: the relay answers the publisher leg as
// that id.
func (p *Publisher) Connect(ctx context.Context) error {
	own, err := p.signaler.SessionID(ctx)
	if err != nil {
		return fmt.Errorf("peer: resolve own session id: %w", err)
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		track, err := p.source.Track(kind)
		if err != nil {
			return err
		}
		sender, err := p.conn.AddSendOnlyTrack(track)
		if err != nil {
			return fmt.Errorf("peer: attach %s track: %w", kind, err)
		}
		p.mu.Lock()
		p.senders[kind] = sender
		p.mu.Unlock()
	}

	if p.withStatus {
		status, err := p.conn.CreateDataChannel(statusChannelLabel)
		if err != nil {
			return fmt.Errorf("peer: open status channel: %w", err)
		}
		p.mu.Lock()
		p.status = status
		onStatus := p.onStatus
		p.mu.Unlock()
		if onStatus != nil {
			status.OnMessage(onStatus)
		}
	}

	p.bind(own)

	offer, err := p.conn.CreateOffer()
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := p.conn.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}
	if err := p.sendSessionDescription(offer); err != nil {
		return fmt.Errorf("peer: send offer: %w", err)
	}

	return p.WaitConnected(ctx)
}

func (p *Publisher) handleNegotiation(data signaling.Data) {
	if data.Type != signaling.DataTypeAnswer {
		return
	}
	var payload sessionDescriptionPayload
	if err := json.Unmarshal(data.Payload, &payload); err != nil {
		p.logger.Debug("discarding malformed answer", "err", err)
		return
	}
	if err := p.conn.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  payload.SDP,
	}); err != nil {
		p.logger.Warn("applying answer failed", "err", err)
	}
}

// Sender returns the attached sender handle for kind. Handles are captured
// at attach time, they do not depend on any transceiver ordering.
func (p *Publisher) Sender(kind webrtc.RTPCodecType) (TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sender, ok := p.senders[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSender, kind)
	}
	return sender, nil
}

// SetSentStreamEnabled stops or resumes sending the given kind by replacing
// the outgoing track with nil or the source track. No renegotiation happens.
func (p *Publisher) SetSentStreamEnabled(kind webrtc.RTPCodecType, enabled bool) error {
	sender, err := p.Sender(kind)
	if err != nil {
		return err
	}
	if !enabled {
		return sender.ReplaceTrack(nil)
	}
	track, err := p.source.Track(kind)
	if err != nil {
		return err
	}
	return sender.ReplaceTrack(track)
}

// SendStatus sends a payload on the out-of-band status channel.
func (p *Publisher) SendStatus(payload any) error {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status == nil {
		return ErrNoStatus
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("peer: encode status payload: %w", err)
	}
	return status.SendText(string(raw))
}

// OnStatusMessage runs fn for every payload arriving on the status channel.
// Registration works before or after Connect; on a publisher without a
// status channel fn is never called.
func (p *Publisher) OnStatusMessage(fn func(payload []byte)) {
	p.mu.Lock()
	p.onStatus = fn
	status := p.status
	p.mu.Unlock()
	if status != nil {
		status.OnMessage(fn)
	}
}

// OnStatusOpen runs fn once the status channel is open. A publisher without
// a status channel never calls fn.
func (p *Publisher) OnStatusOpen(fn func()) {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	if status != nil {
		status.OnOpen(fn)
	}
}
