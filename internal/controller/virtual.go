package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/backend"
	"github.com/meetkit/siege/internal/media"
	"github.com/meetkit/siege/internal/participant"
	"github.com/meetkit/siege/internal/peer"
	"github.com/meetkit/siege/internal/signaling"
)

// Out-of-band status message types exchanged over the publisher's status
// data channel. They never traverse the signaling control channel and are
// not mirrored into the room's membership system.
const (
	statusNickChanged     = "nickChanged"
	statusAudioOn         = "audioOn"
	statusAudioOff        = "audioOff"
	statusVideoOn         = "videoOn"
	statusVideoOff        = "videoOff"
	statusSpeaking        = "speaking"
	statusStoppedSpeaking = "stoppedSpeaking"
)

type statusMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// virtualSession adds the call and room-leave operations to a control
// session. *signaling.Session satisfies it.
type virtualSession interface {
	controlSession
	LeaveRoom(ctx context.Context, token string) error
	JoinCall(ctx context.Context, token string, flags signaling.CallFlag) error
	LeaveCall(ctx context.Context, token string) error
}

// VirtualConfig configures a virtual participant.
type VirtualConfig struct {
	Backend   roomClient
	RoomToken string
	GuestName string

	// Audio/Video select the call capability flags and whether a publisher
	// is created at all.
	Audio bool
	Video bool

	Source *media.Source
	API    *webrtc.API

	ConnectWarningTimeout time.Duration
	DisconnectedGrace     time.Duration
	Logger                *slog.Logger
}

// VirtualParticipant is a single party that joins a room and its call,
// optionally publishes media, and exchanges out-of-band status messages
// with the other parties.
type VirtualParticipant struct {
	cfg    VirtualConfig
	logger *slog.Logger
	local  *participant.LocalModel

	mu          sync.Mutex
	session     virtualSession
	publisher   publisherConn
	offMessages func()
	offWatch    func()
	remotes     map[string]*participant.Model
	joined      bool

	// Factory seams for tests.
	newSession   func(ctx context.Context) (virtualSession, []backend.ICEServer, error)
	newPublisher func(sess controlSession, ice []backend.ICEServer) (publisherConn, error)
}

func NewVirtualParticipant(cfg VirtualConfig) (*VirtualParticipant, error) {
	if cfg.Backend == nil {
		return nil, errors.New("controller: backend is required")
	}
	if cfg.RoomToken == "" {
		return nil, errors.New("controller: room token is required")
	}
	if (cfg.Audio || cfg.Video) && cfg.Source == nil {
		return nil, errors.New("controller: media source is required when publishing")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	v := &VirtualParticipant{
		cfg:    cfg,
		logger: logger,
		local: participant.NewLocalModel(participant.LocalConfig{
			GuestName: cfg.GuestName,
			Logger:    logger,
		}),
		remotes: make(map[string]*participant.Model),
	}
	v.newSession = v.dialSession
	v.newPublisher = v.buildPublisher
	return v, nil
}

// Local returns the local participant model.
func (v *VirtualParticipant) Local() *participant.LocalModel { return v.local }

func (v *VirtualParticipant) dialSession(ctx context.Context) (virtualSession, []backend.ICEServer, error) {
	settings, ice, err := v.cfg.Backend.FetchSignalingSettings(ctx, v.cfg.RoomToken)
	if err != nil {
		return nil, nil, err
	}
	sess, err := signaling.Dial(ctx, signaling.SessionConfig{
		Settings: settings,
		Backend:  v.cfg.Backend,
		Logger:   v.logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, ice, nil
}

func (v *VirtualParticipant) buildPublisher(sess controlSession, ice []backend.ICEServer) (publisherConn, error) {
	conn, err := peer.NewConn(v.cfg.API, peer.ConnConfig{
		ICEServers: convertICEServers(ice),
		Logger:     v.logger,
	})
	if err != nil {
		return nil, err
	}
	return peer.NewPublisher(peer.PublisherConfig{
		Signaler:              sess,
		Conn:                  conn,
		Source:                v.cfg.Source,
		RoomType:              "video",
		WithStatusChannel:     true,
		ConnectWarningTimeout: v.cfg.ConnectWarningTimeout,
		DisconnectedGrace:     v.cfg.DisconnectedGrace,
		Logger:                v.logger,
	}), nil
}

func (v *VirtualParticipant) callFlags() signaling.CallFlag {
	flags := signaling.CallFlagInCall
	if v.cfg.Audio {
		flags |= signaling.CallFlagWithAudio
	}
	if v.cfg.Video {
		flags |= signaling.CallFlagWithVideo
	}
	return flags
}

// Join opens the session, joins the room and its call and, when audio or
// video is enabled, connects a publisher carrying the status channel.
func (v *VirtualParticipant) Join(ctx context.Context) error {
	v.mu.Lock()
	if v.joined {
		v.mu.Unlock()
		return nil
	}
	v.mu.Unlock()

	sess, ice, err := v.newSession(ctx)
	if err != nil {
		return fmt.Errorf("controller: open session: %w", err)
	}
	if _, err := sess.SessionID(ctx); err != nil {
		_ = sess.Close()
		return fmt.Errorf("controller: handshake: %w", err)
	}

	// Guests are dropped by the relay unless the session is bound to the
	// room; users need the binding anyway to appear in the call.
	if err := sess.JoinRoom(ctx, v.cfg.RoomToken); err != nil {
		_ = sess.Close()
		return err
	}
	if err := sess.JoinCall(ctx, v.cfg.RoomToken, v.callFlags()); err != nil {
		_ = sess.LeaveRoom(ctx, v.cfg.RoomToken)
		_ = sess.Close()
		return err
	}

	var pub publisherConn
	if v.cfg.Audio || v.cfg.Video {
		v.cfg.Source.SetAudioEnabled(v.cfg.Audio)
		v.cfg.Source.SetVideoEnabled(v.cfg.Video)
		v.cfg.Source.Start()

		pub, err = v.newPublisher(sess, ice)
		if err != nil {
			v.cfg.Source.Stop()
			_ = sess.LeaveCall(ctx, v.cfg.RoomToken)
			_ = sess.LeaveRoom(ctx, v.cfg.RoomToken)
			_ = sess.Close()
			return err
		}
		if err := pub.Connect(ctx); err != nil {
			v.logger.Warn("virtual publisher not connected yet", "err", err)
		}
		pub.OnStatusMessage(v.handleStatusPayload)
		v.local.SetBroadcaster(&statusBroadcaster{pub: pub})
	}

	offMessages := sess.OnMessage(v.handleRemoteData)

	v.mu.Lock()
	v.session = sess
	v.publisher = pub
	v.offMessages = offMessages
	if pub != nil {
		v.offWatch = watchConnection(v.logger, "virtual-publisher", v.cfg.Backend.User(), pub)
	}
	v.joined = true
	v.mu.Unlock()

	v.logger.Info("joined room", "room", v.cfg.RoomToken, "flags", int(v.callFlags()))
	return nil
}

// Leave reverses Join: publisher first, then call, room and session. It is
// idempotent.
func (v *VirtualParticipant) Leave(ctx context.Context) error {
	v.mu.Lock()
	if !v.joined {
		v.mu.Unlock()
		return nil
	}
	v.joined = false
	sess := v.session
	pub := v.publisher
	offMessages := v.offMessages
	offWatch := v.offWatch
	v.session = nil
	v.publisher = nil
	v.offMessages = nil
	v.offWatch = nil
	v.mu.Unlock()

	if offMessages != nil {
		offMessages()
	}
	if offWatch != nil {
		offWatch()
	}

	var errs []error
	if pub != nil {
		if err := pub.Close(); err != nil {
			errs = append(errs, err)
		}
		v.cfg.Source.Stop()
	}
	if err := sess.LeaveCall(ctx, v.cfg.RoomToken); err != nil {
		errs = append(errs, err)
	}
	if err := sess.LeaveRoom(ctx, v.cfg.RoomToken); err != nil {
		errs = append(errs, err)
	}
	if err := sess.Close(); err != nil {
		errs = append(errs, err)
	}

	v.logger.Info("left room", "room", v.cfg.RoomToken)
	return errors.Join(errs...)
}

// SetNick announces a new display name.
func (v *VirtualParticipant) SetNick(name string) error {
	return v.local.SetGuestName(name)
}

// SetAudioEnabled toggles outgoing audio and announces it out of band.
func (v *VirtualParticipant) SetAudioEnabled(enabled bool) error {
	if v.cfg.Source != nil {
		v.cfg.Source.SetAudioEnabled(enabled)
	}
	v.local.SetAudioEnabled(enabled)
	if enabled {
		return v.sendStatus(statusAudioOn, nil)
	}
	return v.sendStatus(statusAudioOff, nil)
}

// SetVideoEnabled toggles outgoing video and announces it out of band.
func (v *VirtualParticipant) SetVideoEnabled(enabled bool) error {
	if v.cfg.Source != nil {
		v.cfg.Source.SetVideoEnabled(enabled)
	}
	v.local.SetVideoEnabled(enabled)
	if enabled {
		return v.sendStatus(statusVideoOn, nil)
	}
	return v.sendStatus(statusVideoOff, nil)
}

// SetSpeaking announces speaking/stopped-speaking.
func (v *VirtualParticipant) SetSpeaking(speaking bool) error {
	if speaking {
		return v.sendStatus(statusSpeaking, nil)
	}
	return v.sendStatus(statusStoppedSpeaking, nil)
}

func (v *VirtualParticipant) sendStatus(messageType string, payload any) error {
	v.mu.Lock()
	pub := v.publisher
	v.mu.Unlock()
	if pub == nil {
		return peer.ErrNoStatus
	}
	return pub.SendStatus(statusMessage{Type: messageType, Payload: payload})
}

// Remote returns the model of a remote party, creating it on first sight.
func (v *VirtualParticipant) Remote(sessionID string) *participant.Model {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.remotes[sessionID]
	if !ok {
		m = participant.NewModel(participant.ModelConfig{ActorID: sessionID, Logger: v.logger})
		v.remotes[sessionID] = m
	}
	return m
}

// Remotes returns a snapshot of all known remote models.
func (v *VirtualParticipant) Remotes() map[string]*participant.Model {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make(map[string]*participant.Model, len(v.remotes))
	for id, m := range v.remotes {
		out[id] = m
	}
	return out
}

// handleStatusPayload routes a frame arriving on the out-of-band status
// channel. Status payloads never traverse the signaling control channel.
func (v *VirtualParticipant) handleStatusPayload(payload []byte) {
	var event struct {
		Type    string          `json:"type"`
		From    string          `json:"from,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		v.logger.Debug("discarding malformed status frame", "err", err)
		return
	}
	v.handleRemoteData(signaling.Data{Type: event.Type, From: event.From, Payload: event.Payload})
}

// handleRemoteData routes out-of-band announcements from other parties into
// their participant models. Negotiation payloads and unknown types are left
// to the peers.
func (v *VirtualParticipant) handleRemoteData(data signaling.Data) {
	// A forced mute applies to this party no matter who sent it.
	if data.Type == participant.BroadcastForceMute {
		v.applyForceMute()
		return
	}
	if data.From == "" {
		return
	}

	switch data.Type {
	case statusNickChanged:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(data.Payload, &payload); err != nil {
			v.logger.Debug("discarding malformed nick announcement", "err", err)
			return
		}
		v.Remote(data.From).HandleNickChanged(payload.Name)
	case statusAudioOn:
		v.Remote(data.From).HandleMediaAvailable(true, true)
	case statusAudioOff:
		v.Remote(data.From).HandleMediaAvailable(true, false)
	case statusVideoOn:
		v.Remote(data.From).HandleMediaAvailable(false, true)
	case statusVideoOff:
		v.Remote(data.From).HandleMediaAvailable(false, false)
	case statusSpeaking:
		v.Remote(data.From).HandleSpeaking(true)
	case statusStoppedSpeaking:
		v.Remote(data.From).HandleSpeaking(false)
	case participant.BroadcastRaiseHand:
		var hand participant.RaisedHand
		if err := json.Unmarshal(data.Payload, &hand); err != nil {
			v.logger.Debug("discarding malformed raise-hand announcement", "err", err)
			return
		}
		v.Remote(data.From).HandleRaisedHand(hand)
	}
}

// applyForceMute mutes the local party after another party's forceMute
// broadcast, announcing the resulting audioOff like any local mute.
func (v *VirtualParticipant) applyForceMute() {
	if !v.cfg.Audio {
		return
	}
	v.logger.Info("muted by another party")
	if err := v.SetAudioEnabled(false); err != nil {
		v.logger.Warn("applying forced mute failed", "err", err)
	}
}

type statusBroadcaster struct {
	pub publisherConn
}

func (b *statusBroadcaster) Broadcast(messageType string, payload any) error {
	return b.pub.SendStatus(statusMessage{Type: messageType, Payload: payload})
}

var _ participant.Broadcaster = (*statusBroadcaster)(nil)
var _ publisherConn = (*peer.Publisher)(nil)
var _ subscriberConn = (*peer.Subscriber)(nil)
var _ controlSession = (*signaling.Session)(nil)
var _ virtualSession = (*signaling.Session)(nil)
var _ roomClient = (*backend.Client)(nil)
