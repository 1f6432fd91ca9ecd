// Package peer implements the media peer connections negotiated over the
// control channel: publishers pushing the local media source to the relay
// and subscribers pulling a publisher's stream back down.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/signaling"
	"github.com/meetkit/siege/internal/state"
)

// DefaultConnectWarningTimeout bounds WaitConnected. Expiry fails only the
// caller's wait: the connection attempt itself keeps running and a late
// establishment is still delivered to state observers.
const DefaultConnectWarningTimeout = 5 * time.Second

var (
	ErrConnectTimeout = errors.New("peer: connection not established within the warning timeout")
	ErrNoSender       = errors.New("peer: no sender attached for kind")
	ErrNoStatus       = errors.New("peer: no status channel")
)

// Signaler is the control-channel surface a peer consumes, satisfied by
// *signaling.Session.
type Signaler interface {
	SessionID(ctx context.Context) (string, error)
	SendMessageToSession(target string, data signaling.Data) error
	RequestOffer(target, roomType string) error
	OnMessage(fn func(signaling.Data)) (off func())
}

// TrackSender is the per-kind handle to an outgoing track, satisfied by
// *webrtc.RTPSender. Replacing with nil mutes the outgoing stream without
// renegotiating.
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// DataSender is an out-of-band data channel, satisfied by the wrapped
// *webrtc.DataChannel.
type DataSender interface {
	SendText(s string) error
	OnMessage(fn func(payload []byte))
	OnOpen(fn func())
	Close() error
}

// MediaConn is the narrow media-connection contract the negotiation logic
// needs. Wrap(*webrtc.PeerConnection) satisfies it; tests substitute fakes.
type MediaConn interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	AddSendOnlyTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateDataChannel(label string) (DataSender, error)
	Close() error
}

// sessionDescriptionPayload is the relayed form of an SDP offer or answer.
type sessionDescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// candidatePayload is the relayed form of a trickled ICE candidate.
type candidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// core carries the lifecycle shared by publishers and subscribers: the bound
// control channel, the remote session id the peer negotiates with, the
// extended-state monitor and the connected future.
type core struct {
	signaler Signaler
	conn     MediaConn
	roomType string
	warning  time.Duration
	logger   *slog.Logger
	monitor  *state.Monitor

	// onData handles the role-specific negotiation payloads (offer for
	// subscribers, answer for publishers). Candidates are handled here.
	onData func(data signaling.Data)

	mu              sync.Mutex
	remote          string
	connected       chan struct{}
	connectedClosed bool
	offSignal       func()
	offState        func()

	closeOnce sync.Once
}

type coreOptions struct {
	Signaler              Signaler
	Conn                  MediaConn
	RoomType              string
	ConnectWarningTimeout time.Duration
	DisconnectedGrace     time.Duration
	Logger                *slog.Logger
}

func newCore(opts coreOptions) *core {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	warning := opts.ConnectWarningTimeout
	if warning <= 0 {
		warning = DefaultConnectWarningTimeout
	}

	c := &core{
		signaler:  opts.Signaler,
		conn:      opts.Conn,
		roomType:  opts.RoomType,
		warning:   warning,
		logger:    logger,
		monitor:   state.NewMonitor(state.MonitorOptions{DisconnectedGrace: opts.DisconnectedGrace}),
		connected: make(chan struct{}),
	}

	c.conn.OnICEConnectionStateChange(c.monitor.HandleICEState)
	c.conn.OnICECandidate(c.sendLocalCandidate)
	c.offState = c.monitor.Subscribe(func(s state.Extended) {
		if !s.Established() {
			return
		}
		c.mu.Lock()
		first := !c.connectedClosed
		c.connectedClosed = true
		c.mu.Unlock()
		if first {
			close(c.connected)
		}
	})

	return c
}

// bind fixes the remote session id and starts consuming relayed data.
func (c *core) bind(remote string) {
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()
	off := c.signaler.OnMessage(c.handleData)
	c.mu.Lock()
	c.offSignal = off
	c.mu.Unlock()
}

func (c *core) remoteID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// handleData routes relayed payloads addressed to this peer. Payloads from
// any other session, or for another logical kind, are discarded without side
// effects.
func (c *core) handleData(data signaling.Data) {
	remote := c.remoteID()
	if remote == "" || data.From != remote {
		return
	}
	if data.RoomType != "" && data.RoomType != c.roomType {
		return
	}

	switch data.Type {
	case signaling.DataTypeCandidate:
		var payload candidatePayload
		if err := json.Unmarshal(data.Payload, &payload); err != nil {
			c.logger.Debug("discarding malformed candidate", "err", err)
			return
		}
		if err := c.conn.AddICECandidate(payload.Candidate); err != nil {
			c.logger.Debug("adding remote candidate failed", "err", err)
		}
	default:
		if c.onData != nil {
			c.onData(data)
		}
	}
}

func (c *core) sendLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		// End of gathering.
		return
	}
	remote := c.remoteID()
	if remote == "" {
		return
	}

	raw, err := json.Marshal(candidatePayload{Candidate: candidate.ToJSON()})
	if err != nil {
		c.logger.Debug("encoding local candidate failed", "err", err)
		return
	}
	if err := c.signaler.SendMessageToSession(remote, signaling.Data{
		Type:     signaling.DataTypeCandidate,
		RoomType: c.roomType,
		Payload:  raw,
	}); err != nil {
		c.logger.Debug("sending local candidate failed", "err", err)
	}
}

func (c *core) sendSessionDescription(desc webrtc.SessionDescription) error {
	raw, err := json.Marshal(sessionDescriptionPayload{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	})
	if err != nil {
		return fmt.Errorf("peer: encode session description: %w", err)
	}
	return c.signaler.SendMessageToSession(c.remoteID(), signaling.Data{
		Type:     desc.Type.String(),
		RoomType: c.roomType,
		Payload:  raw,
	})
}

// WaitConnected blocks until the connection reaches an established state,
// the warning timeout expires or ctx is done. A timeout does not tear the
// connection down; observers keep receiving state changes.
func (c *core) WaitConnected(ctx context.Context) error {
	timer := time.NewTimer(c.warning)
	defer timer.Stop()

	select {
	case <-c.connected:
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoteSessionID returns the session id this peer negotiates with, empty
// until Connect bound it.
func (c *core) RemoteSessionID() string {
	return c.remoteID()
}

// State returns the current extended connection state.
func (c *core) State() state.Extended {
	return c.monitor.State()
}

// OnExtendedStateChange subscribes fn to extended-state transitions and
// returns the matching unsubscribe function.
func (c *core) OnExtendedStateChange(fn func(state.Extended)) (off func()) {
	return c.monitor.Subscribe(fn)
}

// Close tears the peer down. It is idempotent and valid in any phase, also
// before Connect.
func (c *core) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		offSignal := c.offSignal
		c.offSignal = nil
		c.mu.Unlock()

		if offSignal != nil {
			offSignal()
		}
		if c.offState != nil {
			c.offState()
		}
		c.monitor.Close()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("closing media connection", "err", err)
		}
	})
	return nil
}
