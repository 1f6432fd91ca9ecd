// Package participant aggregates one or two peer connections per remote
// party into a single observable model, plus the local participant model
// owning outbound media state and control broadcasts.
package participant

import (
	"log/slog"
	"sync"

	"github.com/meetkit/siege/internal/state"
)

// Attribute names delivered to observers.
type Attribute string

const (
	AttrName            Attribute = "name"
	AttrConnectionState Attribute = "connectionState"
	AttrConnecting      Attribute = "connecting"
	AttrAudioAvailable  Attribute = "audioAvailable"
	AttrVideoAvailable  Attribute = "videoAvailable"
	AttrSpeaking        Attribute = "speaking"
	AttrRaisedHand      Attribute = "raisedHand"
	AttrStream          Attribute = "stream"
	AttrScreen          Attribute = "screen"
)

// MediaFlag is a tri-state media attribute: until the remote party announces
// anything the availability of a kind is simply unknown.
type MediaFlag int

const (
	MediaUnknown MediaFlag = iota
	MediaUnavailable
	MediaAvailable
)

// RaisedHand carries the hand state together with when it was raised, as
// reported by the remote party.
type RaisedHand struct {
	State     bool  `json:"state"`
	Timestamp int64 `json:"timestamp"`
}

// Observer receives attribute changes. Registration is symmetric: whoever
// adds an observer is responsible for removing the same value.
type Observer interface {
	AttributeChanged(m *Model, attribute Attribute, value any)
}

// PeerConnection is the slice of a peer connection a model observes.
// *peer.Subscriber and *peer.Publisher satisfy it.
type PeerConnection interface {
	RemoteSessionID() string
	State() state.Extended
	OnExtendedStateChange(fn func(state.Extended)) (off func())
}

// Model is the observable state of one remote party.
//
// A model outlives the peer connections it is bound to: SetPeer and
// SetScreenPeer may be called repeatedly to rebind to new connections
// without recreating the model.
type Model struct {
	logger *slog.Logger

	mu        sync.Mutex
	actorType string
	actorID   string
	name      string

	peer      PeerConnection
	screen    PeerConnection
	offPeer   func()
	offScreen func()

	connectionState      state.Extended
	connecting           bool
	initialConnection    bool
	connectedAtLeastOnce bool

	audioAvailable MediaFlag
	videoAvailable MediaFlag
	speaking       bool
	raisedHand     RaisedHand

	streamID string
	screenID string

	observers map[Observer]struct{}
}

// ModelConfig identifies the remote party a model tracks.
type ModelConfig struct {
	ActorType string
	ActorID   string
	Name      string
	Logger    *slog.Logger
}

func NewModel(cfg ModelConfig) *Model {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		logger:            logger,
		actorType:         cfg.ActorType,
		actorID:           cfg.ActorID,
		name:              cfg.Name,
		connectionState:   state.New,
		connecting:        true,
		initialConnection: true,
		observers:         make(map[Observer]struct{}),
	}
}

func (m *Model) ActorType() string { return m.actorType }
func (m *Model) ActorID() string   { return m.actorID }

func (m *Model) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Model) ConnectionState() state.Extended {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionState
}

func (m *Model) Connecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connecting
}

func (m *Model) ConnectedAtLeastOnce() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedAtLeastOnce
}

func (m *Model) AudioAvailable() MediaFlag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioAvailable
}

func (m *Model) VideoAvailable() MediaFlag {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoAvailable
}

func (m *Model) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

func (m *Model) RaisedHand() RaisedHand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raisedHand
}

// StreamID returns the id of the primary remote stream, empty when none.
func (m *Model) StreamID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamID
}

func (m *Model) ScreenStreamID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenID
}

func (m *Model) AddObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[o] = struct{}{}
}

func (m *Model) RemoveObserver(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, o)
}

// notify delivers an attribute change outside the model lock.
func (m *Model) notify(attribute Attribute, value any) {
	m.mu.Lock()
	observers := make([]Observer, 0, len(m.observers))
	for o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	for _, o := range observers {
		o.AttributeChanged(m, attribute, value)
	}
}

// SetPeer rebinds the primary peer connection. Old subscriptions are
// detached before the new connection is attached. Binding nil models a
// listener-only party: the state short-circuits to Completed with all media
// flags cleared.
func (m *Model) SetPeer(p PeerConnection) {
	m.mu.Lock()
	off := m.offPeer
	m.offPeer = nil
	m.mu.Unlock()
	if off != nil {
		off()
	}

	if p == nil {
		m.mu.Lock()
		m.peer = nil
		m.connectionState = state.Completed
		m.connecting = false
		m.audioAvailable = MediaUnavailable
		m.videoAvailable = MediaUnavailable
		m.speaking = false
		m.streamID = ""
		m.mu.Unlock()
		m.notify(AttrConnectionState, state.Completed)
		return
	}

	if m.actorID != "" && p.RemoteSessionID() != "" && p.RemoteSessionID() != m.actorID {
		m.logger.Warn("peer connection bound to a different party",
			"model", m.actorID, "connection", p.RemoteSessionID())
	}

	m.mu.Lock()
	m.peer = p
	m.mu.Unlock()

	offState := p.OnExtendedStateChange(func(s state.Extended) {
		m.HandleStateSignal(s)
	})
	m.mu.Lock()
	m.offPeer = offState
	m.mu.Unlock()

	m.HandleStateSignal(p.State())
}

// SetScreenPeer rebinds the screen-share connection. The screen connection
// contributes only the screen stream, not the connection state.
func (m *Model) SetScreenPeer(p PeerConnection) {
	m.mu.Lock()
	off := m.offScreen
	m.offScreen = nil
	m.screen = p
	if p == nil {
		m.screenID = ""
	}
	m.mu.Unlock()
	if off != nil {
		off()
	}
	if p == nil {
		m.notify(AttrScreen, "")
		return
	}

	if m.actorID != "" && p.RemoteSessionID() != "" && p.RemoteSessionID() != m.actorID {
		m.logger.Warn("screen connection bound to a different party",
			"model", m.actorID, "connection", p.RemoteSessionID())
	}
}

// HandleStateSignal applies one extended-state signal to the model.
// Unrecognized signals are logged and ignored.
func (m *Model) HandleStateSignal(s state.Extended) {
	m.mu.Lock()

	switch s {
	case state.New, state.Checking:
		m.connectionState = s
		m.connecting = true
		m.audioAvailable = MediaUnknown
		m.videoAvailable = MediaUnknown
		m.speaking = false
	case state.Connected, state.Completed:
		m.connectionState = s
		m.connecting = false
		m.initialConnection = false
		m.connectedAtLeastOnce = true
	case state.Disconnected, state.DisconnectedLong:
		// May occur while still connecting or after being connected; the
		// connecting flag is intentionally left alone.
		m.connectionState = s
	case state.Failed, state.FailedNoRestart, state.Closed:
		m.connectionState = s
		m.connecting = false
		m.initialConnection = false
	default:
		m.mu.Unlock()
		m.logger.Error("unrecognized connection-state signal", "signal", string(s))
		return
	}

	m.mu.Unlock()
	m.notify(AttrConnectionState, s)
}

// HandleStreamAdded records the primary or screen stream. The signal is
// applied only when it originates from the currently bound connection;
// stale signals from a just-replaced connection are discarded.
func (m *Model) HandleStreamAdded(from PeerConnection, streamID string) {
	m.mu.Lock()
	switch {
	case from != nil && from == m.peer:
		m.streamID = streamID
		m.mu.Unlock()
		m.notify(AttrStream, streamID)
	case from != nil && from == m.screen:
		m.screenID = streamID
		m.mu.Unlock()
		m.notify(AttrScreen, streamID)
	default:
		m.mu.Unlock()
	}
}

// HandleStreamRemoved clears the stream previously attributed to from.
func (m *Model) HandleStreamRemoved(from PeerConnection) {
	m.mu.Lock()
	switch {
	case from != nil && from == m.peer:
		m.streamID = ""
		m.mu.Unlock()
		m.notify(AttrStream, "")
	case from != nil && from == m.screen:
		m.screenID = ""
		m.mu.Unlock()
		m.notify(AttrScreen, "")
	default:
		m.mu.Unlock()
	}
}

// HandleNickChanged updates the display name announced by the remote party.
func (m *Model) HandleNickChanged(name string) {
	m.mu.Lock()
	m.name = name
	m.mu.Unlock()
	m.notify(AttrName, name)
}

// HandleMediaAvailable records an audio/video on/off announcement.
func (m *Model) HandleMediaAvailable(audio bool, available bool) {
	flag := MediaUnavailable
	if available {
		flag = MediaAvailable
	}

	m.mu.Lock()
	if audio {
		m.audioAvailable = flag
		if !available {
			m.speaking = false
		}
	} else {
		m.videoAvailable = flag
	}
	m.mu.Unlock()

	if audio {
		m.notify(AttrAudioAvailable, flag)
	} else {
		m.notify(AttrVideoAvailable, flag)
	}
}

// HandleSpeaking records a speaking/stopped-speaking announcement.
func (m *Model) HandleSpeaking(speaking bool) {
	m.mu.Lock()
	m.speaking = speaking
	m.mu.Unlock()
	m.notify(AttrSpeaking, speaking)
}

// HandleRaisedHand records a raise-hand announcement.
func (m *Model) HandleRaisedHand(hand RaisedHand) {
	m.mu.Lock()
	m.raisedHand = hand
	m.mu.Unlock()
	m.notify(AttrRaisedHand, hand)
}
