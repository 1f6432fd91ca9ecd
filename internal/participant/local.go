package participant

import (
	"log/slog"
	"sync"
	"time"
)

// VideoQuality selects the outgoing simulcast layer.
type VideoQuality string

const (
	QualityThumbnail VideoQuality = "thumbnail"
	QualityVeryLow   VideoQuality = "very-low"
	QualityLow       VideoQuality = "low"
	QualityMedium    VideoQuality = "medium"
	QualityHigh      VideoQuality = "high"
)

// Broadcast message types understood by remote parties.
const (
	BroadcastForceMute   = "forceMute"
	BroadcastRaiseHand   = "raiseHand"
	BroadcastReaction    = "reaction"
	BroadcastNickChanged = "nickChanged"
)

// Broadcaster fans a control message out to all bound remote parties. A
// broadcast does not loop back to its own sender; callers that need the
// effect locally must apply it themselves.
type Broadcaster interface {
	Broadcast(messageType string, payload any) error
}

// LocalObserver receives local-model attribute changes.
type LocalObserver interface {
	LocalAttributeChanged(m *LocalModel, attribute Attribute, value any)
}

// LocalModel owns the local party's media device state and the control
// broadcasts to remote parties.
type LocalModel struct {
	logger      *slog.Logger
	broadcaster Broadcaster

	mu           sync.Mutex
	guestName    string
	audioEnabled bool
	videoEnabled bool
	quality      VideoQuality
	raisedHand   RaisedHand

	observers map[LocalObserver]struct{}
}

// LocalConfig configures a LocalModel. Broadcaster may be nil for a party
// that is not connected to anyone yet.
type LocalConfig struct {
	GuestName   string
	Broadcaster Broadcaster
	Logger      *slog.Logger
}

func NewLocalModel(cfg LocalConfig) *LocalModel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalModel{
		logger:       logger,
		broadcaster:  cfg.Broadcaster,
		guestName:    cfg.GuestName,
		audioEnabled: true,
		videoEnabled: true,
		quality:      QualityHigh,
		observers:    make(map[LocalObserver]struct{}),
	}
}

// SetBroadcaster binds the broadcast transport once connections exist.
func (m *LocalModel) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcaster = b
}

func (m *LocalModel) AddObserver(o LocalObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers[o] = struct{}{}
}

func (m *LocalModel) RemoveObserver(o LocalObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.observers, o)
}

func (m *LocalModel) notify(attribute Attribute, value any) {
	m.mu.Lock()
	observers := make([]LocalObserver, 0, len(m.observers))
	for o := range m.observers {
		observers = append(observers, o)
	}
	m.mu.Unlock()

	for _, o := range observers {
		o.LocalAttributeChanged(m, attribute, value)
	}
}

func (m *LocalModel) broadcast(messageType string, payload any) error {
	m.mu.Lock()
	b := m.broadcaster
	m.mu.Unlock()
	if b == nil {
		return nil
	}
	return b.Broadcast(messageType, payload)
}

func (m *LocalModel) GuestName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guestName
}

// SetGuestName stores the display name and announces it to remote parties.
func (m *LocalModel) SetGuestName(name string) error {
	m.mu.Lock()
	m.guestName = name
	m.mu.Unlock()
	m.notify(AttrName, name)
	return m.broadcast(BroadcastNickChanged, map[string]string{"name": name})
}

func (m *LocalModel) AudioEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioEnabled
}

func (m *LocalModel) VideoEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.videoEnabled
}

func (m *LocalModel) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioEnabled = enabled
	m.mu.Unlock()
	m.notify(AttrAudioAvailable, enabled)
}

func (m *LocalModel) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoEnabled = enabled
	m.mu.Unlock()
	m.notify(AttrVideoAvailable, enabled)
}

func (m *LocalModel) VideoQuality() VideoQuality {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

func (m *LocalModel) SetVideoQuality(q VideoQuality) {
	m.mu.Lock()
	m.quality = q
	m.mu.Unlock()
}

// ForceMute broadcasts a mute instruction to every remote party and mutes
// locally right away: the broadcast is not echoed back to its sender.
func (m *LocalModel) ForceMute() error {
	err := m.broadcast(BroadcastForceMute, map[string]string{"action": "forceMuteOthers"})
	m.SetAudioEnabled(false)
	return err
}

func (m *LocalModel) RaisedHand() RaisedHand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.raisedHand
}

// SetRaisedHand broadcasts the new hand state and applies it locally
// immediately, again because broadcasts do not loop back.
func (m *LocalModel) SetRaisedHand(raised bool) error {
	hand := RaisedHand{State: raised, Timestamp: time.Now().UnixMilli()}

	m.mu.Lock()
	m.raisedHand = hand
	m.mu.Unlock()
	m.notify(AttrRaisedHand, hand)

	return m.broadcast(BroadcastRaiseHand, hand)
}

// SendReaction broadcasts a reaction. Reactions are transient: nothing is
// stored locally.
func (m *LocalModel) SendReaction(reaction string) error {
	return m.broadcast(BroadcastReaction, map[string]string{"reaction": reaction})
}
