package controller

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/meetkit/siege/internal/backend"
	"github.com/meetkit/siege/internal/media"
	"github.com/meetkit/siege/internal/participant"
	"github.com/meetkit/siege/internal/signaling"
	"github.com/meetkit/siege/internal/state"
)

// opLog records the order of externally visible operations across the fake
// session and publisher so tests can assert join/leave sequencing.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) record(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeVirtualSession struct {
	fakeControlSession
	log *opLog

	mu        sync.Mutex
	callFlags signaling.CallFlag
	onMessage func(signaling.Data)
}

func (s *fakeVirtualSession) JoinRoom(ctx context.Context, token string) error {
	s.log.record("joinRoom " + token)
	return nil
}

func (s *fakeVirtualSession) LeaveRoom(ctx context.Context, token string) error {
	s.log.record("leaveRoom " + token)
	return nil
}

func (s *fakeVirtualSession) JoinCall(ctx context.Context, token string, flags signaling.CallFlag) error {
	s.mu.Lock()
	s.callFlags = flags
	s.mu.Unlock()
	s.log.record("joinCall " + token)
	return nil
}

func (s *fakeVirtualSession) LeaveCall(ctx context.Context, token string) error {
	s.log.record("leaveCall " + token)
	return nil
}

func (s *fakeVirtualSession) OnMessage(fn func(signaling.Data)) (off func()) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
	return func() {}
}

func (s *fakeVirtualSession) Close() error {
	s.log.record("closeSession")
	return s.fakeControlSession.Close()
}

func (s *fakeVirtualSession) deliver(data signaling.Data) {
	s.mu.Lock()
	fn := s.onMessage
	s.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

type loggingPublisher struct {
	fakePublisher
	log *opLog
}

func (p *loggingPublisher) Close() error {
	p.log.record("closePublisher")
	return p.fakePublisher.Close()
}

type virtualHarness struct {
	participant *VirtualParticipant
	log         *opLog
	session     *fakeVirtualSession
	publisher   *loggingPublisher
	source      *media.Source
}

func newVirtualHarness(t *testing.T, audio, video bool) *virtualHarness {
	t.Helper()

	cfg := VirtualConfig{
		Backend:   fakeBackend{user: "siege-user"},
		RoomToken: "tok123",
		GuestName: "Load Tester",
		Audio:     audio,
		Video:     video,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h := &virtualHarness{log: &opLog{}}
	if audio || video {
		source, err := media.NewSource(media.Config{AudioBytesPerSample: 10, VideoBytesPerFrame: 10})
		if err != nil {
			t.Fatalf("NewSource: %v", err)
		}
		cfg.Source = source
		h.source = source
	}

	v, err := NewVirtualParticipant(cfg)
	if err != nil {
		t.Fatalf("NewVirtualParticipant: %v", err)
	}
	h.participant = v
	h.session = &fakeVirtualSession{
		fakeControlSession: fakeControlSession{id: "sess-1"},
		log:                h.log,
	}
	v.newSession = func(ctx context.Context) (virtualSession, []backend.ICEServer, error) {
		return h.session, nil, nil
	}
	v.newPublisher = func(sess controlSession, ice []backend.ICEServer) (publisherConn, error) {
		h.publisher = &loggingPublisher{
			fakePublisher: fakePublisher{state: state.Connected},
			log:           h.log,
		}
		return h.publisher, nil
	}
	return h
}

func TestVirtualJoinThenLeaveSequencing(t *testing.T) {
	h := newVirtualHarness(t, true, true)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.participant.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	want := []string{
		"joinRoom tok123",
		"joinCall tok123",
		"closePublisher",
		"leaveCall tok123",
		"leaveRoom tok123",
		"closeSession",
	}
	got := h.log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("op %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestVirtualCallFlagsFollowMediaSelection(t *testing.T) {
	cases := []struct {
		name         string
		audio, video bool
		want         signaling.CallFlag
	}{
		{"audio and video", true, true, signaling.CallFlagInCall | signaling.CallFlagWithAudio | signaling.CallFlagWithVideo},
		{"audio only", true, false, signaling.CallFlagInCall | signaling.CallFlagWithAudio},
		{"listener", false, false, signaling.CallFlagInCall},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newVirtualHarness(t, tc.audio, tc.video)
			if err := h.participant.Join(context.Background()); err != nil {
				t.Fatalf("Join: %v", err)
			}
			defer h.participant.Leave(context.Background())

			if h.session.callFlags != tc.want {
				t.Fatalf("call flags = %d, want %d", h.session.callFlags, tc.want)
			}
		})
	}
}

func TestVirtualListenerSkipsPublisher(t *testing.T) {
	h := newVirtualHarness(t, false, false)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	if h.publisher != nil {
		t.Fatal("listener built a publisher")
	}
	if err := h.participant.SetSpeaking(true); err == nil {
		t.Fatal("SetSpeaking without a publisher should fail")
	}
}

func TestVirtualJoinIsIdempotent(t *testing.T) {
	h := newVirtualHarness(t, false, false)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("second Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	if got := len(h.log.snapshot()); got != 2 {
		t.Fatalf("ops after double join = %v, want joinRoom and joinCall once", h.log.snapshot())
	}
}

func TestVirtualLeaveIsIdempotent(t *testing.T) {
	h := newVirtualHarness(t, false, false)

	if err := h.participant.Leave(context.Background()); err != nil {
		t.Fatalf("Leave before Join: %v", err)
	}
	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := h.participant.Leave(context.Background()); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := h.participant.Leave(context.Background()); err != nil {
		t.Fatalf("second Leave: %v", err)
	}
	if got := h.session.closeCount(); got != 1 {
		t.Fatalf("session close count = %d, want 1", got)
	}
}

func TestVirtualStatusAnnouncements(t *testing.T) {
	h := newVirtualHarness(t, true, true)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	if err := h.participant.SetAudioEnabled(false); err != nil {
		t.Fatalf("SetAudioEnabled: %v", err)
	}
	if err := h.participant.SetVideoEnabled(false); err != nil {
		t.Fatalf("SetVideoEnabled: %v", err)
	}
	if err := h.participant.SetAudioEnabled(true); err != nil {
		t.Fatalf("SetAudioEnabled: %v", err)
	}
	if err := h.participant.SetSpeaking(true); err != nil {
		t.Fatalf("SetSpeaking: %v", err)
	}
	if err := h.participant.SetSpeaking(false); err != nil {
		t.Fatalf("SetSpeaking: %v", err)
	}

	want := []string{"audioOff", "videoOff", "audioOn", "speaking", "stoppedSpeaking"}
	if len(h.publisher.statuses) != len(want) {
		t.Fatalf("statuses = %v, want %d announcements", h.publisher.statuses, len(want))
	}
	for i, raw := range h.publisher.statuses {
		msg, ok := raw.(statusMessage)
		if !ok {
			t.Fatalf("status %d is %T, want statusMessage", i, raw)
		}
		if msg.Type != want[i] {
			t.Errorf("status %d type = %q, want %q", i, msg.Type, want[i])
		}
	}

	if h.participant.Local().AudioEnabled() != true {
		t.Error("local model audio should be enabled again")
	}
	if h.participant.Local().VideoEnabled() != false {
		t.Error("local model video should stay disabled")
	}
}

func TestVirtualNickChangeBroadcastsOverStatusChannel(t *testing.T) {
	h := newVirtualHarness(t, true, false)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	if err := h.participant.SetNick("Reviewer"); err != nil {
		t.Fatalf("SetNick: %v", err)
	}

	if len(h.publisher.statuses) != 1 {
		t.Fatalf("statuses = %v, want exactly the nick announcement", h.publisher.statuses)
	}
	msg := h.publisher.statuses[0].(statusMessage)
	if msg.Type != statusNickChanged {
		t.Fatalf("status type = %q, want %q", msg.Type, statusNickChanged)
	}
	payload, ok := msg.Payload.(map[string]string)
	if !ok || payload["name"] != "Reviewer" {
		t.Fatalf("payload = %v, want name Reviewer", msg.Payload)
	}
	if got := h.participant.Local().GuestName(); got != "Reviewer" {
		t.Fatalf("GuestName = %q, want Reviewer", got)
	}
}

func TestVirtualRemoteAnnouncementsUpdateModels(t *testing.T) {
	h := newVirtualHarness(t, false, false)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	h.session.deliver(signaling.Data{Type: "audioOn", From: "remote-1"})
	h.session.deliver(signaling.Data{Type: "videoOff", From: "remote-1"})
	h.session.deliver(signaling.Data{Type: "speaking", From: "remote-1"})
	h.session.deliver(signaling.Data{
		Type:    "nickChanged",
		From:    "remote-1",
		Payload: json.RawMessage(`{"name":"Alice"}`),
	})
	h.session.deliver(signaling.Data{
		Type:    participant.BroadcastRaiseHand,
		From:    "remote-2",
		Payload: json.RawMessage(`{"state":true,"timestamp":1234}`),
	})
	// No sender, malformed payloads: dropped without side effects.
	h.session.deliver(signaling.Data{Type: "audioOn"})
	h.session.deliver(signaling.Data{
		Type:    "nickChanged",
		From:    "remote-1",
		Payload: json.RawMessage(`"not an object"`),
	})

	first := h.participant.Remote("remote-1")
	if got := first.AudioAvailable(); got != participant.MediaAvailable {
		t.Errorf("remote-1 audio = %v, want available", got)
	}
	if got := first.VideoAvailable(); got != participant.MediaUnavailable {
		t.Errorf("remote-1 video = %v, want unavailable", got)
	}
	if !first.Speaking() {
		t.Error("remote-1 should be speaking")
	}
	if got := first.Name(); got != "Alice" {
		t.Errorf("remote-1 name = %q, want Alice", got)
	}

	second := h.participant.Remote("remote-2")
	if hand := second.RaisedHand(); !hand.State || hand.Timestamp != 1234 {
		t.Errorf("remote-2 raised hand = %+v, want raised at 1234", hand)
	}

	if got := len(h.participant.Remotes()); got != 2 {
		t.Fatalf("remotes = %d, want 2", got)
	}
}

func TestVirtualStatusChannelFeedsRemoteModels(t *testing.T) {
	h := newVirtualHarness(t, true, true)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	if !h.publisher.receiveStatus([]byte(`{"type":"speaking","from":"remote-1"}`)) {
		t.Fatal("no status receive handler registered on the publisher")
	}
	h.publisher.receiveStatus([]byte(`{"type":"audioOn","from":"remote-1"}`))
	h.publisher.receiveStatus([]byte(`{"type":"nickChanged","from":"remote-1","payload":{"name":"Alice"}}`))
	h.publisher.receiveStatus([]byte(`not json`))

	remote := h.participant.Remote("remote-1")
	if !remote.Speaking() {
		t.Error("remote-1 should be speaking")
	}
	if got := remote.AudioAvailable(); got != participant.MediaAvailable {
		t.Errorf("remote-1 audio = %v, want available", got)
	}
	if got := remote.Name(); got != "Alice" {
		t.Errorf("remote-1 name = %q, want Alice", got)
	}
	if got := len(h.participant.Remotes()); got != 1 {
		t.Fatalf("remotes = %d, want 1", got)
	}
}

func TestVirtualForceMuteReceivedMutesLocally(t *testing.T) {
	h := newVirtualHarness(t, true, true)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	h.publisher.receiveStatus([]byte(`{"type":"forceMute","from":"remote-1"}`))

	if h.participant.Local().AudioEnabled() {
		t.Error("local model audio still enabled after forced mute")
	}
	if h.source.AudioEnabled() {
		t.Error("source audio still enabled after forced mute")
	}
	// The mute is announced like any local one.
	if len(h.publisher.statuses) != 1 {
		t.Fatalf("statuses = %v, want the audioOff announcement", h.publisher.statuses)
	}
	if msg := h.publisher.statuses[0].(statusMessage); msg.Type != statusAudioOff {
		t.Fatalf("status type = %q, want %q", msg.Type, statusAudioOff)
	}
}

func TestVirtualForceMuteIgnoredWithoutAudio(t *testing.T) {
	h := newVirtualHarness(t, false, true)

	if err := h.participant.Join(context.Background()); err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer h.participant.Leave(context.Background())

	h.publisher.receiveStatus([]byte(`{"type":"forceMute","from":"remote-1"}`))

	if len(h.publisher.statuses) != 0 {
		t.Fatalf("statuses = %v, want none for an audio-less party", h.publisher.statuses)
	}
}

func TestVirtualJoinStopsSourceWhenPublisherBuildFails(t *testing.T) {
	h := newVirtualHarness(t, true, false)
	h.participant.newPublisher = func(sess controlSession, ice []backend.ICEServer) (publisherConn, error) {
		return nil, errors.New("no ice servers")
	}

	if err := h.participant.Join(context.Background()); err == nil {
		t.Fatal("Join should fail when the publisher cannot be built")
	}
	if h.source.Running() {
		t.Error("source pumps still running after failed join")
	}
	if got := h.session.closeCount(); got != 1 {
		t.Fatalf("session close count = %d, want 1", got)
	}
}

func TestVirtualJoinFailsWithoutHandshake(t *testing.T) {
	h := newVirtualHarness(t, false, false)
	h.session.idErr = errors.New("relay rejected hello")

	if err := h.participant.Join(context.Background()); err == nil {
		t.Fatal("Join should fail when the handshake fails")
	}
	if got := h.session.closeCount(); got != 1 {
		t.Fatalf("session close count = %d, want 1", got)
	}
}
