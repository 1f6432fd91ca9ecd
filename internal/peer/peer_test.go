package peer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/meetkit/siege/internal/media"
	"github.com/meetkit/siege/internal/signaling"
	"github.com/meetkit/siege/internal/state"
)

type sentData struct {
	target string
	data   signaling.Data
}

type fakeSignaler struct {
	sessionID string

	mu        sync.Mutex
	sent      []sentData
	requested []sentData
	handlers  map[int]func(signaling.Data)
	nextID    int
}

func newFakeSignaler(sessionID string) *fakeSignaler {
	return &fakeSignaler{sessionID: sessionID, handlers: make(map[int]func(signaling.Data))}
}

func (f *fakeSignaler) SessionID(ctx context.Context) (string, error) {
	return f.sessionID, nil
}

func (f *fakeSignaler) SendMessageToSession(target string, data signaling.Data) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentData{target: target, data: data})
	return nil
}

func (f *fakeSignaler) RequestOffer(target, roomType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, sentData{target: target, data: signaling.Data{RoomType: roomType}})
	return nil
}

func (f *fakeSignaler) OnMessage(fn func(signaling.Data)) (off func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeSignaler) deliver(data signaling.Data) {
	f.mu.Lock()
	fns := make([]func(signaling.Data), 0, len(f.handlers))
	for _, fn := range f.handlers {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeSignaler) sentOfType(dataType string) []sentData {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentData
	for _, s := range f.sent {
		if s.data.Type == dataType {
			out = append(out, s)
		}
	}
	return out
}

type fakeSender struct {
	mu       sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, track)
	return nil
}

type fakeDataChannel struct {
	mu        sync.Mutex
	texts     []string
	onOpen    func()
	onMessage func(payload []byte)
}

func (d *fakeDataChannel) SendText(s string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.texts = append(d.texts, s)
	return nil
}

func (d *fakeDataChannel) OnMessage(fn func(payload []byte)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = fn
}

func (d *fakeDataChannel) OnOpen(fn func()) { d.onOpen = fn }
func (d *fakeDataChannel) Close() error     { return nil }

func (d *fakeDataChannel) receive(payload []byte) {
	d.mu.Lock()
	fn := d.onMessage
	d.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

type fakeConn struct {
	mu         sync.Mutex
	iceStateCb func(webrtc.ICEConnectionState)
	candCb     func(*webrtc.ICECandidate)
	trackCb    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)

	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	senders    []*fakeSender
	channels   []*fakeDataChannel
	closed     int
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &desc
	return nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &desc
	return nil
}

func (f *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candCb = fn
}

func (f *fakeConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iceStateCb = fn
}

func (f *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackCb = fn
}

func (f *fakeConn) AddSendOnlyTrack(track webrtc.TrackLocal) (TrackSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sender := &fakeSender{}
	f.tracks = append(f.tracks, track)
	f.senders = append(f.senders, sender)
	return sender, nil
}

func (f *fakeConn) CreateDataChannel(label string) (DataSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := &fakeDataChannel{}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeConn) fireICE(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	cb := f.iceStateCb
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *fakeConn) remoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeConn) addedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.candidates...)
}

func newTestSource(t *testing.T) *media.Source {
	t.Helper()
	src, err := media.NewSource(media.Config{})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	return src
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublisherConnectFlow(t *testing.T) {
	signaler := newFakeSignaler("pub-1")
	conn := &fakeConn{}
	pub := NewPublisher(PublisherConfig{
		Signaler:          signaler,
		Conn:              conn,
		Source:            newTestSource(t),
		RoomType:          "video",
		WithStatusChannel: true,
	})
	defer pub.Close()

	done := make(chan error, 1)
	go func() { done <- pub.Connect(context.Background()) }()

	waitFor(t, "offer", func() bool { return len(signaler.sentOfType(signaling.DataTypeOffer)) == 1 })
	offers := signaler.sentOfType(signaling.DataTypeOffer)
	if offers[0].target != "pub-1" {
		t.Fatalf("offer addressed to %q, want own session id", offers[0].target)
	}
	if offers[0].data.RoomType != "video" {
		t.Fatalf("offer room type = %q", offers[0].data.RoomType)
	}

	conn.mu.Lock()
	trackCount := len(conn.tracks)
	channelCount := len(conn.channels)
	conn.mu.Unlock()
	if trackCount != 2 {
		t.Fatalf("attached %d tracks, want audio+video", trackCount)
	}
	if channelCount != 1 {
		t.Fatalf("created %d data channels, want status channel", channelCount)
	}

	// The relay answers the publisher leg as the session's own id.
	signaler.deliver(signaling.Data{
		Type:    signaling.DataTypeAnswer,
		From:    "pub-1",
		Payload: mustMarshal(t, sessionDescriptionPayload{Type: "answer", SDP: "remote-sdp"}),
	})
	if remote := conn.remoteDescription(); remote == nil || remote.SDP != "remote-sdp" {
		t.Fatalf("remote description = %+v", remote)
	}

	conn.fireICE(webrtc.ICEConnectionStateChecking)
	conn.fireICE(webrtc.ICEConnectionStateConnected)

	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if pub.State() != state.Connected {
		t.Fatalf("state = %s", pub.State())
	}
}

func TestStatusChannelDeliversIncomingPayloads(t *testing.T) {
	signaler := newFakeSignaler("pub-1")
	conn := &fakeConn{}
	pub := NewPublisher(PublisherConfig{
		Signaler:          signaler,
		Conn:              conn,
		Source:            newTestSource(t),
		RoomType:          "video",
		WithStatusChannel: true,
	})
	defer pub.Close()

	// Registered before Connect: must survive channel creation.
	var mu sync.Mutex
	var received []string
	pub.OnStatusMessage(func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(payload))
	})

	done := make(chan error, 1)
	go func() { done <- pub.Connect(context.Background()) }()
	waitFor(t, "status channel", func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return len(conn.channels) == 1
	})

	conn.mu.Lock()
	status := conn.channels[0]
	conn.mu.Unlock()
	status.receive([]byte(`{"type":"speaking"}`))

	mu.Lock()
	got := append([]string(nil), received...)
	mu.Unlock()
	if len(got) != 1 || got[0] != `{"type":"speaking"}` {
		t.Fatalf("received = %v, want the speaking frame", got)
	}

	signaler.deliver(signaling.Data{
		Type:    signaling.DataTypeAnswer,
		From:    "pub-1",
		Payload: mustMarshal(t, sessionDescriptionPayload{Type: "answer", SDP: "remote-sdp"}),
	})
	conn.fireICE(webrtc.ICEConnectionStateConnected)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestPublisherIgnoresAnswerFromOtherSession(t *testing.T) {
	signaler := newFakeSignaler("pub-1")
	conn := &fakeConn{}
	pub := NewPublisher(PublisherConfig{
		Signaler: signaler,
		Conn:     conn,
		Source:   newTestSource(t),
		RoomType: "video",
	})
	defer pub.Close()

	done := make(chan error, 1)
	go func() { done <- pub.Connect(context.Background()) }()
	waitFor(t, "offer", func() bool { return len(signaler.sentOfType(signaling.DataTypeOffer)) == 1 })

	signaler.deliver(signaling.Data{
		Type:    signaling.DataTypeAnswer,
		From:    "someone-else",
		Payload: mustMarshal(t, sessionDescriptionPayload{Type: "answer", SDP: "bogus"}),
	})
	if conn.remoteDescription() != nil {
		t.Fatalf("answer from a foreign session was applied")
	}

	conn.fireICE(webrtc.ICEConnectionStateConnected)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestConnectTimeoutFailsOnlyTheWait(t *testing.T) {
	signaler := newFakeSignaler("pub-1")
	conn := &fakeConn{}
	pub := NewPublisher(PublisherConfig{
		Signaler:              signaler,
		Conn:                  conn,
		Source:                newTestSource(t),
		RoomType:              "video",
		ConnectWarningTimeout: 20 * time.Millisecond,
	})
	defer pub.Close()

	if err := pub.Connect(context.Background()); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("Connect = %v, want ErrConnectTimeout", err)
	}

	// A late establishment is still observed.
	states := make(chan state.Extended, 4)
	defer pub.OnExtendedStateChange(func(s state.Extended) { states <- s })()

	conn.fireICE(webrtc.ICEConnectionStateConnected)

	select {
	case s := <-states:
		if s != state.Connected {
			t.Fatalf("state after timeout = %s", s)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("late establishment never observed")
	}
}

func TestCandidateFilteredBySender(t *testing.T) {
	signaler := newFakeSignaler("sub-session")
	conn := &fakeConn{}
	sub := NewSubscriber(SubscriberConfig{
		Signaler:              signaler,
		Conn:                  conn,
		PublisherSessionID:    "pub-1",
		RoomType:              "video",
		ConnectWarningTimeout: 20 * time.Millisecond,
	})
	defer sub.Close()

	_ = sub.Connect(context.Background())

	candidate := candidatePayload{Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1"}}

	signaler.deliver(signaling.Data{
		Type:    signaling.DataTypeCandidate,
		From:    "intruder",
		Payload: mustMarshal(t, candidate),
	})
	if got := conn.addedCandidates(); len(got) != 0 {
		t.Fatalf("candidate from a foreign session was added: %+v", got)
	}

	signaler.deliver(signaling.Data{
		Type:    signaling.DataTypeCandidate,
		From:    "pub-1",
		Payload: mustMarshal(t, candidate),
	})
	if got := conn.addedCandidates(); len(got) != 1 {
		t.Fatalf("candidate from the bound publisher was not added")
	}
}

func TestSubscriberConnectFlow(t *testing.T) {
	signaler := newFakeSignaler("sub-session")
	conn := &fakeConn{}
	sub := NewSubscriber(SubscriberConfig{
		Signaler:           signaler,
		Conn:               conn,
		PublisherSessionID: "pub-1",
		RoomType:           "video",
	})
	defer sub.Close()

	done := make(chan error, 1)
	go func() { done <- sub.Connect(context.Background()) }()

	waitFor(t, "offer request", func() bool {
		signaler.mu.Lock()
		defer signaler.mu.Unlock()
		return len(signaler.requested) == 1
	})
	signaler.mu.Lock()
	req := signaler.requested[0]
	signaler.mu.Unlock()
	if req.target != "pub-1" || req.data.RoomType != "video" {
		t.Fatalf("offer request = %+v", req)
	}

	signaler.deliver(signaling.Data{
		Type:     signaling.DataTypeOffer,
		From:     "pub-1",
		RoomType: "video",
		Payload:  mustMarshal(t, sessionDescriptionPayload{Type: "offer", SDP: "publisher-sdp"}),
	})

	if remote := conn.remoteDescription(); remote == nil || remote.SDP != "publisher-sdp" {
		t.Fatalf("remote description = %+v", remote)
	}
	answers := signaler.sentOfType(signaling.DataTypeAnswer)
	if len(answers) != 1 || answers[0].target != "pub-1" {
		t.Fatalf("answers = %+v", answers)
	}

	conn.fireICE(webrtc.ICEConnectionStateConnected)
	if err := <-done; err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestSubscriberIgnoresOfferForOtherKind(t *testing.T) {
	signaler := newFakeSignaler("sub-session")
	conn := &fakeConn{}
	sub := NewSubscriber(SubscriberConfig{
		Signaler:              signaler,
		Conn:                  conn,
		PublisherSessionID:    "pub-1",
		RoomType:              "video",
		ConnectWarningTimeout: 20 * time.Millisecond,
	})
	defer sub.Close()

	_ = sub.Connect(context.Background())

	signaler.deliver(signaling.Data{
		Type:     signaling.DataTypeOffer,
		From:     "pub-1",
		RoomType: "screen",
		Payload:  mustMarshal(t, sessionDescriptionPayload{Type: "offer", SDP: "screen-sdp"}),
	})
	if conn.remoteDescription() != nil {
		t.Fatalf("offer for another kind was applied")
	}
}

func TestSetSentStreamEnabled(t *testing.T) {
	signaler := newFakeSignaler("pub-1")
	conn := &fakeConn{}
	src := newTestSource(t)
	pub := NewPublisher(PublisherConfig{
		Signaler:              signaler,
		Conn:                  conn,
		Source:                src,
		RoomType:              "video",
		ConnectWarningTimeout: 20 * time.Millisecond,
	})
	defer pub.Close()

	if err := pub.SetSentStreamEnabled(webrtc.RTPCodecTypeAudio, false); !errors.Is(err, ErrNoSender) {
		t.Fatalf("before Connect err = %v, want ErrNoSender", err)
	}

	_ = pub.Connect(context.Background())

	if err := pub.SetSentStreamEnabled(webrtc.RTPCodecTypeAudio, false); err != nil {
		t.Fatalf("disable audio: %v", err)
	}
	if err := pub.SetSentStreamEnabled(webrtc.RTPCodecTypeAudio, true); err != nil {
		t.Fatalf("enable audio: %v", err)
	}

	conn.mu.Lock()
	audioSender := conn.senders[0]
	conn.mu.Unlock()
	audioSender.mu.Lock()
	defer audioSender.mu.Unlock()
	if len(audioSender.replaced) != 2 {
		t.Fatalf("replaced %d times, want 2", len(audioSender.replaced))
	}
	if audioSender.replaced[0] != nil {
		t.Fatalf("disable must replace with nil")
	}
	if audioSender.replaced[1] == nil {
		t.Fatalf("enable must restore the source track")
	}
}

func TestCloseIdempotentAndValidBeforeConnect(t *testing.T) {
	signaler := newFakeSignaler("pub-1")
	conn := &fakeConn{}
	pub := NewPublisher(PublisherConfig{
		Signaler: signaler,
		Conn:     conn,
		Source:   newTestSource(t),
		RoomType: "video",
	})

	if err := pub.Close(); err != nil {
		t.Fatalf("Close before Connect: %v", err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed != 1 {
		t.Fatalf("underlying connection closed %d times", conn.closed)
	}
}
