// Package media synthesizes the local media source shared by all publishers:
// one audio and one video track fed by sample pumps. The payloads are
// synthetic; the relay forwards media without decoding it, so realistic
// bitrates matter for load generation but frame contents do not.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioSampleInterval = 20 * time.Millisecond
	videoFrameInterval  = time.Second / 30

	defaultAudioBytesPerSample = 100
	defaultVideoBytesPerFrame  = 4200 // ~1 Mbit/s at 30 fps
)

var ErrUnknownKind = errors.New("media: unknown track kind")

// opusSilence is a minimal Opus frame decoding to silence. Sent while the
// audio pump is paused so the track keeps producing RTP.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Config configures a Source. Zero values select the defaults above.
type Config struct {
	AudioBytesPerSample int
	VideoBytesPerFrame  int

	Logger *slog.Logger
}

// Source owns the synthesized audio and video tracks. One Source is shared
// by every publisher of a siege run; pion fans the samples out to all bound
// peer connections.
type Source struct {
	logger *slog.Logger

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	audioPayload []byte
	videoPayload []byte

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	running      bool
	done         chan struct{}
	wg           sync.WaitGroup
}

func NewSource(cfg Config) (*Source, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audioBytes := cfg.AudioBytesPerSample
	if audioBytes <= 0 {
		audioBytes = defaultAudioBytesPerSample
	}
	videoBytes := cfg.VideoBytesPerFrame
	if videoBytes <= 0 {
		videoBytes = defaultVideoBytesPerFrame
	}

	// Both tracks share one stream id so they are announced as a single
	// synchronized stream.
	streamID := uuid.NewString()

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		uuid.NewString(), streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("media: create audio track: %w", err)
	}
	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		uuid.NewString(), streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("media: create video track: %w", err)
	}

	return &Source{
		logger:       logger,
		audioTrack:   audioTrack,
		videoTrack:   videoTrack,
		audioPayload: synthesizePayload(audioBytes),
		videoPayload: synthesizePayload(videoBytes),
		audioEnabled: true,
		videoEnabled: true,
	}, nil
}

// Track returns the local track of the given kind for attaching to a peer
// connection.
func (s *Source) Track(kind webrtc.RTPCodecType) (webrtc.TrackLocal, error) {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return s.audioTrack, nil
	case webrtc.RTPCodecTypeVideo:
		return s.videoTrack, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
}

// Start launches the sample pumps. Calling Start on a running source is a
// no-op.
func (s *Source) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})

	s.wg.Add(2)
	go s.pumpAudio(s.done)
	go s.pumpVideo(s.done)
}

// Stop halts the pumps and waits for them to exit. Calling Stop on a stopped
// source is a no-op; a stopped source can be started again.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
}

// SetAudioEnabled pauses or resumes audio content. While paused the pump
// keeps the track alive with silence frames.
func (s *Source) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioEnabled = enabled
}

// SetVideoEnabled pauses or resumes video frames. While paused no frames are
// written at all, mirroring a disabled camera track.
func (s *Source) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoEnabled = enabled
}

// Running reports whether the sample pumps are live.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Source) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

func (s *Source) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

func (s *Source) pumpAudio(done chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(audioSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			payload := opusSilence
			if s.AudioEnabled() {
				payload = s.audioPayload
			}
			if err := s.audioTrack.WriteSample(media.Sample{Data: payload, Duration: audioSampleInterval}); err != nil {
				s.logger.Debug("audio sample write failed", "err", err)
			}
		}
	}
}

func (s *Source) pumpVideo(done chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(videoFrameInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !s.VideoEnabled() {
				continue
			}
			if err := s.videoTrack.WriteSample(media.Sample{Data: s.videoPayload, Duration: videoFrameInterval}); err != nil {
				s.logger.Debug("video frame write failed", "err", err)
			}
		}
	}
}

func synthesizePayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i)
	}
	return payload
}
