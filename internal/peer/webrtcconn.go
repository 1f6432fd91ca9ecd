package peer

import (
	"fmt"
	"log/slog"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// ConnConfig configures the real media connection.
type ConnConfig struct {
	// ICEServers are the STUN/TURN servers from the signaling settings.
	ICEServers []webrtc.ICEServer

	// Logger receives pion's internal logs at debug level. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// NewAPI builds the shared webrtc.API used for all peer connections of a
// run. pion's internal logging is routed through the application logger.
func NewAPI(logger *slog.Logger) *webrtc.API {
	if logger == nil {
		logger = slog.Default()
	}
	se := webrtc.SettingEngine{LoggerFactory: &slogLoggerFactory{logger: logger}}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// NewConn creates a media connection on api.
func NewConn(api *webrtc.API, cfg ConnConfig) (MediaConn, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: create peer connection: %w", err)
	}
	return Wrap(pc), nil
}

// Wrap adapts a *webrtc.PeerConnection to the MediaConn contract.
func Wrap(pc *webrtc.PeerConnection) MediaConn {
	return &webrtcConn{pc: pc}
}

type webrtcConn struct {
	pc *webrtc.PeerConnection
}

func (c *webrtcConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *webrtcConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *webrtcConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *webrtcConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *webrtcConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *webrtcConn) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(fn)
}

func (c *webrtcConn) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(fn)
}

func (c *webrtcConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(fn)
}

func (c *webrtcConn) AddSendOnlyTrack(track webrtc.TrackLocal) (TrackSender, error) {
	transceiver, err := c.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, err
	}
	return transceiver.Sender(), nil
}

func (c *webrtcConn) CreateDataChannel(label string) (DataSender, error) {
	dc, err := c.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return &dataChannel{dc: dc}, nil
}

func (c *webrtcConn) Close() error {
	return c.pc.Close()
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d *dataChannel) SendText(s string) error {
	return d.dc.SendText(s)
}

func (d *dataChannel) OnMessage(fn func(payload []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (d *dataChannel) OnOpen(fn func()) {
	d.dc.OnOpen(fn)
}

func (d *dataChannel) Close() error {
	return d.dc.Close()
}

// slogLoggerFactory routes pion's internal logging into slog. Everything is
// logged at debug level: pion is chatty and its warnings are rarely
// actionable for a load generator.
type slogLoggerFactory struct {
	logger *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{logger: f.logger.With("scope", scope)}
}

type slogLeveledLogger struct {
	logger *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string)                  { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Debug(msg string)                  { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Info(msg string)                   { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any)  { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Warn(msg string)                   { l.logger.Debug(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any)  { l.logger.Debug(fmt.Sprintf(format, args...)) }
func (l *slogLeveledLogger) Error(msg string)                  { l.logger.Warn(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) { l.logger.Warn(fmt.Sprintf(format, args...)) }
