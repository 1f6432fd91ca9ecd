// Package config loads the runtime configuration from environment variables
// and command-line flags. Flags win over environment variables, which win
// over defaults.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarMode      = "MEETKIT_SIEGE_MODE"
	envVarLogFormat = "MEETKIT_SIEGE_LOG_FORMAT"
	envVarLogLevel  = "MEETKIT_SIEGE_LOG_LEVEL"

	envVarBackendURL = "MEETKIT_SIEGE_BACKEND_URL"
	envVarUser       = "MEETKIT_SIEGE_USER"
	envVarAppToken   = "MEETKIT_SIEGE_APP_TOKEN"
	envVarRoomToken  = "MEETKIT_SIEGE_ROOM_TOKEN"
	envVarGuestName  = "MEETKIT_SIEGE_GUEST_NAME"

	envVarPublishers              = "MEETKIT_SIEGE_PUBLISHERS"
	envVarSubscribersPerPublisher = "MEETKIT_SIEGE_SUBSCRIBERS_PER_PUBLISHER"
	envVarConnectWarningTimeout   = "MEETKIT_SIEGE_CONNECT_WARNING_TIMEOUT"
	envVarDisconnectedGrace       = "MEETKIT_SIEGE_DISCONNECTED_GRACE"
	envVarHealthInterval          = "MEETKIT_SIEGE_HEALTH_INTERVAL"
	envVarRequestTimeout          = "MEETKIT_SIEGE_REQUEST_TIMEOUT"

	envVarAudio              = "MEETKIT_SIEGE_AUDIO"
	envVarVideo              = "MEETKIT_SIEGE_VIDEO"
	envVarVideoBytesPerFrame = "MEETKIT_SIEGE_VIDEO_BYTES_PER_FRAME"
)

type Mode string

const (
	// ModeSiege builds P publisher and P×S subscriber connections.
	ModeSiege Mode = "siege"
	// ModeVirtual joins the room and call as a single participant.
	ModeVirtual Mode = "virtual"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

const (
	DefaultMode                    = ModeSiege
	DefaultPublishers              = 1
	DefaultSubscribersPerPublisher = 40
	DefaultConnectWarningTimeout   = 5 * time.Second
	DefaultDisconnectedGrace       = 5 * time.Second
	DefaultHealthInterval          = 10 * time.Second
	DefaultRequestTimeout          = 30 * time.Second
)

// Config is the validated runtime configuration.
type Config struct {
	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	BackendURL string
	User       string
	AppToken   string
	RoomToken  string
	GuestName  string

	Publishers              int
	SubscribersPerPublisher int
	ConnectWarningTimeout   time.Duration
	DisconnectedGrace       time.Duration
	HealthInterval          time.Duration
	RequestTimeout          time.Duration

	Audio              bool
	Video              bool
	VideoBytesPerFrame int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeStr := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	backendURL := envOrDefault(lookup, envVarBackendURL, "")
	user := envOrDefault(lookup, envVarUser, "")
	appToken := envOrDefault(lookup, envVarAppToken, "")
	roomToken := envOrDefault(lookup, envVarRoomToken, "")
	guestName := envOrDefault(lookup, envVarGuestName, "")

	publishers, err := envIntOrDefault(lookup, envVarPublishers, DefaultPublishers)
	if err != nil {
		return Config{}, err
	}
	subscribers, err := envIntOrDefault(lookup, envVarSubscribersPerPublisher, DefaultSubscribersPerPublisher)
	if err != nil {
		return Config{}, err
	}
	connectWarningTimeout, err := envDurationOrDefault(lookup, envVarConnectWarningTimeout, DefaultConnectWarningTimeout)
	if err != nil {
		return Config{}, err
	}
	disconnectedGrace, err := envDurationOrDefault(lookup, envVarDisconnectedGrace, DefaultDisconnectedGrace)
	if err != nil {
		return Config{}, err
	}
	healthInterval, err := envDurationOrDefault(lookup, envVarHealthInterval, DefaultHealthInterval)
	if err != nil {
		return Config{}, err
	}
	requestTimeout, err := envDurationOrDefault(lookup, envVarRequestTimeout, DefaultRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	audio, err := envBoolOrDefault(lookup, envVarAudio, true)
	if err != nil {
		return Config{}, err
	}
	video, err := envBoolOrDefault(lookup, envVarVideo, true)
	if err != nil {
		return Config{}, err
	}
	videoBytesPerFrame, err := envIntOrDefault(lookup, envVarVideoBytesPerFrame, 0)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meetkit-siege", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: siege or virtual (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.StringVar(&backendURL, "backend-url", backendURL, "Room backend base URL, e.g. https://cloud.example.tld (env "+envVarBackendURL+")")
	fs.StringVar(&user, "user", user, "Backend user id; empty joins as guest (env "+envVarUser+")")
	fs.StringVar(&appToken, "app-token", appToken, "Backend app token/password (env "+envVarAppToken+")")
	fs.StringVar(&roomToken, "room", roomToken, "Room token to siege or join (env "+envVarRoomToken+")")
	fs.StringVar(&guestName, "guest-name", guestName, "Display name used in virtual mode (env "+envVarGuestName+")")
	fs.IntVar(&publishers, "publishers", publishers, "Number of publisher connections (env "+envVarPublishers+")")
	fs.IntVar(&subscribers, "subscribers-per-publisher", subscribers, "Subscriber connections per publisher (env "+envVarSubscribersPerPublisher+")")
	fs.DurationVar(&connectWarningTimeout, "connect-warning-timeout", connectWarningTimeout, "How long to wait for a connection before warning and moving on (env "+envVarConnectWarningTimeout+")")
	fs.DurationVar(&disconnectedGrace, "disconnected-grace", disconnectedGrace, "Sustained-disconnection grace period before escalation (env "+envVarDisconnectedGrace+")")
	fs.DurationVar(&healthInterval, "health-interval", healthInterval, "Interval between health summaries, 0 disables them (env "+envVarHealthInterval+")")
	fs.DurationVar(&requestTimeout, "request-timeout", requestTimeout, "Timeout for backend REST requests (env "+envVarRequestTimeout+")")
	fs.BoolVar(&audio, "audio", audio, "Send audio (env "+envVarAudio+")")
	fs.BoolVar(&video, "video", video, "Send video (env "+envVarVideo+")")
	fs.IntVar(&videoBytesPerFrame, "video-bytes-per-frame", videoBytesPerFrame, "Synthesized video frame size in bytes, 0 = default (env "+envVarVideoBytesPerFrame+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:                    mode,
		LogFormat:               logFormat,
		LogLevel:                logLevel,
		BackendURL:              strings.TrimRight(backendURL, "/"),
		User:                    user,
		AppToken:                appToken,
		RoomToken:               roomToken,
		GuestName:               guestName,
		Publishers:              publishers,
		SubscribersPerPublisher: subscribers,
		ConnectWarningTimeout:   connectWarningTimeout,
		DisconnectedGrace:       disconnectedGrace,
		HealthInterval:          healthInterval,
		RequestTimeout:          requestTimeout,
		Audio:                   audio,
		Video:                   video,
		VideoBytesPerFrame:      videoBytesPerFrame,
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend URL is required (--backend-url or %s)", envVarBackendURL)
	}
	u, err := url.Parse(c.BackendURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid backend URL %q: must be an absolute http(s) URL", c.BackendURL)
	}
	if c.RoomToken == "" {
		return fmt.Errorf("room token is required (--room or %s)", envVarRoomToken)
	}
	if c.Publishers < 0 {
		return fmt.Errorf("publishers must be >= 0, got %d", c.Publishers)
	}
	if c.SubscribersPerPublisher < 0 {
		return fmt.Errorf("subscribers-per-publisher must be >= 0, got %d", c.SubscribersPerPublisher)
	}
	if c.Mode == ModeSiege && c.Publishers == 0 {
		return fmt.Errorf("siege mode needs at least one publisher")
	}
	if c.ConnectWarningTimeout <= 0 {
		return fmt.Errorf("connect-warning-timeout must be > 0, got %s", c.ConnectWarningTimeout)
	}
	if c.DisconnectedGrace <= 0 {
		return fmt.Errorf("disconnected-grace must be > 0, got %s", c.DisconnectedGrace)
	}
	if c.HealthInterval < 0 {
		return fmt.Errorf("health-interval must be >= 0, got %s", c.HealthInterval)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be > 0, got %s", c.RequestTimeout)
	}
	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeSiege):
		return ModeSiege, nil
	case string(ModeVirtual):
		return ModeVirtual, nil
	default:
		return "", fmt.Errorf("invalid mode %q: must be siege or virtual", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q: must be text or json", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
