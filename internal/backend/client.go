// Package backend talks to the room backend's OCS API: fetching the
// per-session signaling settings and maintaining room and call membership.
// The media engine itself never calls the backend directly; sessions do,
// through the signaling.RoomBackend interface this client satisfies.
package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meetkit/siege/internal/signaling"
)

const (
	ocsAPIPath = "/ocs/v2.php/apps/spreed/api"

	settingsEndpoint = ocsAPIPath + "/v2/signaling/settings"
	backendEndpoint  = ocsAPIPath + "/v2/signaling/backend"
	roomEndpoint     = ocsAPIPath + "/v3/room/%s/participants/active"
	callEndpoint     = ocsAPIPath + "/v4/call/%s"

	defaultRequestTimeout = 30 * time.Second

	// responseBodyLimit bounds how much of an OCS response we are willing to
	// read; settings payloads are small.
	responseBodyLimit = 1 << 20
)

var (
	ErrMissingBaseURL = errors.New("backend: base URL is required")
	ErrNoRelayServer  = errors.New("backend: settings carry no relay server URL")
)

// ICEServer is one STUN or TURN entry from the signaling settings. Username
// and Credential are empty for STUN.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Config configures a Client. User/AppToken are sent as basic auth; leave
// both empty to act as a guest.
type Config struct {
	// BaseURL is the root of the backend instance, e.g.
	// "https://cloud.example.tld".
	BaseURL string

	User     string
	AppToken string

	// HTTPClient defaults to a client with a request timeout.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Client is a room backend client. It is safe for concurrent use.
type Client struct {
	baseURL  string
	user     string
	appToken string
	http     *http.Client
	logger   *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, ErrMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		user:     cfg.User,
		appToken: cfg.AppToken,
		http:     httpClient,
		logger:   logger,
	}, nil
}

// User returns the user id the client authenticates as, empty for guests.
func (c *Client) User() string { return c.user }

// BackendAuthURL is the URL the relay uses to validate session tickets. It
// is echoed inside the control-channel handshake.
func (c *Client) BackendAuthURL() string {
	return c.baseURL + backendEndpoint
}

type ocsMeta struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statuscode"`
	Message    string `json:"message"`
}

type ocsResponse struct {
	OCS struct {
		Meta ocsMeta         `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

type settingsData struct {
	Server      string      `json:"server"`
	Ticket      string      `json:"ticket"`
	StunServers []ICEServer `json:"stunservers"`
	TurnServers []ICEServer `json:"turnservers"`
}

type joinRoomData struct {
	SessionID string `json:"sessionId"`
}

// FetchSignalingSettings fetches a fresh settings snapshot for token and
// returns ready-to-dial control-channel settings plus the advertised ICE
// servers. Each session needs its own snapshot: tickets are single-use.
func (c *Client) FetchSignalingSettings(ctx context.Context, token string) (signaling.Settings, []ICEServer, error) {
	endpoint := c.baseURL + settingsEndpoint + "?token=" + url.QueryEscape(token)

	var data settingsData
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &data); err != nil {
		return signaling.Settings{}, nil, fmt.Errorf("backend: fetch signaling settings: %w", err)
	}
	if data.Server == "" {
		return signaling.Settings{}, nil, ErrNoRelayServer
	}

	settings := signaling.Settings{
		Server:         data.Server,
		UserID:         c.user,
		Ticket:         data.Ticket,
		BackendAuthURL: c.BackendAuthURL(),
	}
	iceServers := append(append([]ICEServer(nil), data.StunServers...), data.TurnServers...)
	return settings, iceServers, nil
}

// JoinRoom adds this client to the room's active-participant set and returns
// the membership session id the backend issued.
func (c *Client) JoinRoom(ctx context.Context, token string) (string, error) {
	endpoint := c.baseURL + fmt.Sprintf(roomEndpoint, url.PathEscape(token))

	var data joinRoomData
	if err := c.do(ctx, http.MethodPost, endpoint, nil, &data); err != nil {
		return "", fmt.Errorf("backend: join room %q: %w", token, err)
	}
	if data.SessionID == "" {
		return "", fmt.Errorf("backend: join room %q: empty membership session id", token)
	}
	return data.SessionID, nil
}

// LeaveRoom removes this client from the room's active-participant set.
func (c *Client) LeaveRoom(ctx context.Context, token string) error {
	endpoint := c.baseURL + fmt.Sprintf(roomEndpoint, url.PathEscape(token))
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("backend: leave room %q: %w", token, err)
	}
	return nil
}

// JoinCall joins the room's call with the given capability flags.
func (c *Client) JoinCall(ctx context.Context, token string, flags signaling.CallFlag) error {
	endpoint := c.baseURL + fmt.Sprintf(callEndpoint, url.PathEscape(token))
	body := map[string]any{"flags": int(flags)}
	if err := c.do(ctx, http.MethodPost, endpoint, body, nil); err != nil {
		return fmt.Errorf("backend: join call %q: %w", token, err)
	}
	return nil
}

// LeaveCall leaves the room's call, keeping the room membership.
func (c *Client) LeaveCall(ctx context.Context, token string) error {
	endpoint := c.baseURL + fmt.Sprintf(callEndpoint, url.PathEscape(token))
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, nil); err != nil {
		return fmt.Errorf("backend: leave call %q: %w", token, err)
	}
	return nil
}

// do performs one OCS request and unmarshals ocs.data into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("OCS-ApiRequest", "true")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" || c.appToken != "" {
		req.Header.Set("Authorization", "Basic "+basicAuth(c.user, c.appToken))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var envelope ocsResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if status := envelope.OCS.Meta.Status; status != "" && status != "ok" {
		return fmt.Errorf("backend rejected request: %s (%d)", envelope.OCS.Meta.Message, envelope.OCS.Meta.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.OCS.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

func basicAuth(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
