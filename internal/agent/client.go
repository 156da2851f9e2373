package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/observability"
	"github.com/brightline-ai/voice-bridge/internal/resilience"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrAgentUnavailable is returned when the agent WebSocket cannot be opened
	ErrAgentUnavailable = errors.New("agent unavailable")

	// ErrUpstreamAuth is returned when signed URL acquisition is rejected
	ErrUpstreamAuth = errors.New("signed url acquisition rejected")

	// ErrMalformedFrame is returned for unparseable frames; the session logs
	// and drops these without tearing down
	ErrMalformedFrame = errors.New("malformed agent frame")
)

const signedURLPath = "/v1/convai/conversation/get-signed-url"

// NewSignedURLMinter builds a MintFunc against the agent provider's signed URL
// endpoint. Transient failures are retried per the supplied config.
func NewSignedURLMinter(httpClient *http.Client, baseURL, agentID, apiKey string, retryCfg *resilience.RetryConfig) MintFunc {
	return func(ctx context.Context) (string, error) {
		var signed string
		err := resilience.Retry(ctx, func() error {
			url := fmt.Sprintf("%s%s?agent_id=%s", baseURL, signedURLPath, agentID)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			req.Header.Set("xi-api-key", apiKey)

			resp, err := httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
				return fmt.Errorf("%w: status %d: %s", ErrUpstreamAuth, resp.StatusCode, body)
			}

			var payload struct {
				SignedURL string `json:"signed_url"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
				return fmt.Errorf("decoding signed url response: %w", err)
			}
			if payload.SignedURL == "" {
				return fmt.Errorf("%w: empty signed_url", ErrUpstreamAuth)
			}
			signed = payload.SignedURL
			return nil
		}, retryCfg)
		if err != nil {
			return "", err
		}
		return signed, nil
	}
}

// Factory opens agent WebSocket sessions using prewarmed signed URLs
type Factory struct {
	cache       *URLCache
	dialTimeout time.Duration
	logger      zerolog.Logger
}

// NewFactory creates an agent session factory
func NewFactory(cache *URLCache, dialTimeout time.Duration, logger zerolog.Logger) *Factory {
	return &Factory{
		cache:       cache,
		dialTimeout: dialTimeout,
		logger:      logger,
	}
}

// Dial opens a fresh agent WebSocket. Connect and handshake share a bounded
// timeout; any failure maps to ErrAgentUnavailable.
func (f *Factory) Dial(ctx context.Context) (*Conn, error) {
	url, err := f.cache.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: f.dialTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, f.dialTimeout)
	defer cancel()

	start := time.Now()
	ws, _, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
	}
	observability.RecordAgentConnect(time.Since(start))

	return &Conn{ws: ws, logger: f.logger}, nil
}

// Conn is a live agent WebSocket connection. Writes are serialized through an
// internal mutex; Close is idempotent.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	logger  zerolog.Logger
}

// NewConn wraps an already-open WebSocket (used by tests)
func NewConn(ws *websocket.Conn, logger zerolog.Logger) *Conn {
	return &Conn{ws: ws, logger: logger}
}

// SendInit sends the one-shot initialization frame
func (c *Conn) SendInit(frame InitFrame) error {
	return c.writeJSON(frame)
}

// SendAudio forwards a base64 caller audio chunk to the agent
func (c *Conn) SendAudio(b64 string) error {
	return c.writeJSON(userAudioFrame{UserAudioChunk: b64})
}

// SendPong answers an agent ping
func (c *Conn) SendPong(eventID int) error {
	return c.writeJSON(pongFrame{Type: "pong", EventID: eventID})
}

// SendToolResult returns a tool execution result envelope to the agent
func (c *Conn) SendToolResult(toolCallID, result string, isError bool) error {
	return c.writeJSON(toolResultFrame{
		Type:       "client_tool_result",
		ToolCallID: toolCallID,
		Result:     result,
		IsError:    isError,
	})
}

// ReadFrame reads and decodes the next frame from the agent. A frame that
// fails to decode returns ErrMalformedFrame; the caller should drop it and
// keep reading.
func (c *Conn) ReadFrame() (*ServerFrame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame ServerFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &frame, nil
}

// Close closes the connection exactly once
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}
