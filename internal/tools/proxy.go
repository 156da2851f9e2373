// Package tools executes agent-initiated tool calls on behalf of the bridge
// and returns JSON result envelopes.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/observability"
	"github.com/rs/zerolog"
)

// Recognized tool names (closed set)
const (
	ToolGetCurrentTime    = "get_current_time"
	ToolGetAvailableSlots = "get_available_slots"
	ToolBookMeeting       = "book_meeting"
	ToolEndCall           = "end_call"
	ToolEndVoicemailCall  = "end_voicemail_call"
)

const defaultTimezone = "Australia/Brisbane"

// ErrMissingParameter is returned when a tool call lacks a required field
var ErrMissingParameter = errors.New("missing required parameter")

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Proxy dispatches tool calls to their handlers with a bounded timeout
type Proxy struct {
	calendar *CalComClient
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewProxy creates a tool-call proxy
func NewProxy(calendar *CalComClient, timeout time.Duration, logger zerolog.Logger) *Proxy {
	return &Proxy{
		calendar: calendar,
		timeout:  timeout,
		logger:   logger,
	}
}

// Execute runs the named tool and returns the JSON-encoded result string and
// an error flag for the client_tool_result envelope. Failures never
// propagate as errors; they are folded into the envelope.
func (p *Proxy) Execute(ctx context.Context, toolName string, params json.RawMessage) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result, err := p.dispatch(ctx, toolName, params)
	observability.RecordToolCall(toolName, time.Since(start), err == nil)

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("tool call %s timed out after %s", toolName, p.timeout)
		}
		p.logger.Warn().Err(err).Str("tool", toolName).Msg("Tool call failed")
		return errorResult(msg), true
	}
	return result, false
}

func (p *Proxy) dispatch(ctx context.Context, toolName string, params json.RawMessage) (string, error) {
	switch toolName {
	case ToolGetCurrentTime:
		return p.getCurrentTime()
	case ToolGetAvailableSlots:
		return p.getAvailableSlots(ctx, params)
	case ToolBookMeeting:
		return p.bookMeeting(ctx, params)
	case ToolEndCall, ToolEndVoicemailCall:
		return acknowledgeResult(toolName), nil
	default:
		return "", fmt.Errorf("unknown tool: %s", toolName)
	}
}

func (p *Proxy) getCurrentTime() (string, error) {
	loc, err := time.LoadLocation(defaultTimezone)
	if err != nil {
		loc = time.UTC
	}
	now := time.Now().In(loc)

	out, err := json.Marshal(map[string]string{
		"current_time": now.Format(time.RFC3339),
		"timezone":     loc.String(),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type slotsParams struct {
	EventTypeID string `json:"eventTypeId"`
	Start       string `json:"start"`
	End         string `json:"end"`
	TimeZone    string `json:"timeZone"`
}

func (p *Proxy) getAvailableSlots(ctx context.Context, raw json.RawMessage) (string, error) {
	var params slotsParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return "", fmt.Errorf("invalid parameters: %w", err)
		}
	}

	if params.EventTypeID == "" {
		return "", fmt.Errorf("%w: eventTypeId", ErrMissingParameter)
	}
	if !dateRe.MatchString(params.Start) {
		return "", fmt.Errorf("invalid start date %q, expected YYYY-MM-DD", params.Start)
	}
	if params.End == "" {
		params.End = params.Start
	}
	if !dateRe.MatchString(params.End) {
		return "", fmt.Errorf("invalid end date %q, expected YYYY-MM-DD", params.End)
	}
	if _, err := time.LoadLocation(params.TimeZone); err != nil || params.TimeZone == "" {
		params.TimeZone = defaultTimezone
	}

	return p.calendar.GetSlots(ctx, params.EventTypeID, params.Start, params.End, params.TimeZone)
}

func (p *Proxy) bookMeeting(ctx context.Context, raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: booking parameters", ErrMissingParameter)
	}
	return p.calendar.CreateBooking(ctx, raw)
}

func acknowledgeResult(toolName string) string {
	out, _ := json.Marshal(map[string]interface{}{
		"success": true,
		"action":  toolName,
	})
	return string(out)
}

func errorResult(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}
