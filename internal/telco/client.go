// Package telco wraps the Twilio SDK for outbound call placement, call
// finalization, and TwiML generation.
package telco

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// callAPI is the slice of the Twilio REST API the bridge uses
type callAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
}

// Client places and finalizes calls through the Twilio REST API
type Client struct {
	api    callAPI
	from   string
	logger zerolog.Logger
}

// NewClient creates a Twilio-backed telco client
func NewClient(accountSID, authToken, fromNumber string, logger zerolog.Logger) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &Client{
		api:    rest.Api,
		from:   fromNumber,
		logger: logger,
	}
}

// PlaceCall starts an outbound call with asynchronous answering-machine
// detection. Returns the Twilio call SID.
func (c *Client) PlaceCall(to, answerURL, statusURL string) (string, error) {
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(answerURL)
	params.SetMachineDetection("Enable")
	params.SetAsyncAmd("true")
	params.SetAsyncAmdStatusCallback(statusURL)
	params.SetStatusCallback(statusURL)
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	call, err := c.api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("creating call: %w", err)
	}
	if call.Sid == nil {
		return "", fmt.Errorf("creating call: no SID returned")
	}

	c.logger.Info().Str("call_sid", *call.Sid).Str("to", to).Msg("Outbound call placed")
	return *call.Sid, nil
}

// Finalize marks a call completed. Finalizing a call that already ended is
// treated as success.
func (c *Client) Finalize(callSid string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")

	if _, err := c.api.UpdateCall(callSid, params); err != nil {
		if isAlreadyCompleted(err) {
			return nil
		}
		return fmt.Errorf("finalizing call %s: %w", callSid, err)
	}

	c.logger.Info().Str("call_sid", callSid).Msg("Call finalized")
	return nil
}

// isAlreadyCompleted detects Twilio's rejection of updates to calls that are
// no longer in progress (error 21220) or no longer exist (20404)
func isAlreadyCompleted(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "21220") ||
		strings.Contains(msg, "20404") ||
		strings.Contains(msg, "not in-progress")
}

// StreamTwiML renders a <Connect><Stream> document pointing the call's media
// at the given WebSocket URL, with custom parameters passed as <Parameter>
// elements. Parameters are emitted in sorted order.
func StreamTwiML(wsURL string, params map[string]string) (string, error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	inner := make([]twiml.Element, 0, len(params))
	for _, k := range keys {
		inner = append(inner, twiml.VoiceParameter{Name: k, Value: params[k]})
	}

	stream := twiml.VoiceStream{
		Url:           wsURL,
		InnerElements: inner,
	}
	connect := twiml.VoiceConnect{
		InnerElements: []twiml.Element{stream},
	}

	return twiml.Voice([]twiml.Element{connect})
}
