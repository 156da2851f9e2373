package agent

import "time"

// Call directions passed to the agent as a dynamic variable
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound_receptionist"
)

const (
	liveFirstMessage = "Hi {{CUSTOMER_NAME}}, this is Alex calling from Brightline. How are you today?"

	voicemailFirstMessage = "Hi {{CUSTOMER_NAME}}, this is Alex from Brightline. Sorry we missed you — " +
		"we were calling about your upcoming appointment. We'll try you again soon, " +
		"or you can call us back at this number. Have a great day!"

	voicemailPrompt = "You have reached an answering machine. Deliver the first message exactly once, " +
		"do not wait for a reply, and then call the end_voicemail_call tool to hang up."
)

// InitData carries the per-call parameters used to build the initialization frame
type InitData struct {
	Direction      string
	CustomerName   string
	CustomerNumber string
	RecordID       string
	Voicemail      bool
}

// InitFrame is the one-shot conversation_initiation_client_data message
type InitFrame struct {
	Type             string            `json:"type"`
	ConfigOverride   ConfigOverride    `json:"conversation_config_override"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

// ConfigOverride parameterizes the agent session
type ConfigOverride struct {
	Agent       AgentOverride `json:"agent"`
	TTS         TTSOverride   `json:"tts"`
	AudioOutput AudioOutput   `json:"audio_output"`
}

// AgentOverride overrides the agent's first message and, for voicemail
// delivery, its system prompt
type AgentOverride struct {
	FirstMessage string          `json:"first_message,omitempty"`
	Prompt       *PromptOverride `json:"prompt,omitempty"`
}

// PromptOverride replaces the agent's system prompt
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// TTSOverride carries text-to-speech overrides (currently none)
type TTSOverride struct{}

// AudioOutput pins the agent's audio output to telephony format
type AudioOutput struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// BuildInitFrame composes the initialization frame for a session. Dates are
// derived from now in UTC.
func BuildInitFrame(data InitData, now time.Time) InitFrame {
	now = now.UTC()

	vars := map[string]string{
		"CURRENT_DATE_YYYYMMDD":   now.Format("2006-01-02"),
		"TOMORROW_DATE_YYYYMMDD":  now.AddDate(0, 0, 1).Format("2006-01-02"),
		"NEXT_WEEK_DATE_YYYYMMDD": now.AddDate(0, 0, 7).Format("2006-01-02"),
		"CALL_DIRECTION":          data.Direction,
		"CUSTOMER_NAME":           data.CustomerName,
		"CUSTOMER_NUMBER":         data.CustomerNumber,
		"AIRTABLE_RECORD_ID":      data.RecordID,
	}

	agentOverride := AgentOverride{FirstMessage: liveFirstMessage}
	if data.Voicemail {
		agentOverride.FirstMessage = voicemailFirstMessage
		agentOverride.Prompt = &PromptOverride{Prompt: voicemailPrompt}
	}

	return InitFrame{
		Type: "conversation_initiation_client_data",
		ConfigOverride: ConfigOverride{
			Agent: agentOverride,
			AudioOutput: AudioOutput{
				Encoding:   "ulaw",
				SampleRate: 8000,
			},
		},
		DynamicVariables: vars,
	}
}
