package agent

import "encoding/json"

// Server-to-client frame types consumed from the agent WebSocket
const (
	FrameConversationInit = "conversation_initiation_metadata"
	FrameAudio            = "audio"
	FrameAudioEvent       = "audio_event"
	FrameInterruption     = "interruption"
	FramePing             = "ping"
	FrameAgentResponse    = "agent_response"
	FrameUserTranscript   = "user_transcript"
	FrameClientToolCall   = "client_tool_call"
)

// ServerFrame is a decoded frame received from the agent WebSocket.
// The agent emits two audio shapes depending on API version; both are accepted.
type ServerFrame struct {
	Type       string           `json:"type"`
	Audio      *AudioPayload    `json:"audio,omitempty"`
	AudioEvent *AudioEventData  `json:"audio_event,omitempty"`
	PingEvent  *PingEventData   `json:"ping_event,omitempty"`
	EventID    int              `json:"event_id,omitempty"`
	ToolCall   *ClientToolCall  `json:"client_tool_call,omitempty"`
	Response   *AgentResponse   `json:"agent_response_event,omitempty"`
	Transcript *UserTranscript  `json:"user_transcription_event,omitempty"`
}

// AudioPayload carries agent audio in the compact frame shape
type AudioPayload struct {
	Chunk string `json:"chunk"`
}

// AudioEventData carries agent audio in the event frame shape
type AudioEventData struct {
	AudioBase64 string `json:"audio_base_64"`
	EventID     int    `json:"event_id,omitempty"`
}

// PingEventData carries the ping event id the agent expects echoed back
type PingEventData struct {
	EventID int `json:"event_id"`
	PingMs  int `json:"ping_ms,omitempty"`
}

// ClientToolCall is an agent-initiated tool invocation request
type ClientToolCall struct {
	ToolName   string          `json:"tool_name"`
	ToolCallID string          `json:"tool_call_id"`
	Parameters json.RawMessage `json:"parameters"`
}

// AgentResponse carries the agent's spoken response text (observability only)
type AgentResponse struct {
	AgentResponse string `json:"agent_response"`
}

// UserTranscript carries the caller's transcribed speech (observability only)
type UserTranscript struct {
	UserTranscript string `json:"user_transcript"`
}

// AudioChunk extracts the base64 audio payload from either audio frame shape
func (f *ServerFrame) AudioChunk() (string, bool) {
	if f.Audio != nil && f.Audio.Chunk != "" {
		return f.Audio.Chunk, true
	}
	if f.AudioEvent != nil && f.AudioEvent.AudioBase64 != "" {
		return f.AudioEvent.AudioBase64, true
	}
	return "", false
}

// PingID extracts the event id from either ping frame shape
func (f *ServerFrame) PingID() int {
	if f.PingEvent != nil {
		return f.PingEvent.EventID
	}
	return f.EventID
}

// userAudioFrame is the per-chunk audio frame sent to the agent
type userAudioFrame struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// pongFrame answers an agent ping
type pongFrame struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

// toolResultFrame returns a tool execution result to the agent
type toolResultFrame struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Result     string `json:"result"`
	IsError    bool   `json:"is_error"`
}
