// Package bridge implements the per-call full-duplex pipe between the Twilio
// media stream and the conversational agent WebSocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/agent"
	"github.com/brightline-ai/voice-bridge/internal/amd"
	"github.com/brightline-ai/voice-bridge/internal/observability"
	"github.com/brightline-ai/voice-bridge/internal/tools"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AgentDialer opens agent WebSocket sessions
type AgentDialer interface {
	Dial(ctx context.Context) (*agent.Conn, error)
}

// Finalizer ends the Twilio call. It must be idempotent.
type Finalizer func(callSid string) error

// Options carries per-session tunables
type Options struct {
	Direction            string
	BufferFrames         int
	AgentOpenTimeout     time.Duration // Waiting for agent open after telco start
	TelcoStartTimeout    time.Duration // Waiting for telco start after connect
	VoicemailMaxDuration time.Duration // Voicemail session watchdog
}

// Session holds the state of a single bridged call. All mutable state is
// guarded by mu; audio forwarding happens under the mutex so that buffered
// frames drain in order relative to live traffic.
type Session struct {
	telco    *websocket.Conn
	dialer   AgentDialer
	registry *amd.Registry
	proxy    *tools.Proxy
	finalize Finalizer
	opts     Options
	logger   zerolog.Logger
	metrics  *observability.CallMetrics

	mu           sync.Mutex
	agentConn    *agent.Conn
	streamSid    string
	callSid      string
	customParams map[string]string
	telcoStarted bool
	agentOpen    bool
	agentFailed  bool
	initSent     bool
	voicemail    bool

	inbound  *FrameBuffer // Telco audio awaiting agent open
	outbound *FrameBuffer // Agent audio awaiting telco start

	voicemailTimer *time.Timer
	startTimer     *time.Timer

	agentReady chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSession creates a session bound to an accepted Twilio WebSocket
func NewSession(telco *websocket.Conn, dialer AgentDialer, registry *amd.Registry, proxy *tools.Proxy, finalize Finalizer, opts Options, logger zerolog.Logger) *Session {
	if opts.BufferFrames < 1 {
		opts.BufferFrames = 150
	}
	callID := observability.NewCorrelationID()
	return &Session{
		telco:      telco,
		dialer:     dialer,
		registry:   registry,
		proxy:      proxy,
		finalize:   finalize,
		opts:       opts,
		logger:     logger.With().Str("correlation_id", callID).Str("direction", opts.Direction).Logger(),
		metrics:    observability.NewCallMetrics(callID),
		inbound:    NewFrameBuffer(opts.BufferFrames),
		outbound:   NewFrameBuffer(opts.BufferFrames),
		agentReady: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Run drives the session until either side closes. It blocks for the
// session's lifetime and must be called from the WebSocket handler goroutine.
func (s *Session) Run(ctx context.Context) {
	s.metrics.RecordCallStart(s.opts.Direction)
	defer s.shutdown(websocket.CloseNormalClosure)

	if s.opts.TelcoStartTimeout > 0 {
		s.mu.Lock()
		s.startTimer = time.AfterFunc(s.opts.TelcoStartTimeout, func() {
			s.mu.Lock()
			started := s.telcoStarted
			s.mu.Unlock()
			if !started {
				s.logger.Warn().Msg("No start event from Twilio, failing session")
				s.shutdown(websocket.CloseInternalServerErr)
			}
		})
		s.mu.Unlock()
	}

	go s.connectAgent(ctx)
	s.telcoPump()
}

// connectAgent opens the agent WebSocket and wires it into the session
func (s *Session) connectAgent(ctx context.Context) {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Agent connection failed")
		s.metrics.RecordError("agent_unavailable", "bridge")

		// Defer teardown until the call identity is known so the Twilio call
		// still gets finalized; handleStart closes out immediately once the
		// failure is latched
		s.mu.Lock()
		s.agentFailed = true
		started := s.telcoStarted
		s.mu.Unlock()
		if started {
			s.shutdown(websocket.CloseInternalServerErr)
		}
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close()
		return
	default:
	}

	s.agentConn = conn
	s.agentOpen = true
	s.trySendInitLocked()

	// Buffered caller audio drains in order before any live media interleaves
	for _, frame := range s.inbound.Drain() {
		if err := conn.SendAudio(frame); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping buffered frame on agent send failure")
			break
		}
	}
	s.mu.Unlock()

	close(s.agentReady)
	s.logger.Info().Msg("Agent session established")

	go s.agentPump(conn)
}

// telcoPump consumes Twilio events until the socket closes
func (s *Session) telcoPump() {
	for {
		_, data, err := s.telco.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("Twilio WebSocket read error")
			}
			return
		}

		var msg TelcoMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Dropping unparseable Twilio frame")
			continue
		}

		switch msg.Event {
		case "connected":
			s.logger.Debug().Msg("Twilio stream connected")

		case "start":
			if msg.Start != nil {
				s.handleStart(msg.Start)
			}

		case "media":
			if msg.Media != nil {
				s.handleTelcoMedia(msg.Media)
			}

		case "stop":
			s.logger.Info().Msg("Twilio stream stopped")
			return

		default:
			s.logger.Warn().Str("event", msg.Event).Msg("Unknown Twilio event")
		}
	}
}

// handleStart records stream identity, resolves the AMD outcome, and runs the
// ready-transition. Duplicate start events are ignored.
func (s *Session) handleStart(start *TelcoStart) {
	// Resolve the AMD outcome before the session becomes ready, so a racing
	// agent-open transition cannot send a live-mode init for a machine answer
	machine := false
	if classification, ok := s.registry.Consume(start.CallSid); ok && amd.IsMachine(classification) {
		machine = true
		s.logger.Info().Str("answered_by", classification).Msg("Machine answered, switching to voicemail delivery")
	}

	s.mu.Lock()
	if s.telcoStarted {
		s.mu.Unlock()
		return
	}
	s.telcoStarted = true
	s.streamSid = start.StreamSid
	s.callSid = start.CallSid
	s.customParams = NormalizeCustomParams(start.CustomParameters)
	if machine {
		s.voicemail = true
		s.voicemailTimer = time.AfterFunc(s.opts.VoicemailMaxDuration, func() {
			s.logger.Warn().Msg("Voicemail watchdog expired, forcing teardown")
			s.shutdown(websocket.CloseNormalClosure)
		})
	}
	if s.startTimer != nil {
		s.startTimer.Stop()
	}

	s.trySendInitLocked()

	// Agent audio that arrived before the stream id was known drains now
	for _, frame := range s.outbound.Drain() {
		s.writeTelcoMedia(s.streamSid, frame)
	}
	agentOpen := s.agentOpen
	agentFailed := s.agentFailed
	s.mu.Unlock()

	s.logger.Info().
		Str("stream_sid", start.StreamSid).
		Str("call_sid", start.CallSid).
		Msg("Call started")

	if agentFailed {
		s.shutdown(websocket.CloseInternalServerErr)
		return
	}
	if !agentOpen {
		go s.awaitAgentOpen()
	}
}

// awaitAgentOpen fails the session when the agent does not open within the
// configured window after telco start
func (s *Session) awaitAgentOpen() {
	select {
	case <-s.agentReady:
	case <-s.done:
	case <-time.After(s.opts.AgentOpenTimeout):
		s.logger.Error().Msg("Timed out waiting for agent open")
		s.metrics.RecordError("agent_open_timeout", "bridge")
		s.shutdown(websocket.CloseInternalServerErr)
	}
}

// handleTelcoMedia routes caller audio to the agent, buffering while the
// agent WebSocket is not yet open
func (s *Session) handleTelcoMedia(media *TelcoMedia) {
	b64 := media.AudioB64()
	if b64 == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.agentOpen && s.agentConn != nil {
		if err := s.agentConn.SendAudio(b64); err != nil {
			s.logger.Warn().Err(err).Msg("Agent send failed, dropping frame")
			s.metrics.RecordError("agent_send_failed", "bridge")
		}
		return
	}

	if s.inbound.Push(b64) {
		observability.RecordBufferedFrameDrop("inbound")
	}
}

// agentPump consumes agent frames until the socket closes
func (s *Session) agentPump(conn *agent.Conn) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, agent.ErrMalformedFrame) {
				s.logger.Warn().Err(err).Msg("Dropping unparseable agent frame")
				continue
			}
			s.shutdown(websocket.CloseNormalClosure)
			return
		}

		switch frame.Type {
		case agent.FrameAudio, agent.FrameAudioEvent:
			if chunk, ok := frame.AudioChunk(); ok {
				s.handleAgentAudio(chunk)
			}

		case agent.FrameInterruption:
			s.handleInterruption()

		case agent.FramePing:
			if err := conn.SendPong(frame.PingID()); err != nil {
				s.logger.Warn().Err(err).Msg("Pong send failed")
			}

		case agent.FrameClientToolCall:
			if frame.ToolCall != nil {
				go s.handleToolCall(conn, *frame.ToolCall)
			}

		case agent.FrameConversationInit:
			s.logger.Debug().Msg("Conversation initiation metadata received")

		case agent.FrameAgentResponse:
			if frame.Response != nil {
				s.logger.Debug().Str("text", frame.Response.AgentResponse).Msg("Agent response")
			}

		case agent.FrameUserTranscript:
			if frame.Transcript != nil {
				s.logger.Debug().Str("text", frame.Transcript.UserTranscript).Msg("User transcript")
			}

		default:
			s.logger.Warn().Str("type", frame.Type).Msg("Unknown agent frame")
		}
	}
}

// handleAgentAudio routes agent audio to Twilio, buffering while the stream
// id is not yet known
func (s *Session) handleAgentAudio(b64 string) {
	s.metrics.RecordFirstAgentAudio()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.streamSid != "" {
		s.writeTelcoMedia(s.streamSid, b64)
		return
	}

	if s.outbound.Push(b64) {
		observability.RecordBufferedFrameDrop("outbound")
	}
}

// handleInterruption discards pending agent audio and clears Twilio playback
func (s *Session) handleInterruption() {
	s.mu.Lock()
	defer s.mu.Unlock()

	discarded := s.outbound.Clear()
	if s.streamSid != "" {
		if err := s.telco.WriteJSON(clearOut{Event: "clear", StreamSid: s.streamSid}); err != nil {
			s.logger.Warn().Err(err).Msg("Clear send failed")
		}
	}
	s.logger.Debug().Int("discarded_frames", discarded).Msg("Interruption propagated")
}

// handleToolCall dispatches a tool call and returns the result envelope. The
// end-call tools additionally drive session teardown.
func (s *Session) handleToolCall(conn *agent.Conn, call agent.ClientToolCall) {
	s.logger.Info().Str("tool", call.ToolName).Str("tool_call_id", call.ToolCallID).Msg("Tool call received")

	result, isErr := s.proxy.Execute(context.Background(), call.ToolName, call.Parameters)
	if err := conn.SendToolResult(call.ToolCallID, result, isErr); err != nil {
		s.logger.Warn().Err(err).Msg("Tool result send failed")
	}

	if call.ToolName == tools.ToolEndCall || call.ToolName == tools.ToolEndVoicemailCall {
		s.shutdown(websocket.CloseNormalClosure)
	}
}

// trySendInitLocked sends the initialization frame when both sides are ready.
// Caller holds mu; holding the mutex across the send is what makes the init
// exactly-once under contested readiness.
func (s *Session) trySendInitLocked() {
	if s.initSent || !s.telcoStarted || !s.agentOpen || s.agentConn == nil {
		return
	}

	frame := agent.BuildInitFrame(agent.InitData{
		Direction:      s.opts.Direction,
		CustomerName:   s.customParams["name"],
		CustomerNumber: s.customParams["number"],
		RecordID:       s.customParams["airtableRecordId"],
		Voicemail:      s.voicemail,
	}, time.Now())

	if err := s.agentConn.SendInit(frame); err != nil {
		// Not marked sent; the next ready-transition retries
		s.logger.Error().Err(err).Msg("Init send failed")
		s.metrics.RecordError("init_send_failed", "bridge")
		return
	}

	s.initSent = true
	s.metrics.RecordInitSent()
	s.logger.Info().Bool("voicemail", s.voicemail).Msg("Init frame sent")
}

// writeTelcoMedia sends one audio frame to Twilio. Caller holds mu.
func (s *Session) writeTelcoMedia(streamSid, b64 string) {
	msg := mediaOut{
		Event:     "media",
		StreamSid: streamSid,
		Media:     mediaPayload{Payload: b64},
	}
	if err := s.telco.WriteJSON(msg); err != nil {
		s.logger.Warn().Err(err).Msg("Twilio media send failed")
		s.metrics.RecordError("telco_send_failed", "bridge")
	}
}

// shutdown tears the session down exactly once: both sockets close, timers
// stop, and the Twilio call is finalized
func (s *Session) shutdown(closeCode int) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.startTimer != nil {
			s.startTimer.Stop()
		}
		if s.voicemailTimer != nil {
			s.voicemailTimer.Stop()
		}
		conn := s.agentConn
		callSid := s.callSid
		s.mu.Unlock()

		if conn != nil {
			conn.Close()
		}

		deadline := time.Now().Add(time.Second)
		_ = s.telco.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeCode, ""), deadline)
		_ = s.telco.Close()

		if callSid != "" && s.finalize != nil {
			if err := s.finalize(callSid); err != nil {
				s.logger.Error().Err(err).Str("call_sid", callSid).Msg("Call finalize failed")
			}
		}

		s.metrics.RecordCallEnd()
		s.logger.Info().Str("call_sid", callSid).Msg("Session closed")
	})
}
