package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/agent"
	"github.com/brightline-ai/voice-bridge/internal/amd"
	"github.com/brightline-ai/voice-bridge/internal/resilience"
	"github.com/brightline-ai/voice-bridge/internal/tools"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeAgent is a WebSocket server standing in for the conversational agent
type fakeAgent struct {
	server *httptest.Server
	conns  chan *websocket.Conn
	msgs   chan map[string]interface{}
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()
	fa := &fakeAgent{
		conns: make(chan *websocket.Conn, 4),
		msgs:  make(chan map[string]interface{}, 64),
	}
	fa.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fa.conns <- conn
		for {
			var m map[string]interface{}
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			fa.msgs <- m
		}
	}))
	t.Cleanup(fa.server.Close)
	return fa
}

// conn returns the server side of the next agent connection
func (fa *fakeAgent) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-fa.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for agent connection")
		return nil
	}
}

// next returns the next message the bridge sent to the agent
func (fa *fakeAgent) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case m := <-fa.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for agent message")
		return nil
	}
}

type fakeDialer struct {
	url   string
	delay time.Duration
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context) (*agent.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	ws, _, err := websocket.DefaultDialer.Dial(d.url, nil)
	if err != nil {
		return nil, err
	}
	return agent.NewConn(ws, zerolog.Nop()), nil
}

func (fa *fakeAgent) dialer() *fakeDialer {
	return &fakeDialer{url: "ws" + strings.TrimPrefix(fa.server.URL, "http")}
}

type finalizeRecorder struct {
	mu   sync.Mutex
	sids []string
}

func (f *finalizeRecorder) finalize(callSid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sids = append(f.sids, callSid)
	return nil
}

func (f *finalizeRecorder) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sids...)
}

func (f *finalizeRecorder) waitFor(t *testing.T, callSid string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, sid := range f.calls() {
			if sid == callSid {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s to be finalized, got %v", callSid, f.calls())
}

func testProxy(t *testing.T) *tools.Proxy {
	t.Helper()
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	t.Cleanup(backend.Close)

	breaker := resilience.NewCircuitBreaker("calcom", 5, time.Second)
	calendar := tools.NewCalComClient(backend.Client(), backend.URL, "key", breaker)
	return tools.NewProxy(calendar, time.Second, zerolog.Nop())
}

func defaultOpts() Options {
	return Options{
		Direction:            agent.DirectionOutbound,
		BufferFrames:         150,
		AgentOpenTimeout:     500 * time.Millisecond,
		TelcoStartTimeout:    5 * time.Second,
		VoicemailMaxDuration: 5 * time.Second,
	}
}

// startBridge runs the bridge handler and returns a connected telco-side client
func startBridge(t *testing.T, dialer AgentDialer, registry *amd.Registry, fin *finalizeRecorder, opts Options) *websocket.Conn {
	t.Helper()
	deps := Deps{
		Dialer:   dialer,
		Registry: registry,
		Proxy:    testProxy(t),
		Finalize: fin.finalize,
		Logger:   zerolog.Nop(),
	}
	server := httptest.NewServer(Handler(deps, opts))
	t.Cleanup(server.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Telco dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func telcoSend(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	if err := ws.WriteJSON(v); err != nil {
		t.Fatalf("Telco send failed: %v", err)
	}
}

func telcoNext(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m map[string]interface{}
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("Telco read failed: %v", err)
	}
	return m
}

func startMsg(streamSid, callSid string, params map[string]string) TelcoMessage {
	return TelcoMessage{
		Event: "start",
		Start: &TelcoStart{
			StreamSid:        streamSid,
			CallSid:          callSid,
			CustomParameters: params,
		},
	}
}

func mediaMsg(payload string) TelcoMessage {
	return TelcoMessage{Event: "media", Media: &TelcoMedia{Payload: payload}}
}

func TestSession_HappyPath(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())

	telcoSend(t, telco, startMsg("MZ1", "CA1", map[string]string{
		"name":             "John",
		"number":           "+15551234",
		"airtableRecordId": "rec_X",
	}))

	// First agent message is the init frame, sent exactly once
	init := fa.next(t)
	if init["type"] != "conversation_initiation_client_data" {
		t.Fatalf("Expected init frame first, got %v", init)
	}
	vars := init["dynamic_variables"].(map[string]interface{})
	if vars["CUSTOMER_NAME"] != "John" {
		t.Errorf("Expected CUSTOMER_NAME 'John', got '%v'", vars["CUSTOMER_NAME"])
	}
	if vars["CURRENT_DATE_YYYYMMDD"] != time.Now().UTC().Format("2006-01-02") {
		t.Errorf("Expected today's UTC date, got '%v'", vars["CURRENT_DATE_YYYYMMDD"])
	}
	if vars["CALL_DIRECTION"] != "outbound" {
		t.Errorf("Expected direction 'outbound', got '%v'", vars["CALL_DIRECTION"])
	}

	// Caller audio flows through in order
	telcoSend(t, telco, mediaMsg("AAA="))
	telcoSend(t, telco, mediaMsg("BBB="))

	if m := fa.next(t); m["user_audio_chunk"] != "AAA=" {
		t.Errorf("Expected first chunk 'AAA=', got %v", m)
	}
	if m := fa.next(t); m["user_audio_chunk"] != "BBB=" {
		t.Errorf("Expected second chunk 'BBB=', got %v", m)
	}

	// Agent audio flows back with the stream id attached
	agentConn := fa.conn(t)
	agentConn.WriteJSON(map[string]interface{}{
		"type":  "audio",
		"audio": map[string]string{"chunk": "ZZZ="},
	})

	out := telcoNext(t, telco)
	if out["event"] != "media" {
		t.Fatalf("Expected media event, got %v", out)
	}
	if out["streamSid"] != "MZ1" {
		t.Errorf("Expected streamSid 'MZ1', got '%v'", out["streamSid"])
	}
	media := out["media"].(map[string]interface{})
	if media["payload"] != "ZZZ=" {
		t.Errorf("Expected payload 'ZZZ=', got '%v'", media["payload"])
	}

	// Stop tears everything down and finalizes the call once
	telcoSend(t, telco, TelcoMessage{Event: "stop", Stop: &TelcoStop{CallSid: "CA1"}})
	fin.waitFor(t, "CA1")

	time.Sleep(50 * time.Millisecond)
	if n := len(fin.calls()); n != 1 {
		t.Errorf("Expected exactly one finalize, got %d", n)
	}
}

func TestSession_BuffersTelcoAudioUntilAgentOpen(t *testing.T) {
	fa := newFakeAgent(t)
	dialer := fa.dialer()
	dialer.delay = 150 * time.Millisecond
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, dialer, registry, fin, defaultOpts())

	telcoSend(t, telco, startMsg("MZ2", "CA2", nil))
	telcoSend(t, telco, mediaMsg("AAA="))
	telcoSend(t, telco, mediaMsg("BBB="))

	// Init precedes the drained buffer, and the buffer drains in order
	if m := fa.next(t); m["type"] != "conversation_initiation_client_data" {
		t.Fatalf("Expected init first, got %v", m)
	}
	if m := fa.next(t); m["user_audio_chunk"] != "AAA=" {
		t.Errorf("Expected buffered 'AAA=' first, got %v", m)
	}
	if m := fa.next(t); m["user_audio_chunk"] != "BBB=" {
		t.Errorf("Expected buffered 'BBB=' second, got %v", m)
	}
}

func TestSession_BuffersAgentAudioUntilStart(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())

	// Agent speaks before the telco start event arrives
	agentConn := fa.conn(t)
	agentConn.WriteJSON(map[string]interface{}{
		"type":        "audio_event",
		"audio_event": map[string]interface{}{"audio_base_64": "QQ=="},
	})
	time.Sleep(100 * time.Millisecond)

	telcoSend(t, telco, startMsg("MZ3", "CA3", nil))

	out := telcoNext(t, telco)
	if out["event"] != "media" || out["streamSid"] != "MZ3" {
		t.Fatalf("Expected buffered media on MZ3, got %v", out)
	}
	media := out["media"].(map[string]interface{})
	if media["payload"] != "QQ==" {
		t.Errorf("Expected payload 'QQ==', got '%v'", media["payload"])
	}
}

func TestSession_InterruptionClearsPlayback(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())
	telcoSend(t, telco, startMsg("MZ4", "CA4", nil))
	fa.next(t) // init

	agentConn := fa.conn(t)
	agentConn.WriteJSON(map[string]string{"type": "interruption"})

	out := telcoNext(t, telco)
	if out["event"] != "clear" {
		t.Fatalf("Expected clear event, got %v", out)
	}
	if out["streamSid"] != "MZ4" {
		t.Errorf("Expected streamSid 'MZ4', got '%v'", out["streamSid"])
	}
}

func TestSession_PingPong(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())
	telcoSend(t, telco, startMsg("MZ5", "CA5", nil))
	fa.next(t) // init

	agentConn := fa.conn(t)
	agentConn.WriteJSON(map[string]interface{}{
		"type":       "ping",
		"ping_event": map[string]int{"event_id": 5},
	})

	pong := fa.next(t)
	if pong["type"] != "pong" {
		t.Fatalf("Expected pong, got %v", pong)
	}
	if int(pong["event_id"].(float64)) != 5 {
		t.Errorf("Expected event_id 5, got %v", pong["event_id"])
	}
}

func TestSession_DuplicateStartSendsInitOnce(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())
	telcoSend(t, telco, startMsg("MZ6", "CA6", nil))
	fa.next(t) // init

	telcoSend(t, telco, startMsg("MZ6", "CA6", nil))
	telcoSend(t, telco, mediaMsg("AAA="))

	// The frame after the duplicate start is audio, not a second init
	m := fa.next(t)
	if m["type"] == "conversation_initiation_client_data" {
		t.Fatal("Init was sent twice")
	}
	if m["user_audio_chunk"] != "AAA=" {
		t.Errorf("Expected audio after duplicate start, got %v", m)
	}
}

func TestSession_VoicemailFlow(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	// AMD classification lands before the stream binds
	registry.Put("CA7", amd.ClassificationMachineStart)

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())
	telcoSend(t, telco, startMsg("MZ7", "CA7", map[string]string{"name": "John"}))

	init := fa.next(t)
	override := init["conversation_config_override"].(map[string]interface{})
	agentOverride := override["agent"].(map[string]interface{})
	if msg, _ := agentOverride["first_message"].(string); !strings.Contains(msg, "missed you") {
		t.Errorf("Expected voicemail first message, got '%v'", agentOverride["first_message"])
	}
	if _, ok := agentOverride["prompt"]; !ok {
		t.Error("Expected voicemail prompt override")
	}

	// The agent wraps up and requests hangup
	agentConn := fa.conn(t)
	agentConn.WriteJSON(map[string]interface{}{
		"type": "client_tool_call",
		"client_tool_call": map[string]interface{}{
			"tool_name":    "end_voicemail_call",
			"tool_call_id": "t9",
			"parameters":   map[string]string{},
		},
	})

	result := fa.next(t)
	if result["type"] != "client_tool_result" {
		t.Fatalf("Expected tool result, got %v", result)
	}
	if result["tool_call_id"] != "t9" {
		t.Errorf("Expected tool_call_id 't9', got '%v'", result["tool_call_id"])
	}
	if result["is_error"] != false {
		t.Errorf("Expected is_error false, got %v", result["is_error"])
	}

	// The session drives the close and the call is finalized
	fin.waitFor(t, "CA7")

	telco.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := telco.ReadMessage(); err == nil {
		t.Error("Expected telco WebSocket closed after voicemail hangup")
	}
}

func TestSession_AgentUnavailable(t *testing.T) {
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	dialer := &fakeDialer{err: agent.ErrAgentUnavailable}
	telco := startBridge(t, dialer, registry, fin, defaultOpts())

	telcoSend(t, telco, startMsg("MZ8", "CA8", nil))

	// The telco socket closes with an internal-error code and no init was sent
	telco.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := telco.ReadMessage()
	if err == nil {
		t.Fatal("Expected telco WebSocket closed")
	}
	if closeErr, ok := err.(*websocket.CloseError); ok {
		if closeErr.Code != websocket.CloseInternalServerErr {
			t.Errorf("Expected close code 1011, got %d", closeErr.Code)
		}
	}

	fin.waitFor(t, "CA8")
}

func TestSession_ToolCallDispatch(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())
	telcoSend(t, telco, startMsg("MZ9", "CA9", nil))
	fa.next(t) // init

	agentConn := fa.conn(t)
	agentConn.WriteJSON(map[string]interface{}{
		"type": "client_tool_call",
		"client_tool_call": map[string]interface{}{
			"tool_name":    "get_current_time",
			"tool_call_id": "t1",
			"parameters":   map[string]string{},
		},
	})

	result := fa.next(t)
	if result["type"] != "client_tool_result" {
		t.Fatalf("Expected tool result, got %v", result)
	}
	if result["is_error"] != false {
		t.Errorf("Expected is_error false, got %v", result["is_error"])
	}
	if res, _ := result["result"].(string); !strings.Contains(res, "current_time") {
		t.Errorf("Expected current_time in result, got '%v'", result["result"])
	}
}

func TestSession_MalformedTelcoFrameIsDropped(t *testing.T) {
	fa := newFakeAgent(t)
	fin := &finalizeRecorder{}
	registry := amd.NewRegistry(nil, time.Minute, zerolog.Nop())

	telco := startBridge(t, fa.dialer(), registry, fin, defaultOpts())

	if err := telco.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// The session survives and processes the following start normally
	telcoSend(t, telco, startMsg("MZ10", "CA10", nil))
	if m := fa.next(t); m["type"] != "conversation_initiation_client_data" {
		t.Errorf("Expected init after malformed frame, got %v", m)
	}
}
