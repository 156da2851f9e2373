package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/resilience"
	"github.com/rs/zerolog"
)

func newTestProxy(t *testing.T, handler http.Handler, timeout time.Duration) (*Proxy, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	breaker := resilience.NewCircuitBreaker("calcom", 5, time.Second)
	calendar := NewCalComClient(server.Client(), server.URL, "test-key", breaker)
	return NewProxy(calendar, timeout, zerolog.Nop()), server
}

func TestExecute_GetCurrentTime(t *testing.T) {
	proxy, _ := newTestProxy(t, http.NotFoundHandler(), time.Second)

	result, isErr := proxy.Execute(context.Background(), ToolGetCurrentTime, nil)
	if isErr {
		t.Fatalf("Expected success, got error result: %s", result)
	}

	var payload map[string]string
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		t.Fatalf("Result is not JSON: %v", err)
	}
	if payload["current_time"] == "" {
		t.Error("Expected current_time in result")
	}
	if payload["timezone"] != "Australia/Brisbane" {
		t.Errorf("Expected timezone 'Australia/Brisbane', got '%s'", payload["timezone"])
	}
}

func TestExecute_GetAvailableSlots(t *testing.T) {
	var gotQuery map[string]string
	var gotAuth string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{
			"eventTypeId": r.URL.Query().Get("eventTypeId"),
			"start":       r.URL.Query().Get("start"),
			"end":         r.URL.Query().Get("end"),
			"timeZone":    r.URL.Query().Get("timeZone"),
		}
		w.Write([]byte(`{"status":"success","data":{"slots":[]}}`))
	})
	proxy, _ := newTestProxy(t, handler, time.Second)

	params := json.RawMessage(`{"eventTypeId":"2171540","start":"2025-02-01","end":"2025-02-07","timeZone":"Australia/Perth"}`)
	result, isErr := proxy.Execute(context.Background(), ToolGetAvailableSlots, params)
	if isErr {
		t.Fatalf("Expected success, got error result: %s", result)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Expected bearer auth, got '%s'", gotAuth)
	}
	if gotQuery["eventTypeId"] != "2171540" {
		t.Errorf("Expected eventTypeId '2171540', got '%s'", gotQuery["eventTypeId"])
	}
	if gotQuery["start"] != "2025-02-01" || gotQuery["end"] != "2025-02-07" {
		t.Errorf("Unexpected date range: %s..%s", gotQuery["start"], gotQuery["end"])
	}
	if gotQuery["timeZone"] != "Australia/Perth" {
		t.Errorf("Expected timeZone 'Australia/Perth', got '%s'", gotQuery["timeZone"])
	}
	if !strings.Contains(result, "slots") {
		t.Errorf("Expected backend body passed through, got '%s'", result)
	}
}

func TestExecute_GetAvailableSlots_Defaults(t *testing.T) {
	var gotEnd, gotTZ string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEnd = r.URL.Query().Get("end")
		gotTZ = r.URL.Query().Get("timeZone")
		w.Write([]byte(`{}`))
	})
	proxy, _ := newTestProxy(t, handler, time.Second)

	params := json.RawMessage(`{"eventTypeId":"99","start":"2025-02-01","timeZone":"Not/AZone"}`)
	_, isErr := proxy.Execute(context.Background(), ToolGetAvailableSlots, params)
	if isErr {
		t.Fatal("Expected success with defaults applied")
	}

	if gotEnd != "2025-02-01" {
		t.Errorf("Expected end defaulted to start, got '%s'", gotEnd)
	}
	if gotTZ != "Australia/Brisbane" {
		t.Errorf("Expected malformed timezone defaulted to 'Australia/Brisbane', got '%s'", gotTZ)
	}
}

func TestExecute_GetAvailableSlots_MissingEventType(t *testing.T) {
	proxy, _ := newTestProxy(t, http.NotFoundHandler(), time.Second)

	params := json.RawMessage(`{"start":"2025-02-01"}`)
	result, isErr := proxy.Execute(context.Background(), ToolGetAvailableSlots, params)
	if !isErr {
		t.Fatal("Expected error result for missing eventTypeId")
	}
	if !strings.Contains(result, "eventTypeId") {
		t.Errorf("Expected error to name eventTypeId, got '%s'", result)
	}
}

func TestExecute_GetAvailableSlots_BadDate(t *testing.T) {
	proxy, _ := newTestProxy(t, http.NotFoundHandler(), time.Second)

	params := json.RawMessage(`{"eventTypeId":"99","start":"02/01/2025"}`)
	result, isErr := proxy.Execute(context.Background(), ToolGetAvailableSlots, params)
	if !isErr {
		t.Fatal("Expected error result for malformed start date")
	}
	if !strings.Contains(result, "YYYY-MM-DD") {
		t.Errorf("Expected date format hint in error, got '%s'", result)
	}
}

func TestExecute_BookMeeting(t *testing.T) {
	var gotBody string
	var gotMethod string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"success"}`))
	})
	proxy, _ := newTestProxy(t, handler, time.Second)

	params := json.RawMessage(`{"eventTypeId":2171540,"start":"2025-02-01T10:00:00Z"}`)
	result, isErr := proxy.Execute(context.Background(), ToolBookMeeting, params)
	if isErr {
		t.Fatalf("Expected success, got error result: %s", result)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("Expected POST, got %s", gotMethod)
	}
	if !strings.Contains(gotBody, "2171540") {
		t.Errorf("Expected parameters forwarded as body, got '%s'", gotBody)
	}
}

func TestExecute_Timeout(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{}`))
	})
	proxy, _ := newTestProxy(t, handler, 50*time.Millisecond)

	params := json.RawMessage(`{"eventTypeId":"99","start":"2025-02-01"}`)
	result, isErr := proxy.Execute(context.Background(), ToolGetAvailableSlots, params)
	if !isErr {
		t.Fatal("Expected error result on timeout")
	}
	if !strings.Contains(result, "timed out") {
		t.Errorf("Expected 'timed out' in result, got '%s'", result)
	}
}

func TestExecute_BackendFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`upstream exploded`))
	})
	proxy, _ := newTestProxy(t, handler, time.Second)

	params := json.RawMessage(`{"eventTypeId":"99","start":"2025-02-01"}`)
	result, isErr := proxy.Execute(context.Background(), ToolGetAvailableSlots, params)
	if !isErr {
		t.Fatal("Expected error result on backend failure")
	}
	if !strings.Contains(result, "502") {
		t.Errorf("Expected status in error body preview, got '%s'", result)
	}
}

func TestExecute_EndCallTools(t *testing.T) {
	proxy, _ := newTestProxy(t, http.NotFoundHandler(), time.Second)

	for _, tool := range []string{ToolEndCall, ToolEndVoicemailCall} {
		result, isErr := proxy.Execute(context.Background(), tool, nil)
		if isErr {
			t.Errorf("Expected %s to acknowledge, got error: %s", tool, result)
		}

		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(result), &payload); err != nil {
			t.Fatalf("Result is not JSON: %v", err)
		}
		if payload["success"] != true {
			t.Errorf("Expected success true for %s", tool)
		}
	}
}

func TestExecute_UnknownTool(t *testing.T) {
	proxy, _ := newTestProxy(t, http.NotFoundHandler(), time.Second)

	result, isErr := proxy.Execute(context.Background(), "open_pod_bay_doors", nil)
	if !isErr {
		t.Fatal("Expected error result for unknown tool")
	}
	if !strings.Contains(result, "unknown tool") {
		t.Errorf("Expected 'unknown tool' in result, got '%s'", result)
	}
}
