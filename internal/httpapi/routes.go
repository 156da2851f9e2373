// Package httpapi exposes the call-control HTTP surface: outbound call
// initiation, TwiML documents, Twilio status callbacks, and diagnostics.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/brightline-ai/voice-bridge/internal/agent"
	"github.com/brightline-ai/voice-bridge/internal/amd"
	"github.com/brightline-ai/voice-bridge/internal/predictor"
	"github.com/brightline-ai/voice-bridge/internal/telco"
	"github.com/rs/zerolog"
)

// CallController is the slice of the telco client the HTTP surface uses
type CallController interface {
	PlaceCall(to, answerURL, statusURL string) (string, error)
	Finalize(callSid string) error
}

// Server carries the handler dependencies
type Server struct {
	publicHost string
	calls      CallController
	cache      *agent.URLCache
	registry   *amd.Registry
	predictor  *predictor.Predictor
	logger     zerolog.Logger
	startedAt  time.Time
}

// NewServer creates the HTTP API server
func NewServer(publicHost string, calls CallController, cache *agent.URLCache, registry *amd.Registry, pred *predictor.Predictor, logger zerolog.Logger) *Server {
	return &Server{
		publicHost: publicHost,
		calls:      calls,
		cache:      cache,
		registry:   registry,
		predictor:  pred,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Register wires all non-WebSocket routes onto the mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/outbound-call", s.handleOutboundCall)
	mux.HandleFunc("/end-call", s.handleEndCall)
	mux.HandleFunc("/outbound-call-twiml", s.handleOutboundTwiML)
	mux.HandleFunc("/incoming-call-eleven", s.handleInboundTwiML)
	mux.HandleFunc("/twilio/inbound_call", s.handleInboundTwiML)
	mux.HandleFunc("/call-status", s.handleCallStatus)
	mux.HandleFunc("/optimization-status", s.handleOptimizationStatus)
}

type outboundCallRequest struct {
	Name             string            `json:"name"`
	Number           string            `json:"number"`
	AirtableRecordID string            `json:"airtableRecordId"`
	CustomParameters map[string]string `json:"customParameters"`
}

func (s *Server) handleOutboundCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req outboundCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Number == "" {
		writeError(w, http.StatusBadRequest, "number is required")
		return
	}

	s.predictor.RecordCall()

	answerURL := s.twimlURL(req)
	statusURL := fmt.Sprintf("https://%s/call-status", s.publicHost)

	callSid, err := s.calls.PlaceCall(req.Number, answerURL, statusURL)
	if err != nil {
		s.logger.Error().Err(err).Str("number", req.Number).Msg("Outbound call failed")
		writeError(w, http.StatusInternalServerError, "failed to place call")
		return
	}

	stats := s.predictor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"callSid":      callSid,
		"customerName": req.Name,
		"optimizations": map[string]interface{}{
			"signedUrlsCached":    s.cache.Size(),
			"signedUrlTarget":     s.cache.Target(),
			"predictedCallVolume": stats.PredictedNext2h,
		},
	})
}

func (s *Server) twimlURL(req outboundCallRequest) string {
	q := url.Values{}
	q.Set("name", req.Name)
	q.Set("number", req.Number)
	if req.AirtableRecordID != "" {
		q.Set("airtableRecordId", req.AirtableRecordID)
	}
	if len(req.CustomParameters) > 0 {
		if blob, err := json.Marshal(req.CustomParameters); err == nil {
			q.Set("customParams", base64.StdEncoding.EncodeToString(blob))
		}
	}
	return fmt.Sprintf("https://%s/outbound-call-twiml?%s", s.publicHost, q.Encode())
}

type endCallRequest struct {
	CallSid string `json:"callSid"`
}

func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}

	var req endCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallSid == "" {
		writeError(w, http.StatusBadRequest, "callSid is required")
		return
	}

	if err := s.calls.Finalize(req.CallSid); err != nil {
		s.logger.Error().Err(err).Str("call_sid", req.CallSid).Msg("End call failed")
		writeError(w, http.StatusInternalServerError, "failed to end call")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleOutboundTwiML(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := map[string]string{
		"name":   q.Get("name"),
		"number": q.Get("number"),
	}
	if v := q.Get("airtableRecordId"); v != "" {
		params["airtableRecordId"] = v
	}
	if v := q.Get("customParams"); v != "" {
		params["customParams"] = v
	}

	streamURL := fmt.Sprintf("wss://%s/outbound-media-stream", s.publicHost)
	xml, err := telco.StreamTwiML(streamURL, params)
	if err != nil {
		s.logger.Error().Err(err).Msg("TwiML generation failed")
		http.Error(w, "twiml generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, xml)
}

func (s *Server) handleInboundTwiML(w http.ResponseWriter, r *http.Request) {
	s.predictor.RecordCall()

	streamURL := fmt.Sprintf("wss://%s/media-stream", s.publicHost)
	xml, err := telco.StreamTwiML(streamURL, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("TwiML generation failed")
		http.Error(w, "twiml generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprint(w, xml)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	callSid := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	answeredBy := r.FormValue("AnsweredBy")
	duration := r.FormValue("Duration")

	s.logger.Info().
		Str("call_sid", callSid).
		Str("call_status", callStatus).
		Str("answered_by", answeredBy).
		Str("duration", duration).
		Msg("Call status callback")

	if answeredBy != "" {
		s.registry.Put(callSid, answeredBy)
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleOptimizationStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.predictor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"url_cache": map[string]int{
			"size":   s.cache.Size(),
			"target": s.cache.Target(),
		},
		"amd_registry": map[string]int{
			"size": s.registry.Size(),
		},
		"predictor":      stats,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Server is running"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   msg,
	})
}
