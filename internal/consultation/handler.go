package consultation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scof256/hellodoctor-sub007/internal/agent"
	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

const maxBodyBytes = 1 << 20

type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// ErrorResponse is the typed error envelope of every endpoint.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

const (
	CategoryValidation    = "validation_error"
	CategoryConfiguration = "configuration_error"
	CategoryUpstream      = "upstream_error"
	CategoryNotFound      = "not_found"
	CategoryConflict      = "conflict"
	CategoryCancelled     = "cancelled"
	CategoryInternal      = "internal_error"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status, category := classify(err)
	writeJSON(w, status, ErrorResponse{Error: category, Details: err.Error()})
}

func classify(err error) (int, string) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, ErrInvalidAppointment):
		return http.StatusBadRequest, CategoryValidation
	case errors.Is(err, agent.ErrNotConfigured):
		return http.StatusServiceUnavailable, CategoryConfiguration
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, CategoryNotFound
	case errors.Is(err, ErrSessionClosed), errors.Is(err, ErrBookingExists),
		errors.Is(err, ErrNoBooking), errors.Is(err, ErrDuplicateMessage):
		return http.StatusConflict, CategoryConflict
	case errors.Is(err, agent.ErrUpstream):
		return http.StatusBadGateway, CategoryUpstream
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, CategoryCancelled
	}
	return http.StatusInternalServerError, CategoryInternal
}

// decodeTurnRequest validates the raw body field by field so each failure
// gets its own message.
func decodeTurnRequest(body []byte) (TurnRequest, error) {
	var req TurnRequest
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return req, invalid("body", "request body must be a JSON object")
	}

	raw, ok := fields["history"]
	if !ok || json.Unmarshal(raw, &req.History) != nil || req.History == nil {
		return req, invalid("history", "history must be an array of messages")
	}
	raw, ok = fields["medicalData"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return req, invalid("medicalData", "medicalData is required")
	}
	if err := json.Unmarshal(raw, &req.MedicalData); err != nil {
		return req, invalid("medicalData", "medicalData must be an object")
	}
	if raw, ok = fields["mode"]; !ok || json.Unmarshal(raw, &req.Mode) != nil {
		return req, invalid("mode", `mode must be "patient" or "doctor"`)
	}
	if raw, ok = fields["vitals"]; ok {
		if err := json.Unmarshal(raw, &req.Vitals); err != nil {
			return req, invalid("vitals", "vitals must be an object")
		}
	}
	if raw, ok = fields["sessionId"]; ok {
		_ = json.Unmarshal(raw, &req.SessionID)
	}
	if raw, ok = fields["clientMessageId"]; ok {
		_ = json.Unmarshal(raw, &req.ClientMessageID)
	}
	return req, req.Validate()
}

func (h *Handler) HandleTurn(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, invalid("body", "request body is too large or unreadable"))
		return
	}
	req, err := decodeTurnRequest(body)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.svc.ProcessTurn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type voiceTurnResponse struct {
	Text        string      `json:"text"`
	Result      *TurnResult `json:"result,omitempty"`
	AudioBase64 string      `json:"audioBase64,omitempty"`
}

// HandleVoiceTurn accepts multipart "audio" plus a "payload" field holding
// the turn request without the new utterance.
func (h *Handler) HandleVoiceTurn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeError(w, invalid("audio", "expected a multipart form with an audio file"))
		return
	}
	req, err := decodeTurnRequest([]byte(r.FormValue("payload")))
	if err != nil {
		writeError(w, err)
		return
	}

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, invalid("audio", "audio file is required"))
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		writeError(w, invalid("audio", "failed to read audio file"))
		return
	}

	text, result, err := h.svc.ProcessVoiceTurn(r.Context(), buf.Bytes(), header.Filename, req)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := voiceTurnResponse{Text: text, Result: result}
	if result != nil {
		if audio, err := h.svc.SynthesizeSpeech(r.Context(), result.Reply); err == nil {
			resp.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type TTSRequest struct {
	Text string `json:"text"`
}

func (h *Handler) HandleTTS(w http.ResponseWriter, r *http.Request) {
	var req TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, invalid("text", "text is required"))
		return
	}

	audio, err := h.svc.SynthesizeSpeech(r.Context(), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	_, _ = w.Write(audio)
}

type CreateConsultationRequest struct {
	PatientID string `json:"patientId"`
}

func (h *Handler) CreateConsultation(w http.ResponseWriter, r *http.Request) {
	var req CreateConsultationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, invalid("body", "request body must be a JSON object"))
		return
	}
	pid, err := uuid.Parse(req.PatientID)
	if err != nil {
		pid = uuid.New()
	}

	c, err := h.svc.CreateConsultation(r.Context(), pid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type consultationView struct {
	*Consultation
	Tracking intake.TrackingState `json:"tracking"`
}

func (h *Handler) GetConsultation(w http.ResponseWriter, r *http.Request) {
	id, err := consultationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, tracking, err := h.svc.GetConsultation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consultationView{Consultation: c, Tracking: tracking})
}

type AppointmentRequest struct {
	AppointmentAt time.Time `json:"appointmentAt"`
}

func (h *Handler) BookAppointment(w http.ResponseWriter, r *http.Request) {
	h.appointment(w, r, h.svc.BookAppointment)
}

func (h *Handler) RescheduleAppointment(w http.ResponseWriter, r *http.Request) {
	h.appointment(w, r, h.svc.RescheduleAppointment)
}

func (h *Handler) appointment(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, time.Time) (*Consultation, error)) {
	id, err := consultationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req AppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AppointmentAt.IsZero() {
		writeError(w, invalid("appointmentAt", "appointmentAt must be an RFC 3339 timestamp"))
		return
	}
	c, err := op(r.Context(), id, req.AppointmentAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CancelAppointment(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.svc.CancelAppointment)
}

func (h *Handler) CancelConsultation(w http.ResponseWriter, r *http.Request) {
	h.simple(w, r, h.svc.CancelConsultation)
}

func (h *Handler) simple(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID) (*Consultation, error)) {
	id, err := consultationID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := op(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func consultationID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, invalid("id", "invalid consultation id")
	}
	return id, nil
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/intake/turn", h.HandleTurn)
	r.Post("/intake/turn/audio", h.HandleVoiceTurn)
	r.Post("/tts", h.HandleTTS)

	r.Post("/sessions", h.CreateConsultation)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.GetConsultation)
		r.Post("/booking", h.BookAppointment)
		r.Post("/booking/reschedule", h.RescheduleAppointment)
		r.Delete("/booking", h.CancelAppointment)
		r.Post("/cancel", h.CancelConsultation)
	})
}
