package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/scof256/hellodoctor-sub007/internal/consultation"
	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

var ErrRejected = errors.New("server rejected the message")

// Reply is the server's answer to one delivered message.
type Reply struct {
	TempID      string
	MessageID   string
	Text        string
	Agent       intake.AgentRole
	Duplicate   bool
	Termination *intake.Decision
}

// TurnSender delivers messages as intake turns and keeps the conversation
// history and medical record the server needs with every turn. Only the
// queue worker calls Send, so turns go out one at a time.
type TurnSender struct {
	baseURL string
	mode    consultation.Mode
	client  *http.Client
	onReply func(Reply)

	mu          sync.Mutex
	history     []intake.Message
	medicalData intake.MedicalData
}

func NewTurnSender(baseURL string, mode consultation.Mode, onReply func(Reply)) *TurnSender {
	return &TurnSender{
		baseURL: strings.TrimRight(baseURL, "/"),
		mode:    mode,
		client:  &http.Client{Timeout: 2 * time.Minute},
		onReply: onReply,
	}
}

// CreateSession starts a new server-side session and returns its id.
func (s *TurnSender) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/sessions", strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", decodeError(resp)
	}

	var c consultation.Consultation
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return c.ID.String(), nil
}

// Sync loads the stored history and record of a server-side session.
func (s *TurnSender) Sync(ctx context.Context, conversationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/sessions/"+conversationID, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("load session %s: %w", conversationID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	var c consultation.Consultation
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	s.mu.Lock()
	s.history = c.Messages()
	s.medicalData = c.MedicalData
	s.mu.Unlock()
	return nil
}

func (s *TurnSender) Send(ctx context.Context, conversationID string, m Message) (string, error) {
	s.mu.Lock()
	history := append(append([]intake.Message(nil), s.history...), intake.Message{
		Role:      intake.RoleUser,
		Content:   m.Text,
		Images:    m.Images,
		Timestamp: m.CreatedAt,
	})
	body, err := json.Marshal(consultation.TurnRequest{
		SessionID:       conversationID,
		ClientMessageID: m.TempID,
		History:         history,
		MedicalData:     s.medicalData,
		Mode:            s.mode,
	})
	s.mu.Unlock()
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/intake/turn", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send turn: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	var result consultation.TurnResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode turn result: %w", err)
	}

	s.mu.Lock()
	s.history = append(history, intake.Message{
		Role:      intake.RoleAssistant,
		Content:   result.Reply,
		Agent:     result.ActiveAgent,
		Timestamp: time.Now().UTC(),
	})
	s.medicalData = result.MedicalData
	s.mu.Unlock()

	if s.onReply != nil {
		s.onReply(Reply{
			TempID:      m.TempID,
			MessageID:   result.MessageID,
			Text:        result.Reply,
			Agent:       result.ActiveAgent,
			Duplicate:   result.Duplicate,
			Termination: result.Termination,
		})
	}
	return result.MessageID, nil
}

// MedicalData returns the record as of the last reply.
func (s *TurnSender) MedicalData() intake.MedicalData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.medicalData.Clone()
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var e consultation.ErrorResponse
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return fmt.Errorf("%w (%d %s): %s", ErrRejected, resp.StatusCode, e.Error, e.Details)
	}
	return fmt.Errorf("%w (%s): %s", ErrRejected, resp.Status, strings.TrimSpace(string(data)))
}

// HTTPProbe reports whether the server answers its health check.
func HTTPProbe(baseURL string) func(context.Context) bool {
	client := &http.Client{Timeout: 5 * time.Second}
	url := strings.TrimRight(baseURL, "/") + "/healthz"
	return func(ctx context.Context) bool {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}
}
