// Package intake holds the conversation engine of the medical intake: agent
// roles, the medical-record aggregate, completeness scoring, per-turn tracking
// state, prompt directives, termination detection and the agent state machine.
//
// Everything in this package is pure. Values go in, values come out; nothing
// here performs I/O or keeps process-wide state.
package intake

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AgentRole names the specialized agent that owns the current stage.
type AgentRole string

const (
	AgentTriage               AgentRole = "Triage"
	AgentClinicalInvestigator AgentRole = "ClinicalInvestigator"
	AgentRecordsClerk         AgentRole = "RecordsClerk"
	AgentHistorySpecialist    AgentRole = "HistorySpecialist"
	AgentHandoverSpecialist   AgentRole = "HandoverSpecialist"
)

// Roles lists every agent in forward order.
var Roles = []AgentRole{
	AgentTriage,
	AgentClinicalInvestigator,
	AgentRecordsClerk,
	AgentHistorySpecialist,
	AgentHandoverSpecialist,
}

var ErrUnknownAgent = errors.New("unknown agent role")

// ParseAgentRole accepts the canonical role name. Matching ignores
// surrounding whitespace and letter case.
func ParseAgentRole(s string) (AgentRole, error) {
	s = strings.TrimSpace(s)
	for _, r := range Roles {
		if strings.EqualFold(string(r), s) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAgent, s)
}

// Rank returns the position of the role in the forward order, or -1.
func (r AgentRole) Rank() int {
	for i, role := range Roles {
		if role == r {
			return i
		}
	}
	return -1
}

func (r AgentRole) Valid() bool { return r.Rank() >= 0 }

// Terminal reports whether the role only transitions to itself.
func (r AgentRole) Terminal() bool { return r == AgentHandoverSpecialist }

// Message is one entry of the conversation history.
type Message struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Agent     AgentRole `json:"agent,omitempty"`
	Images    []string  `json:"images,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Handover is the SBAR summary written for the receiving clinician.
type Handover struct {
	Situation      string `json:"situation"`
	Background     string `json:"background"`
	Assessment     string `json:"assessment"`
	Recommendation string `json:"recommendation"`
}

// Complete reports whether all four SBAR fields carry text.
func (h *Handover) Complete() bool {
	if h == nil {
		return false
	}
	return present(h.Situation) && present(h.Background) &&
		present(h.Assessment) && present(h.Recommendation)
}

// MedicalData is the record accumulated over the conversation. Fields only
// move from empty toward filled; Merge never clears anything.
type MedicalData struct {
	ChiefComplaint        *string   `json:"chiefComplaint"`
	PresentIllness        *string   `json:"hpi"`
	RecordsCheckCompleted bool      `json:"recordsCheckCompleted"`
	Medications           []string  `json:"medications"`
	Allergies             []string  `json:"allergies"`
	PastMedicalHistory    []string  `json:"pastMedicalHistory"`
	FamilyHistory         *string   `json:"familyHistory"`
	SocialHistory         *string   `json:"socialHistory"`
	ClinicalHandover      *Handover `json:"clinicalHandover"`
	BookingStatus         *string   `json:"bookingStatus"`
	CurrentAgent          AgentRole `json:"currentAgent,omitempty"`
}

func (d MedicalData) HasChiefComplaint() bool { return presentPtr(d.ChiefComplaint) }

func (d MedicalData) HasPresentIllness() bool { return presentPtr(d.PresentIllness) }

// Merge folds a partial update into d. Empty values in the update are
// ignored; list fields gain the update's entries not already present.
// CurrentAgent is owned by the state machine and is not merged.
func (d MedicalData) Merge(u MedicalData) MedicalData {
	out := d.Clone()
	if !presentPtr(out.ChiefComplaint) && presentPtr(u.ChiefComplaint) {
		out.ChiefComplaint = strPtr(*u.ChiefComplaint)
	}
	if !presentPtr(out.PresentIllness) && presentPtr(u.PresentIllness) {
		out.PresentIllness = strPtr(*u.PresentIllness)
	}
	out.RecordsCheckCompleted = out.RecordsCheckCompleted || u.RecordsCheckCompleted
	out.Medications = union(out.Medications, u.Medications)
	out.Allergies = union(out.Allergies, u.Allergies)
	out.PastMedicalHistory = union(out.PastMedicalHistory, u.PastMedicalHistory)
	if !presentPtr(out.FamilyHistory) && presentPtr(u.FamilyHistory) {
		out.FamilyHistory = strPtr(*u.FamilyHistory)
	}
	if !presentPtr(out.SocialHistory) && presentPtr(u.SocialHistory) {
		out.SocialHistory = strPtr(*u.SocialHistory)
	}
	if u.ClinicalHandover != nil {
		h := Handover{}
		if out.ClinicalHandover != nil {
			h = *out.ClinicalHandover
		}
		fill(&h.Situation, u.ClinicalHandover.Situation)
		fill(&h.Background, u.ClinicalHandover.Background)
		fill(&h.Assessment, u.ClinicalHandover.Assessment)
		fill(&h.Recommendation, u.ClinicalHandover.Recommendation)
		out.ClinicalHandover = &h
	}
	if !presentPtr(out.BookingStatus) && presentPtr(u.BookingStatus) {
		out.BookingStatus = strPtr(*u.BookingStatus)
	}
	return out
}

// Clone returns a deep copy.
func (d MedicalData) Clone() MedicalData {
	out := d
	out.ChiefComplaint = clonePtr(d.ChiefComplaint)
	out.PresentIllness = clonePtr(d.PresentIllness)
	out.FamilyHistory = clonePtr(d.FamilyHistory)
	out.SocialHistory = clonePtr(d.SocialHistory)
	out.BookingStatus = clonePtr(d.BookingStatus)
	out.Medications = append([]string(nil), d.Medications...)
	out.Allergies = append([]string(nil), d.Allergies...)
	out.PastMedicalHistory = append([]string(nil), d.PastMedicalHistory...)
	if d.ClinicalHandover != nil {
		h := *d.ClinicalHandover
		out.ClinicalHandover = &h
	}
	return out
}

func present(s string) bool { return strings.TrimSpace(s) != "" }

func presentPtr(s *string) bool { return s != nil && present(*s) }

func strPtr(s string) *string { return &s }

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	return strPtr(*s)
}

func fill(dst *string, src string) {
	if !present(*dst) && present(src) {
		*dst = src
	}
}

func union(base, extra []string) []string {
	out := append([]string(nil), base...)
	seen := make(map[string]bool, len(out))
	for _, v := range out {
		seen[strings.ToLower(strings.TrimSpace(v))] = true
	}
	for _, v := range extra {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(v))
	}
	return out
}

func countPresent(items []string) int {
	n := 0
	for _, v := range items {
		if present(v) {
			n++
		}
	}
	return n
}
