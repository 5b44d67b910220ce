package intake

import "strings"

// Stage is the tracking key for the interview step an agent owns.
type Stage string

const (
	StageTriage   Stage = "triage"
	StageSymptoms Stage = "symptoms"
	StageRecords  Stage = "records"
	StageHistory  Stage = "history"
	StageReview   Stage = "review"
)

// StageFor maps a role to its stage. Unknown roles fall back to triage so
// the lookup is total.
func StageFor(r AgentRole) Stage {
	switch r {
	case AgentClinicalInvestigator:
		return StageSymptoms
	case AgentRecordsClerk:
		return StageRecords
	case AgentHistorySpecialist:
		return StageHistory
	case AgentHandoverSpecialist:
		return StageReview
	default:
		return StageTriage
	}
}

// TrackingState is the per-conversation progress carried into and out of
// every turn. It is a plain value: callers own their copy.
type TrackingState struct {
	FollowUps          map[Stage]int `json:"followUpCounts"`
	AnsweredTopics     []string      `json:"answeredTopics"`
	TotalAgentMessages int           `json:"totalAgentMessages"`
	Completeness       int           `json:"completeness"`
	ActiveAgent        AgentRole     `json:"activeAgent"`
}

// NewTrackingState returns the session-start state.
func NewTrackingState() TrackingState {
	return TrackingState{
		FollowUps: map[Stage]int{
			StageTriage:   0,
			StageSymptoms: 0,
			StageRecords:  0,
			StageHistory:  0,
			StageReview:   0,
		},
		AnsweredTopics: []string{},
		ActiveAgent:    AgentTriage,
	}
}

// FollowUpsFor returns the follow-up count of a stage; absent stages count 0.
func (t TrackingState) FollowUpsFor(s Stage) int {
	return t.FollowUps[s]
}

// ActiveFollowUps is the follow-up count of the active agent's stage.
func (t TrackingState) ActiveFollowUps() int {
	return t.FollowUpsFor(StageFor(t.ActiveAgent))
}

func (t TrackingState) Clone() TrackingState {
	out := t
	out.FollowUps = make(map[Stage]int, len(t.FollowUps))
	for k, v := range t.FollowUps {
		out.FollowUps[k] = v
	}
	out.AnsweredTopics = append([]string{}, t.AnsweredTopics...)
	return out
}

// WithTopics returns a copy with the given topics appended, skipping blanks
// and topics already recorded (case-insensitively).
func (t TrackingState) WithTopics(topics ...string) TrackingState {
	out := t.Clone()
	seen := make(map[string]bool, len(out.AnsweredTopics))
	for _, topic := range out.AnsweredTopics {
		seen[strings.ToLower(topic)] = true
	}
	for _, topic := range topics {
		topic = strings.TrimSpace(topic)
		key := strings.ToLower(topic)
		if topic == "" || seen[key] {
			continue
		}
		seen[key] = true
		out.AnsweredTopics = append(out.AnsweredTopics, topic)
	}
	return out
}

// TopicsFromData names the parts of the record that already hold answers,
// in interview order.
func TopicsFromData(d MedicalData) []string {
	var topics []string
	if d.HasChiefComplaint() {
		topics = append(topics, "chief complaint")
	}
	if d.HasPresentIllness() {
		topics = append(topics, "history of present illness")
	}
	if countPresent(d.Medications) > 0 {
		topics = append(topics, "medications")
	}
	if countPresent(d.Allergies) > 0 {
		topics = append(topics, "allergies")
	}
	if countPresent(d.PastMedicalHistory) > 0 {
		topics = append(topics, "past medical history")
	}
	if presentPtr(d.FamilyHistory) {
		topics = append(topics, "family history")
	}
	if presentPtr(d.SocialHistory) {
		topics = append(topics, "social history")
	}
	return topics
}
