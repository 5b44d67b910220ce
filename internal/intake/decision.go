package intake

import "strings"

// DecisionKind classifies a triage or termination decision.
type DecisionKind string

const (
	DecisionNone                  DecisionKind = ""
	DecisionEmergency             DecisionKind = "emergency"
	DecisionAgentAssisted         DecisionKind = "agent-assisted"
	DecisionDirectToDiagnosis     DecisionKind = "direct-to-diagnosis"
	DecisionCompletionPhrase      DecisionKind = "completion_phrase"
	DecisionCompletenessThreshold DecisionKind = "completeness_threshold"
)

// Decision is the value object produced by triage and termination checks.
type Decision struct {
	Kind        DecisionKind `json:"decision"`
	Reason      string       `json:"reason"`
	Factors     []string     `json:"factors,omitempty"`
	TargetAgent AgentRole    `json:"targetAgent,omitempty"`
	Confidence  float64      `json:"confidence"`
}

// ShouldTerminate reports whether the decision forces a handover.
func (d Decision) ShouldTerminate() bool {
	return d.Kind == DecisionCompletionPhrase || d.Kind == DecisionCompletenessThreshold
}

func (d Decision) IsEmergency() bool { return d.Kind == DecisionEmergency }

// VitalsDecision is produced by the vitals analyzer outside this package.
type VitalsDecision struct {
	IsEmergency     bool     `json:"isEmergency"`
	Severity        string   `json:"severity"`
	Indicators      []string `json:"indicators"`
	Recommendations []string `json:"recommendations"`
}

// TriageFromVitals converts an analyzer result into a Decision. A nil
// input yields DecisionNone.
func TriageFromVitals(v *VitalsDecision) Decision {
	if v == nil {
		return Decision{Kind: DecisionNone}
	}
	factors := append([]string(nil), v.Indicators...)
	if v.IsEmergency {
		return Decision{
			Kind:        DecisionEmergency,
			Reason:      "vitals indicate an emergency",
			Factors:     factors,
			TargetAgent: AgentHandoverSpecialist,
			Confidence:  1,
		}
	}
	switch strings.ToLower(strings.TrimSpace(v.Severity)) {
	case "moderate", "high", "severe":
		return Decision{
			Kind:        DecisionAgentAssisted,
			Reason:      "abnormal vitals, continue the agent-led interview",
			Factors:     factors,
			TargetAgent: AgentClinicalInvestigator,
			Confidence:  0.7,
		}
	}
	return Decision{
		Kind:        DecisionDirectToDiagnosis,
		Reason:      "vitals within normal range",
		Factors:     factors,
		TargetAgent: AgentTriage,
		Confidence:  0.6,
	}
}
