package intake

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var allPlaceholders = []string{
	PlaceholderAnsweredTopics,
	PlaceholderFollowUpCount,
	PlaceholderTotalMessages,
	PlaceholderCompleteness,
	PlaceholderActiveAgent,
	PlaceholderCurrentStage,
}

func TestStageForCoversEveryRole(t *testing.T) {
	seen := map[Stage]bool{}
	for _, r := range Roles {
		s := StageFor(r)
		assert.NotEmpty(t, s, r)
		seen[s] = true
	}
	assert.Len(t, seen, len(Roles))
	assert.Equal(t, StageTriage, StageFor(AgentRole("Nobody")))
}

func TestInjectReplacesEveryPlaceholder(t *testing.T) {
	template := strings.Join(allPlaceholders, " | ") + "\n" + strings.Join(allPlaceholders, "")
	states := []TrackingState{
		NewTrackingState(),
		{ActiveAgent: AgentRecordsClerk, TotalAgentMessages: 30, Completeness: 90,
			AnsweredTopics: []string{"{{completeness}}", "allergies"}},
		{},
	}

	in := NewInjector(DefaultLimits())
	for _, st := range states {
		out := in.Inject(template, st)
		for _, p := range allPlaceholders {
			assert.NotContains(t, out, p)
		}
		assert.NotContains(t, out, "{{")
	}
}

func TestInjectRendersValues(t *testing.T) {
	st := NewTrackingState()
	st.ActiveAgent = AgentClinicalInvestigator
	st.FollowUps[StageSymptoms] = 1
	st.TotalAgentMessages = 7
	st.Completeness = 45
	st = st.WithTopics("chief complaint", "medications")

	out := NewInjector(DefaultLimits()).Inject(
		"topics:\n{{answeredTopics}}\nfollow-ups {{followUpCount}} messages {{totalMessages}} done {{completeness}}", st)

	assert.Contains(t, out, "- chief complaint\n- medications")
	assert.Contains(t, out, "follow-ups 1/2")
	assert.Contains(t, out, "messages 7/20")
	assert.Contains(t, out, "done 45%")
	assert.Contains(t, out, DirectiveOneMoreFollowUp)
}

func TestInjectEmptyTopicsSentinel(t *testing.T) {
	out := NewInjector(DefaultLimits()).Inject("{{answeredTopics}}", NewTrackingState())
	assert.True(t, strings.HasPrefix(out, NoTopicsYet))
}

func TestDirectives(t *testing.T) {
	in := NewInjector(DefaultLimits())
	tests := []struct {
		name  string
		state TrackingState
		want  []string
	}{
		{
			name:  "fresh conversation",
			state: NewTrackingState(),
			want:  nil,
		},
		{
			name: "stage limit reached",
			state: TrackingState{ActiveAgent: AgentTriage,
				FollowUps: map[Stage]int{StageTriage: 2}},
			want: []string{DirectiveWrapUpStage},
		},
		{
			name: "soft message limit",
			state: TrackingState{ActiveAgent: AgentRecordsClerk,
				TotalAgentMessages: 16},
			want: []string{DirectiveApproachingLimit},
		},
		{
			name: "exactly twenty is still soft",
			state: TrackingState{ActiveAgent: AgentRecordsClerk,
				TotalAgentMessages: 20},
			want: []string{DirectiveApproachingLimit},
		},
		{
			name: "everything fires at once",
			state: TrackingState{ActiveAgent: AgentHistorySpecialist,
				FollowUps:          map[Stage]int{StageHistory: 3},
				TotalAgentMessages: 21, Completeness: 85},
			want: []string{DirectiveWrapUpStage, DirectiveHardHandover, DirectiveWrapUpComplete},
		},
		{
			name: "handover agent skips completeness directive",
			state: TrackingState{ActiveAgent: AgentHandoverSpecialist,
				Completeness: 95},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, in.Directives(tt.state))
		})
	}
}
