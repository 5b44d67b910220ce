package consultation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

func TestDefaultPromptBookCoversEveryAgent(t *testing.T) {
	b := DefaultPromptBook()
	for _, r := range intake.Roles {
		assert.NotEmpty(t, strings.TrimSpace(b.Agents[r]), r)
	}
}

func TestTemplateSelectsModeAndAgent(t *testing.T) {
	b, err := LoadPromptBook([]byte(`
patient: PATIENT {{activeAgent}}
doctor: DOCTOR
output: OUTPUT
agents:
  Triage: triage part
  ClinicalInvestigator: investigator part
  RecordsClerk: clerk part
  HistorySpecialist: history part
  HandoverSpecialist: handover part
`))
	require.NoError(t, err)

	p := b.Template(ModePatient, intake.AgentRecordsClerk)
	assert.Equal(t, "PATIENT {{activeAgent}}\n\nclerk part\n\nOUTPUT", p)

	d := b.Template(ModeDoctor, intake.AgentTriage)
	assert.True(t, strings.HasPrefix(d, "DOCTOR"))
	assert.Contains(t, d, "triage part")

	assert.Contains(t, b.Template(ModePatient, intake.AgentRole("Nobody")), "triage part")
}

func TestLoadPromptBookRejectsMissingAgent(t *testing.T) {
	_, err := LoadPromptBook([]byte("patient: hi\nagents:\n  Triage: x\n"))
	assert.ErrorContains(t, err, "no template for agent")

	_, err = LoadPromptBook([]byte("agents: {}"))
	assert.ErrorContains(t, err, "patient template is empty")
}

func TestDefaultTemplatesInjectCleanly(t *testing.T) {
	b := DefaultPromptBook()
	inj := intake.NewInjector(intake.DefaultLimits())
	for _, mode := range []Mode{ModePatient, ModeDoctor} {
		for _, r := range intake.Roles {
			state := intake.NewTrackingState()
			state.ActiveAgent = r
			out := inj.Inject(b.Template(mode, r), state)
			assert.NotContains(t, out, "{{answeredTopics}}")
			assert.NotContains(t, out, "{{completeness}}")
			assert.NotContains(t, out, "{{activeAgent}}")
		}
	}
}

func TestDefaultPromptBookCompletionPhrases(t *testing.T) {
	b := DefaultPromptBook()
	require.NotEmpty(t, b.CompletionPhrases)
	d := intake.NewDetector(b.CompletionPhrases)
	assert.True(t, d.MatchesCompletion("Okay, that's all from me."))
	assert.False(t, d.MatchesCompletion("it hurts all the time"))
}
