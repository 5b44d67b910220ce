package intake

import (
	"fmt"
	"strings"
)

// Placeholders recognized in prompt templates.
const (
	PlaceholderAnsweredTopics = "{{answeredTopics}}"
	PlaceholderFollowUpCount  = "{{followUpCount}}"
	PlaceholderTotalMessages  = "{{totalMessages}}"
	PlaceholderCompleteness   = "{{completeness}}"
	PlaceholderActiveAgent    = "{{activeAgent}}"
	PlaceholderCurrentStage   = "{{currentStage}}"
)

// NoTopicsYet is rendered in place of the answered-topics list when empty.
const NoTopicsYet = "None yet - nothing has been answered so far."

// Limits bound the interview. Zero fields take the defaults.
type Limits struct {
	MaxFollowUps       int `mapstructure:"max_follow_ups" yaml:"max_follow_ups"`
	MessageLimit       int `mapstructure:"message_limit" yaml:"message_limit"`
	SoftMessageLimit   int `mapstructure:"soft_message_limit" yaml:"soft_message_limit"`
	WrapUpCompleteness int `mapstructure:"wrap_up_completeness" yaml:"wrap_up_completeness"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxFollowUps:       2,
		MessageLimit:       20,
		SoftMessageLimit:   15,
		WrapUpCompleteness: 80,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxFollowUps <= 0 {
		l.MaxFollowUps = d.MaxFollowUps
	}
	if l.MessageLimit <= 0 {
		l.MessageLimit = d.MessageLimit
	}
	if l.SoftMessageLimit <= 0 {
		l.SoftMessageLimit = d.SoftMessageLimit
	}
	if l.WrapUpCompleteness <= 0 {
		l.WrapUpCompleteness = d.WrapUpCompleteness
	}
	return l
}

// Directive texts appended to the prompt.
const (
	DirectiveWrapUpStage = "CRITICAL: You have reached the follow-up limit for this stage. " +
		"Do not ask any more questions about this topic. Summarize what you have and move to the next stage NOW."
	DirectiveOneMoreFollowUp = "NOTE: You may ask at most ONE more follow-up question in this stage, then move on."
	DirectiveHardHandover    = "CRITICAL: The conversation has exceeded the message limit. " +
		"Hand over to the HandoverSpecialist immediately and produce the SBAR summary."
	DirectiveApproachingLimit = "WARNING: The conversation is approaching the message limit. " +
		"Prioritize the most important missing information and prepare to hand over."
	DirectiveWrapUpComplete = "The record is 80%+ complete. Wrap up the interview and hand over to the HandoverSpecialist."
)

// Injector renders tracking state into a prompt template.
type Injector struct {
	limits Limits
}

func NewInjector(limits Limits) *Injector {
	return &Injector{limits: limits.withDefaults()}
}

// Inject substitutes every recognized placeholder in template and appends
// the directives that apply to t.
func (in *Injector) Inject(template string, t TrackingState) string {
	r := strings.NewReplacer(
		PlaceholderAnsweredTopics, renderTopics(t.AnsweredTopics),
		PlaceholderFollowUpCount, fmt.Sprintf("%d/%d", t.ActiveFollowUps(), in.limits.MaxFollowUps),
		PlaceholderTotalMessages, fmt.Sprintf("%d/%d", t.TotalAgentMessages, in.limits.MessageLimit),
		PlaceholderCompleteness, fmt.Sprintf("%d%%", t.Completeness),
		PlaceholderActiveAgent, string(t.ActiveAgent),
		PlaceholderCurrentStage, string(StageFor(t.ActiveAgent)),
	)
	out := r.Replace(template)

	directives := in.Directives(t)
	if len(directives) == 0 {
		return out
	}
	return out + "\n\n" + strings.Join(directives, "\n\n")
}

// Directives lists the additional instructions for t. Each condition is
// checked on its own, so several may apply in the same turn.
func (in *Injector) Directives(t TrackingState) []string {
	var out []string
	followUps := t.ActiveFollowUps()
	switch {
	case followUps >= in.limits.MaxFollowUps:
		out = append(out, DirectiveWrapUpStage)
	case followUps == in.limits.MaxFollowUps-1:
		out = append(out, DirectiveOneMoreFollowUp)
	}
	switch {
	case t.TotalAgentMessages > in.limits.MessageLimit:
		out = append(out, DirectiveHardHandover)
	case t.TotalAgentMessages > in.limits.SoftMessageLimit:
		out = append(out, DirectiveApproachingLimit)
	}
	if t.Completeness >= in.limits.WrapUpCompleteness && t.ActiveAgent != AgentHandoverSpecialist {
		out = append(out, DirectiveWrapUpComplete)
	}
	return out
}

func renderTopics(topics []string) string {
	var b strings.Builder
	for _, topic := range topics {
		topic = stripBraces(topic)
		if strings.TrimSpace(topic) == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(topic)
	}
	if b.Len() == 0 {
		return NoTopicsYet
	}
	return b.String()
}

// stripBraces keeps a rendered value from reintroducing placeholder syntax.
func stripBraces(s string) string {
	return strings.NewReplacer("{", "", "}", "").Replace(s)
}
