package intake

import (
	"errors"
	"fmt"
)

var ErrBackwardTransition = errors.New("backward agent transition")

// TransitionSource names the rule that picked the next agent.
type TransitionSource string

const (
	SourceEmergency    TransitionSource = "emergency"
	SourceTermination  TransitionSource = "termination"
	SourceMessageLimit TransitionSource = "message_limit"
	SourceGenerator    TransitionSource = "generator"
	SourceTerminal     TransitionSource = "terminal"
)

// Signals are the per-turn inputs to the state machine.
type Signals struct {
	// Triage is the vitals decision; only DecisionEmergency acts on it.
	Triage      Decision
	Termination Decision
	// Proposed is the activeAgent field returned by the generator, as is.
	Proposed string
}

// Transition records one step of the machine. Err is set when the
// generator's proposal was rejected; To then equals From.
type Transition struct {
	From   AgentRole        `json:"from"`
	To     AgentRole        `json:"to"`
	Source TransitionSource `json:"source"`
	Err    error            `json:"-"`
}

func (t Transition) Changed() bool { return t.From != t.To }

// Machine owns the active-agent field of the tracking state.
type Machine struct {
	limits  Limits
	weights Weights
}

func NewMachine(limits Limits, weights Weights) *Machine {
	return &Machine{limits: limits.withDefaults(), weights: weights}
}

// Next picks the agent for the coming turn without touching any counters.
// Priority: emergency vitals, termination, message limit, generator.
func (m *Machine) Next(state TrackingState, sig Signals) Transition {
	from := state.ActiveAgent
	if !from.Valid() {
		from = AgentTriage
	}
	t := Transition{From: from, To: from}

	if from.Terminal() {
		t.Source = SourceTerminal
		return t
	}

	if sig.Triage.IsEmergency() {
		t.To = AgentHandoverSpecialist
		t.Source = SourceEmergency
		return t
	}

	if sig.Termination.ShouldTerminate() {
		t.To = sig.Termination.TargetAgent
		if !t.To.Valid() || t.To.Rank() < from.Rank() {
			t.To = AgentHandoverSpecialist
		}
		t.Source = SourceTermination
		return t
	}

	if state.TotalAgentMessages+1 > m.limits.MessageLimit {
		t.To = AgentHandoverSpecialist
		t.Source = SourceMessageLimit
		return t
	}

	t.Source = SourceGenerator
	if sig.Proposed == "" {
		return t
	}
	proposed, err := ParseAgentRole(sig.Proposed)
	if err != nil {
		t.Err = err
		return t
	}
	if proposed.Rank() < from.Rank() {
		t.Err = fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, from, proposed)
		return t
	}
	t.To = proposed
	return t
}

// Advance runs one completed turn: it picks the next agent, updates the
// follow-up counters, counts the agent message and rescores data.
func (m *Machine) Advance(state TrackingState, data MedicalData, sig Signals) (TrackingState, Transition) {
	t := m.Next(state, sig)
	next := step(state, t.To)
	next.TotalAgentMessages++
	next.Completeness = m.weights.Score(data)
	next = next.WithTopics(TopicsFromData(data)...)
	return next, t
}

// Replay rebuilds the tracking state from the stored history and record.
// Assistant messages without an agent tag count as turns of the agent
// active at that point.
func (m *Machine) Replay(history []Message, data MedicalData) TrackingState {
	state := NewTrackingState()
	for _, msg := range history {
		if msg.Role != RoleAssistant {
			continue
		}
		to := state.ActiveAgent
		if msg.Agent.Valid() && msg.Agent.Rank() >= to.Rank() && !to.Terminal() {
			to = msg.Agent
		}
		state = step(state, to)
		state.TotalAgentMessages++
	}
	if cur := data.CurrentAgent; cur.Valid() && cur.Rank() > state.ActiveAgent.Rank() {
		state = step(state, cur)
	}
	state.Completeness = m.weights.Score(data)
	return state.WithTopics(TopicsFromData(data)...)
}

// step moves the state to agent to. A stage change resets the destination
// counter; staying in the same stage counts one more follow-up.
func step(state TrackingState, to AgentRole) TrackingState {
	next := state.Clone()
	if next.FollowUps == nil {
		next.FollowUps = map[Stage]int{}
	}
	fromStage, toStage := StageFor(state.ActiveAgent), StageFor(to)
	if fromStage != toStage {
		next.FollowUps[toStage] = 0
	} else {
		next.FollowUps[toStage]++
	}
	next.ActiveAgent = to
	return next
}
