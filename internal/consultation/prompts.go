package consultation

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scof256/hellodoctor-sub007/internal/intake"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// PromptBook holds the prompt templates for each mode and agent.
type PromptBook struct {
	Patient string                      `yaml:"patient"`
	Doctor  string                      `yaml:"doctor"`
	Output  string                      `yaml:"output"`
	Agents  map[intake.AgentRole]string `yaml:"agents"`

	CompletionPhrases []string `yaml:"completion_phrases"`
}

// LoadPromptBook parses a YAML prompt book and checks that every agent has
// a template.
func LoadPromptBook(data []byte) (*PromptBook, error) {
	var b PromptBook
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse prompt book: %w", err)
	}
	if strings.TrimSpace(b.Patient) == "" {
		return nil, fmt.Errorf("prompt book: patient template is empty")
	}
	for _, r := range intake.Roles {
		if strings.TrimSpace(b.Agents[r]) == "" {
			return nil, fmt.Errorf("prompt book: no template for agent %s", r)
		}
	}
	return &b, nil
}

// DefaultPromptBook returns the embedded prompt book.
func DefaultPromptBook() *PromptBook {
	b, err := LoadPromptBook(defaultPrompts)
	if err != nil {
		panic(err)
	}
	return b
}

// Template assembles the full prompt template for a mode and agent.
func (b *PromptBook) Template(mode Mode, role intake.AgentRole) string {
	head := b.Patient
	if mode == ModeDoctor && strings.TrimSpace(b.Doctor) != "" {
		head = b.Doctor
	}
	agentPart, ok := b.Agents[role]
	if !ok {
		agentPart = b.Agents[intake.AgentTriage]
	}
	parts := []string{strings.TrimSpace(head), strings.TrimSpace(agentPart)}
	if out := strings.TrimSpace(b.Output); out != "" {
		parts = append(parts, out)
	}
	return strings.Join(parts, "\n\n")
}
