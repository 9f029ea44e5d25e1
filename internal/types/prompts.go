package types

import "strings"

// NoEvent is the classifier sentinel returned when nothing matches.
const NoEvent = "No Event Detected"

// UseCase is a named classification task: its selectable options in priority
// order, optional keyword rules, and free-text details substituted into the
// shared user-prompt template.
type UseCase struct {
	// ID is the use case identifier
	ID string `yaml:"id"`
	// Options are the selectable labels; declaration order is priority order
	Options []string `yaml:"options"`
	// Keywords maps an option label to the substrings that select it
	// (matched case-insensitively against the model output)
	Keywords map[string][]string `yaml:"keywords"`
	// Details is free text substituted for the {details} placeholder
	Details string `yaml:"details"`
}

// PromptSet is the full prompt configuration loaded at startup. Read-only for
// the lifetime of the session.
type PromptSet struct {
	// SystemPrompt is the shared system text for monitoring requests
	SystemPrompt string `yaml:"system_prompt"`
	// UserPromptTemplate is the shared user text with a {details} placeholder
	UserPromptTemplate string `yaml:"user_prompt_template"`
	// UseCases are the configured classification tasks
	UseCases []UseCase `yaml:"use_cases"`
}

// UseCase returns the use case with the given ID, or nil.
func (p *PromptSet) UseCase(id string) *UseCase {
	for i := range p.UseCases {
		if p.UseCases[i].ID == id {
			return &p.UseCases[i]
		}
	}
	return nil
}

// RenderUserPrompt substitutes the use case details into the shared template.
func (p *PromptSet) RenderUserPrompt(uc *UseCase) string {
	return strings.ReplaceAll(p.UserPromptTemplate, "{details}", uc.Details)
}
