package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/care/vigil/internal/types"
)

// LoadPrompts reads the prompt document: the shared system prompt, the user
// prompt template, and the use case table. YAML is a JSON superset, so plain
// JSON prompt files load too.
func LoadPrompts(path string) (*types.PromptSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}

	var ps types.PromptSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}

	if err := validatePrompts(&ps); err != nil {
		return nil, fmt.Errorf("invalid prompts: %w", err)
	}

	return &ps, nil
}

func validatePrompts(ps *types.PromptSet) error {
	if ps.SystemPrompt == "" {
		return fmt.Errorf("system_prompt is required")
	}
	if ps.UserPromptTemplate == "" {
		return fmt.Errorf("user_prompt_template is required")
	}
	if len(ps.UseCases) == 0 {
		return fmt.Errorf("at least one use case is required")
	}

	seen := make(map[string]bool, len(ps.UseCases))
	for i := range ps.UseCases {
		uc := &ps.UseCases[i]
		if uc.ID == "" {
			return fmt.Errorf("use case %d: id is required", i)
		}
		if uc.ID == types.TriggerCustom {
			return fmt.Errorf("use case id %q is reserved", types.TriggerCustom)
		}
		if seen[uc.ID] {
			return fmt.Errorf("duplicate use case id %q", uc.ID)
		}
		seen[uc.ID] = true
	}

	return nil
}
