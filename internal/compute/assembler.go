package compute

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tmc/langchaingo/prompts"
)

// PromptAssembler turns a job payload into a provider-ready prompt, keyed
// by skill id. The profile hash is threaded through so prompts sharing a
// profile render against the same template preamble, which is what makes
// provider-side prompt caching effective.
type PromptAssembler interface {
	Assemble(skillID, profileHash string, payload map[string]any) (string, error)
}

const defaultSkillTemplate = `You are executing skill {skill} under profile {profile}.

Input:
{payload}

Produce the artifact content for this input.`

// TemplateAssembler renders prompts from per-skill templates. Templates use
// {skill}, {profile}, and {payload} variables; unknown skills fall back to
// a generic template.
type TemplateAssembler struct {
	mu        sync.RWMutex
	templates map[string]prompts.PromptTemplate
	fallback  prompts.PromptTemplate
}

// NewTemplateAssembler builds an assembler with only the fallback template
// registered.
func NewTemplateAssembler() *TemplateAssembler {
	return &TemplateAssembler{
		templates: make(map[string]prompts.PromptTemplate),
		fallback:  newSkillTemplate(defaultSkillTemplate),
	}
}

func newSkillTemplate(text string) prompts.PromptTemplate {
	return prompts.NewPromptTemplate(text, []string{"skill", "profile", "payload"})
}

// RegisterSkill installs or replaces the template for a skill id.
func (a *TemplateAssembler) RegisterSkill(skillID, templateText string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.templates[skillID] = newSkillTemplate(templateText)
}

// Assemble renders the prompt for one job.
func (a *TemplateAssembler) Assemble(skillID, profileHash string, payload map[string]any) (string, error) {
	a.mu.RLock()
	tmpl, ok := a.templates[skillID]
	a.mu.RUnlock()
	if !ok {
		tmpl = a.fallback
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}

	prompt, err := tmpl.Format(map[string]any{
		"skill":   skillID,
		"profile": profileHash,
		"payload": string(encoded),
	})
	if err != nil {
		return "", fmt.Errorf("format prompt for skill %s: %w", skillID, err)
	}
	return prompt, nil
}
