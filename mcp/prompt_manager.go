package mcp

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PromptManager holds the prompt templates a server exposes.
type PromptManager struct {
	mu      sync.RWMutex
	prompts map[string]Prompt
}

// NewPromptManager creates a PromptManager seeded with the given prompts.
func NewPromptManager(prompts []Prompt) (*PromptManager, error) {
	pm := &PromptManager{
		prompts: make(map[string]Prompt),
	}
	for _, prompt := range prompts {
		if err := pm.AddPrompt(prompt); err != nil {
			return nil, err
		}
	}
	return pm, nil
}

// AddPrompt registers a prompt template under its name.
func (pm *PromptManager) AddPrompt(prompt Prompt) error {
	if err := validatePrompt(prompt); err != nil {
		return err
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.prompts[prompt.Name] = prompt
	return nil
}

// DeletePrompt removes a prompt by name.
func (pm *PromptManager) DeletePrompt(name string) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if _, exists := pm.prompts[name]; !exists {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	delete(pm.prompts, name)
	return nil
}

// ListPrompts returns all prompts sorted by name, with optional pagination.
// The list view carries metadata only, not the template messages.
func (pm *PromptManager) ListPrompts(cursor string, limit int) ListPromptsResult {
	if limit <= 0 {
		limit = 50
	}

	pm.mu.RLock()
	names := make([]string, 0, len(pm.prompts))
	for name := range pm.prompts {
		names = append(names, name)
	}
	sort.Strings(names)

	startIdx := 0
	if cursor != "" {
		for i, name := range names {
			if name == cursor {
				startIdx = i + 1
				break
			}
		}
	}

	endIdx := startIdx + limit
	if endIdx > len(names) {
		endIdx = len(names)
	}

	page := make([]Prompt, 0, endIdx-startIdx)
	for i := startIdx; i < endIdx; i++ {
		p := pm.prompts[names[i]]
		page = append(page, Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	pm.mu.RUnlock()

	var nextCursor string
	if endIdx < len(names) {
		nextCursor = names[endIdx-1]
	}

	return ListPromptsResult{
		Prompts:    page,
		NextCursor: nextCursor,
	}
}

// GetPrompt resolves a prompt by name and substitutes the provided arguments
// into its messages.
func (pm *PromptManager) GetPrompt(params GetPromptParams) (*Prompt, error) {
	pm.mu.RLock()
	prompt, exists := pm.prompts[params.Name]
	pm.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, params.Name)
	}
	return processPrompt(prompt, params.Arguments)
}

// processPrompt handles argument substitution in prompts.
func processPrompt(prompt Prompt, arguments json.RawMessage) (*Prompt, error) {
	var providedArgs map[string]interface{}
	if len(arguments) > 0 {
		if err := json.Unmarshal(arguments, &providedArgs); err != nil {
			return nil, fmt.Errorf("invalid arguments format: %w", err)
		}
	}

	for _, arg := range prompt.Arguments {
		if arg.Required {
			if _, exists := providedArgs[arg.Name]; !exists {
				return nil, fmt.Errorf("missing required argument: %s", arg.Name)
			}
		}
	}

	if len(prompt.Arguments) == 0 {
		return &Prompt{
			Name:        prompt.Name,
			Description: prompt.Description,
			Messages:    prompt.Messages,
		}, nil
	}

	processed := Prompt{
		Name:        prompt.Name,
		Description: prompt.Description,
		Messages:    make([]PromptMessage, len(prompt.Messages)),
	}

	for i, msg := range prompt.Messages {
		text := msg.Content.Text

		for _, arg := range prompt.Arguments {
			if value, exists := providedArgs[arg.Name]; exists {
				if strValue, ok := value.(string); ok {
					text = strings.ReplaceAll(text, fmt.Sprintf("{{%s}}", arg.Name), strValue)
				}
			}
		}

		processed.Messages[i] = PromptMessage{
			Role: msg.Role,
			Content: PromptContent{
				Type: msg.Content.Type,
				Text: text,
			},
		}
	}

	return &processed, nil
}

// validatePrompt validates a prompt's structure and content.
func validatePrompt(prompt Prompt) error {
	if prompt.Name == "" {
		return fmt.Errorf("prompt name cannot be empty")
	}

	if len(prompt.Messages) == 0 {
		return fmt.Errorf("prompt must have at least one message")
	}

	for _, msg := range prompt.Messages {
		if msg.Content.Type != "text" {
			return fmt.Errorf("only text type is supported for prompt content")
		}
		if msg.Content.Text == "" {
			return fmt.Errorf("message content text cannot be empty")
		}
	}

	for _, arg := range prompt.Arguments {
		if arg.Name == "" {
			return fmt.Errorf("argument name cannot be empty")
		}
	}

	return nil
}
