package chat

import (
	"strings"

	"github.com/emberchat/emberchat/internal/openai"
	"github.com/emberchat/emberchat/internal/store"
)

// Section separator and placeholders for the leading system message. Provider
// behavior is sensitive to message order, so the exact sequence and separator
// placement produced here are a hard contract covered by tests.
const (
	sectionSeparator       = "\n\n"
	placeholderNoCharacter = "(no character description)"
	placeholderNoProfile   = "(no user profile)"
)

// AssembleMessages builds the ordered provider message sequence:
//
//  1. one system message: pre-prompt (when enabled) + system prompt +
//     character description + profile description, joined pairwise by the
//     separator; absent character/profile sections render as placeholders,
//     never omitted, so section boundaries stay predictable
//  2. every prior turn in original order, mapped to its role
//  3. one system message with the post-prompt (when enabled)
//  4. the new message as a user entry
//
// Pure transformation; a nil config is a caller precondition violation.
func AssembleMessages(cfg *store.SessionConfig, history []store.Turn, userMessage string) []openai.ChatMessage {
	var sections []string
	if cfg.PrePromptEnabled {
		sections = append(sections, cfg.PrePrompt)
	}
	sections = append(sections, cfg.SystemPrompt)
	if strings.TrimSpace(cfg.CharacterDescription) != "" {
		sections = append(sections, cfg.CharacterDescription)
	} else {
		sections = append(sections, placeholderNoCharacter)
	}
	if strings.TrimSpace(cfg.ProfileDescription) != "" {
		sections = append(sections, cfg.ProfileDescription)
	} else {
		sections = append(sections, placeholderNoProfile)
	}

	messages := make([]openai.ChatMessage, 0, len(history)+3)
	messages = append(messages, openai.ChatMessage{
		Role:    openai.RoleSystem,
		Content: strings.Join(sections, sectionSeparator),
	})
	for _, turn := range history {
		messages = append(messages, openai.ChatMessage{Role: turn.Role, Content: turn.Content})
	}
	if cfg.PostPromptEnabled {
		messages = append(messages, openai.ChatMessage{Role: openai.RoleSystem, Content: cfg.PostPrompt})
	}
	messages = append(messages, openai.ChatMessage{Role: openai.RoleUser, Content: userMessage})
	return messages
}
