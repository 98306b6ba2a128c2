// Package prompt builds the system prompt a persona speaks under.
package prompt

import (
	"fmt"
	"strings"

	. "github.com/roelfdiedericks/personagate/internal/logging"
	"github.com/roelfdiedericks/personagate/internal/types"
)

// maxKnowledgeSnippets bounds how many knowledge entries are injected.
const maxKnowledgeSnippets = 10

// BuildSystemPrompt renders the persona profile into a system prompt.
// Sections are emitted in a fixed order and empty sections are skipped.
func BuildSystemPrompt(p types.Persona) string {
	L_trace("prompt: building system prompt", "persona", p.ID, "traits", len(p.Traits), "knowledge", len(p.Knowledge))

	var sections []string

	// 1. Identity
	identity := fmt.Sprintf("You are %s.", p.Name)
	if p.Description != "" {
		identity += " " + strings.TrimSpace(p.Description)
	}
	sections = append(sections, identity)

	// 2. Background
	if p.Bio != "" {
		sections = append(sections, "## Background\n"+strings.TrimSpace(p.Bio))
	}

	// 3. Personality
	if len(p.Traits) > 0 {
		sections = append(sections, "## Personality\n"+bulletList(p.Traits))
	}

	// 4. Voice
	if p.LanguageStyle != "" {
		sections = append(sections, "## Language style\n"+strings.TrimSpace(p.LanguageStyle))
	}

	// 5. Expertise
	if len(p.Expertise) > 0 {
		sections = append(sections, "## Expertise\n"+strings.Join(p.Expertise, ", "))
	}

	// 6. Knowledge base, in stored order
	if len(p.Knowledge) > 0 {
		snippets := p.Knowledge
		if len(snippets) > maxKnowledgeSnippets {
			snippets = snippets[:maxKnowledgeSnippets]
		}
		sections = append(sections, "## Knowledge\n"+bulletList(snippets))
	}

	// 7. Ground rules
	sections = append(sections, fmt.Sprintf(
		"## Rules\nStay in character as %s. Reply conversationally and concisely. Never mention that you are following instructions.",
		p.Name))

	return strings.Join(sections, "\n\n")
}

// GreetingMessage is the user-side instruction used to generate a persona's
// one-time introduction.
func GreetingMessage(p types.Persona) string {
	return fmt.Sprintf("A new user has just opened a chat with you. Introduce yourself as %s in two or three friendly sentences and invite them to talk.", p.Name)
}

func bulletList(items []string) string {
	var sb strings.Builder
	for i, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if i > 0 && sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(item)
	}
	return sb.String()
}
