// Package prompt assembles the upstream request from agent instructions,
// the user's persona bundle, and conversation history.
//
// Provider prefix caches reward a stable, small system prompt. The
// builder therefore keeps the system message constant across turns and,
// when the combined prompt would exceed the gateway compatibility cap,
// moves persona detail into the first user message where it becomes part
// of the cached history prefix.
package prompt

import (
	"strings"
	"unicode/utf8"

	"github.com/emberai/huoyuan/internal/agent"
	"github.com/emberai/huoyuan/internal/llm"
	"github.com/emberai/huoyuan/internal/persona"
)

// DefaultSoftMax is the system prompt length cap in characters, matching
// the strictest known upstream gateway.
const DefaultSoftMax = 1500

// Prompt is the assembled upstream request content.
type Prompt struct {
	System          string
	SystemCacheable bool
	Messages        []llm.Message
}

// Input carries everything one build needs.
type Input struct {
	Agent      *agent.Agent
	Persona    *persona.Persona // nil when the request has no project
	History    []llm.Message
	UserInput  string
	FirstTurn  bool
	CacheHints bool // provider supports prompt cache hints
}

// Builder assembles prompts under a system-length cap.
type Builder struct {
	softMax int
}

// NewBuilder creates a builder. softMax ≤ 0 selects DefaultSoftMax.
func NewBuilder(softMax int) *Builder {
	if softMax <= 0 {
		softMax = DefaultSoftMax
	}
	return &Builder{softMax: softMax}
}

// Build assembles the system prompt and ordered message sequence.
func (b *Builder) Build(in Input) Prompt {
	personaBlock := PersonaBlock(in.Persona)

	system := in.Agent.SystemPrompt
	userContent := in.UserInput

	full := system
	if personaBlock != "" {
		if full != "" {
			full += "\n\n"
		}
		full += personaBlock
	}

	if utf8.RuneCountInString(full) <= b.softMax {
		system = full
	} else {
		system = truncate(in.Agent.SystemPrompt, b.softMax)
		if personaBlock != "" && in.FirstTurn {
			// Persona rides in the first user message; later turns find
			// it in the history prefix.
			userContent = personaBlock + "\n\n" + in.UserInput
		}
	}

	msgs := make([]llm.Message, 0, len(in.History)+1)
	msgs = append(msgs, in.History...)
	msgs = append(msgs, llm.Message{Role: "user", Content: userContent})

	return Prompt{
		System:          system,
		SystemCacheable: in.CacheHints,
		Messages:        msgs,
	}
}

// PersonaBlock renders the persona bundle as a deterministic paragraph.
// Empty fields are omitted entirely rather than rendered as blank lines.
func PersonaBlock(p *persona.Persona) string {
	if p == nil {
		return ""
	}

	var lines []string
	add := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			lines = append(lines, label+value)
		}
	}

	if strings.TrimSpace(p.Name) != "" {
		lines = append(lines, "You are now "+p.Name+".")
	}
	add("Introduction: ", p.Introduction)
	add("Tone: ", p.Tone)
	add("Catchphrase: ", p.Catchphrase)
	add("Target audience: ", p.TargetAudience)
	add("Content style: ", p.ContentStyle)
	add("Keywords: ", strings.Join(nonEmpty(p.Keywords), ", "))
	add("Never mention: ", strings.Join(nonEmpty(p.Taboos), ", "))

	return strings.Join(lines, "\n")
}

func nonEmpty(items []string) []string {
	out := items[:0:0]
	for _, s := range items {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// truncate hard-cuts s at max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
