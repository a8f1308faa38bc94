package prompt

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/emberai/huoyuan/internal/agent"
	"github.com/emberai/huoyuan/internal/llm"
	"github.com/emberai/huoyuan/internal/persona"
)

func testAgent(systemPrompt string) *agent.Agent {
	return &agent.Agent{ID: 1, Name: "writer", Model: "gpt-4o", SystemPrompt: systemPrompt}
}

func testPersona() *persona.Persona {
	return &persona.Persona{
		Name:           "Chef Lin",
		Introduction:   "A Sichuan cooking teacher with 20 years in the kitchen.",
		Tone:           "warm and direct",
		Catchphrase:    "fire first, seasoning second",
		TargetAudience: "home cooks",
		ContentStyle:   "step-by-step recipes",
		Keywords:       []string{"sichuan", "wok", "spice"},
		Taboos:         []string{"competitor brands"},
	}
}

func TestPersonaBlock_FullBundle(t *testing.T) {
	block := PersonaBlock(testPersona())

	for _, want := range []string{
		"You are now Chef Lin.",
		"Introduction: A Sichuan cooking teacher",
		"Tone: warm and direct",
		"Catchphrase: fire first, seasoning second",
		"Target audience: home cooks",
		"Content style: step-by-step recipes",
		"Keywords: sichuan, wok, spice",
		"Never mention: competitor brands",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
}

func TestPersonaBlock_EmptyFieldsOmitted(t *testing.T) {
	p := &persona.Persona{Name: "Chef Lin", Tone: "calm"}
	block := PersonaBlock(p)

	if strings.Contains(block, "Introduction:") || strings.Contains(block, "Keywords:") {
		t.Errorf("empty fields rendered:\n%s", block)
	}
	if strings.Contains(block, "\n\n") {
		t.Errorf("blank lines in block:\n%s", block)
	}
}

func TestPersonaBlock_Deterministic(t *testing.T) {
	a := PersonaBlock(testPersona())
	b := PersonaBlock(testPersona())
	if a != b {
		t.Error("same persona produced different blocks")
	}
}

func TestPersonaBlock_Nil(t *testing.T) {
	if got := PersonaBlock(nil); got != "" {
		t.Errorf("nil persona block = %q", got)
	}
}

func TestBuild_UnderCap(t *testing.T) {
	b := NewBuilder(1500)
	out := b.Build(Input{
		Agent:     testAgent("You write recipes."),
		Persona:   testPersona(),
		UserInput: "how do I make mapo tofu?",
		FirstTurn: true,
	})

	if !strings.Contains(out.System, "You write recipes.") ||
		!strings.Contains(out.System, "You are now Chef Lin.") {
		t.Errorf("system missing content:\n%s", out.System)
	}
	if len(out.Messages) != 1 || out.Messages[0].Content != "how do I make mapo tofu?" {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestBuild_ExactlyAtCap(t *testing.T) {
	agentPrompt := strings.Repeat("a", 100)
	p := &persona.Persona{Name: "X"}
	block := PersonaBlock(p)
	capLen := 100 + 2 + utf8.RuneCountInString(block) // prompt + "\n\n" + block

	out := NewBuilder(capLen).Build(Input{
		Agent: testAgent(agentPrompt), Persona: p, UserInput: "q", FirstTurn: true,
	})
	// At the cap the full block still goes into the system message.
	if !strings.Contains(out.System, "You are now X.") {
		t.Errorf("at-cap build split the persona out:\n%s", out.System)
	}

	// One character over switches to the split strategy.
	out = NewBuilder(capLen - 1).Build(Input{
		Agent: testAgent(agentPrompt), Persona: p, UserInput: "q", FirstTurn: true,
	})
	if strings.Contains(out.System, "You are now X.") {
		t.Error("over-cap build kept persona in system")
	}
	if !strings.HasPrefix(out.Messages[0].Content, "You are now X.") {
		t.Errorf("first turn user message missing persona prefix: %q", out.Messages[0].Content)
	}
}

func TestBuild_OverCapLaterTurn(t *testing.T) {
	long := strings.Repeat("instruction ", 200)
	out := NewBuilder(1500).Build(Input{
		Agent:   testAgent(long),
		Persona: testPersona(),
		History: []llm.Message{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
		},
		UserInput: "follow-up",
		FirstTurn: false,
	})

	if utf8.RuneCountInString(out.System) > 1500 {
		t.Errorf("system = %d runes, cap 1500", utf8.RuneCountInString(out.System))
	}
	// Subsequent turns rely on history; no persona duplication.
	if strings.Contains(out.Messages[len(out.Messages)-1].Content, "You are now") {
		t.Error("persona duplicated on later turn")
	}
	if len(out.Messages) != 3 {
		t.Errorf("messages = %d, want history + user", len(out.Messages))
	}
}

func TestBuild_CacheHint(t *testing.T) {
	b := NewBuilder(1500)
	in := Input{Agent: testAgent("x"), UserInput: "q", CacheHints: true}
	if !b.Build(in).SystemCacheable {
		t.Error("cacheable not set with cache hints")
	}
	in.CacheHints = false
	if b.Build(in).SystemCacheable {
		t.Error("cacheable set without cache hints")
	}
}
