package ai

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/commonground-labs/commonground/internal/domain"
)

func TestStripFences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain json", `{"a":1}`, `{"a":1}`},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fence without language", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"surrounding whitespace", "  {\"a\":1}  ", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.input); got != tt.want {
				t.Errorf("stripFences(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestInferPronouns(t *testing.T) {
	tests := []struct {
		relationship string
		wantSubject  string
	}{
		{"my wife", "she"},
		{"my husband", "he"},
		{"My Girlfriend", "she"},
		{"my best friend", "they"},
		{"", "they"},
		{"other", "they"},
	}

	for _, tt := range tests {
		got := inferPronouns(tt.relationship)
		if got.Subject != tt.wantSubject {
			t.Errorf("inferPronouns(%q).Subject = %q, want %q", tt.relationship, got.Subject, tt.wantSubject)
		}
	}
}

func TestBuildGuidancePromptUsesNames(t *testing.T) {
	prompt := buildGuidancePrompt(
		[]ChatMessage{
			{Speaker: "A", Text: "I feel unheard", ToneLabels: []string{"Hurt"}},
			{Speaker: "B", Text: "I did not realize", ToneLabels: []string{"Curious"}},
		},
		"B",
		"A disagreement about chores",
		Person{Name: "Sam", Relationship: "my husband"},
		Person{Name: "Alex", Relationship: "my wife"},
	)

	for _, want := range []string{"Sam", "Alex", "he/him/his", "she/her/her", "A disagreement about chores"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("guidance prompt missing %q", want)
		}
	}
	if !strings.Contains(prompt, "The last message was from Alex. Now Sam will respond.") {
		t.Errorf("guidance prompt has wrong speaker framing:\n%s", prompt)
	}
}

func TestBuildGuidancePromptDefaults(t *testing.T) {
	prompt := buildGuidancePrompt(nil, "A", "context", Person{}, Person{})
	if !strings.Contains(prompt, "Person A") || !strings.Contains(prompt, "Person B") {
		t.Error("expected generic names when display names are missing")
	}
	if !strings.Contains(prompt, "they/them/their") {
		t.Error("expected neutral pronouns when relationship is missing")
	}
}

func TestBuildAnalysisPrompt(t *testing.T) {
	prompt := buildAnalysisPrompt("entry one", "entry two", "my wife", "")
	if !strings.Contains(prompt, "Person A sees the other as: my wife") {
		t.Error("missing relationship A line")
	}
	if !strings.Contains(prompt, "Person B sees the other as: not specified") {
		t.Error("missing relationship B fallback")
	}
	if !strings.Contains(prompt, `"entry one"`) || !strings.Contains(prompt, `"entry two"`) {
		t.Error("entries not embedded in prompt")
	}
}

func validPayload() *domain.AnalysisPayload {
	person := domain.PersonAnalysis{
		Feelings:        []string{"frustrated"},
		UnderlyingNeeds: []string{"fairness"},
		Patterns:        []domain.Pattern{},
	}
	return &domain.AnalysisPayload{
		NeutralAgenda:    "Both want clarity about chores.",
		PersonA:          person,
		PersonB:          person,
		SharedNeeds:      []string{"respect"},
		Script:           []domain.ScriptStep{},
		Compromises:      []domain.Compromise{},
		ConflictCategory: "chores",
		SafetyLevel:      domain.SafetyNormal,
	}
}

func TestValidateAnalysis(t *testing.T) {
	if !ValidateAnalysis(validPayload()) {
		t.Error("expected valid payload to pass")
	}

	tests := []struct {
		name   string
		mutate func(p *domain.AnalysisPayload)
	}{
		{"nil payload", nil},
		{"missing agenda", func(p *domain.AnalysisPayload) { p.NeutralAgenda = "" }},
		{"missing category", func(p *domain.AnalysisPayload) { p.ConflictCategory = "" }},
		{"bad safety level", func(p *domain.AnalysisPayload) { p.SafetyLevel = "severe" }},
		{"missing shared needs", func(p *domain.AnalysisPayload) { p.SharedNeeds = nil }},
		{"missing script", func(p *domain.AnalysisPayload) { p.Script = nil }},
		{"missing compromises", func(p *domain.AnalysisPayload) { p.Compromises = nil }},
		{"empty person A", func(p *domain.AnalysisPayload) { p.PersonA = domain.PersonAnalysis{} }},
		{"empty person B", func(p *domain.AnalysisPayload) { p.PersonB = domain.PersonAnalysis{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.mutate == nil {
				if ValidateAnalysis(nil) {
					t.Error("expected nil payload to fail")
				}
				return
			}
			p := validPayload()
			tt.mutate(p)
			if ValidateAnalysis(p) {
				t.Error("expected payload to fail validation")
			}
		})
	}
}

// A model response carrying only the scalar fields unmarshals with every
// array nil and both person objects zero. That must not count as a usable
// analysis: the zero sentiment scores would otherwise decide the first
// speaker.
func TestValidateAnalysisRejectsScalarOnlyResponse(t *testing.T) {
	raw := `{"neutralAgenda":"talk about chores","conflictCategory":"chores","safetyLevel":"normal"}`
	var p domain.AnalysisPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ValidateAnalysis(&p) {
		t.Error("expected scalar-only payload to fail validation")
	}
}
