package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-clinic/backend/internal/model/intake"
	"github.com/zhouzirui/z-clinic/backend/internal/model/locale"
)

// Kind names the stage-specific request.
type Kind string

const (
	KindMoreDetail     Kind = "more_detail"
	KindDeepDive       Kind = "deep_dive"
	KindFinalDiagnosis Kind = "final_diagnosis"
)

// PromptTemplate defines the instructions for one request kind.
type PromptTemplate struct {
	Goal  string
	Rules []string
}

// PromptManager holds the template of every request kind.
type PromptManager struct {
	templates map[Kind]PromptTemplate
}

// NewPromptManager loads the default templates.
func NewPromptManager() *PromptManager {
	return &PromptManager{templates: map[Kind]PromptTemplate{
		KindMoreDetail: {
			Goal: "The patient has just described a health concern. Acknowledge it briefly and ask for more detail about the symptoms.",
			Rules: []string{
				"Ask at most two short questions, for example location, severity or what they were doing when it started.",
				"If age, gender or symptom duration are unknown, ask the patient to include them.",
				"Do not diagnose yet.",
			},
		},
		KindDeepDive: {
			Goal: "You now know the patient's demographics and symptom duration. Ask one focused follow-up question that helps narrow down the cause.",
			Rules: []string{
				"Ask exactly one question.",
				"Prefer questions about associated symptoms, triggers, or what makes it better or worse.",
				"Do not diagnose yet.",
			},
		},
		KindFinalDiagnosis: {
			Goal: "Give a concise preliminary assessment of the most likely causes and practical next steps.",
			Rules: []string{
				"Use short paragraphs and '-' bullet lists. Markdown bold is allowed.",
				"Make clear this is not a substitute for an in-person examination.",
				"Cite two or three reputable medical sources, each on its own line exactly as: SOURCE: <name> - <url>",
				"Recommend one specialist type on its own line exactly as: LABEL: <specialist>",
				"End with one line exactly as: CTA: <short invitation to book an appointment>",
			},
		},
	}}
}

// Template returns the template for kind.
func (pm *PromptManager) Template(kind Kind) (PromptTemplate, error) {
	tpl, ok := pm.templates[kind]
	if !ok {
		return PromptTemplate{}, fmt.Errorf("prompt template not found for kind: %s", kind)
	}
	return tpl, nil
}

// BuildSystemPrompt renders the system message for one request.
func (pm *PromptManager) BuildSystemPrompt(req Request) (string, error) {
	tpl, err := pm.Template(req.Kind)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("You are a careful medical intake assistant for a clinic. You only discuss health topics.\n")
	fmt.Fprintf(&b, "Always reply in %s.\n\n", languageName(req.Language))
	b.WriteString(tpl.Goal)
	b.WriteString("\n\nRules:\n- ")
	b.WriteString(strings.Join(tpl.Rules, "\n- "))
	b.WriteString("\n\nPatient context:\n")
	b.WriteString(describePatient(req.Patient, req.Symptoms))
	return b.String(), nil
}

func languageName(lang locale.Language) string {
	if lang == locale.Arabic {
		return "Arabic"
	}
	return "English"
}

func describePatient(p intake.PatientContext, symptoms []string) string {
	orUnknown := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "unknown"
		}
		return v
	}

	lines := []string{
		"- Age: " + orUnknown(p.Age),
		"- Gender: " + orUnknown(string(p.Gender)),
		"- Duration: " + orUnknown(p.Duration),
	}
	if len(symptoms) > 0 {
		lines = append(lines, "- Reported so far:")
		for _, s := range symptoms {
			lines = append(lines, "  - "+s)
		}
	}
	return strings.Join(lines, "\n")
}
