package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/hyperjump/medvision/internal/config"
	"github.com/hyperjump/medvision/pkg/utils"
)

// maxReferralChars bounds how much referral text is placed in the prompt.
const maxReferralChars = 4000

// Prompts holds the named system prompt templates.
type Prompts struct {
	templates   map[string]string
	defaultName string
}

// NewPrompts creates a template set. defaultName falls back to the built-in
// general template when empty or unknown.
func NewPrompts(templates map[string]string, defaultName string) *Prompts {
	t := make(map[string]string, len(templates)+1)
	for name, text := range templates {
		t[name] = text
	}
	if _, ok := t[config.DefaultTemplateName]; !ok {
		t[config.DefaultTemplateName] = config.DefaultPrompts[config.DefaultTemplateName]
	}
	if _, ok := t[defaultName]; !ok {
		defaultName = config.DefaultTemplateName
	}
	return &Prompts{templates: t, defaultName: defaultName}
}

// Names returns the template names in sorted order.
func (p *Prompts) Names() []string {
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a template exists.
func (p *Prompts) Has(name string) bool {
	_, ok := p.templates[name]
	return ok
}

// System returns the system prompt for template name with {language} substituted.
func (p *Prompts) System(name, language string) string {
	text, ok := p.templates[name]
	if !ok {
		text = p.templates[p.defaultName]
	}
	return strings.ReplaceAll(text, "{language}", utils.OrNA(language))
}

// UserPrompt renders the patient details and vision context.
func UserPrompt(req *Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Patient: %s, Age: %s, Gender: %s. Exam Type: %s. Clinical Context: %s.\n",
		utils.OrNA(req.Patient.Name), utils.OrNA(req.Patient.Age), utils.OrNA(req.Patient.Gender),
		utils.OrNA(req.ExamType), utils.OrNA(req.ClinicalContext))
	if ref := strings.TrimSpace(req.Referral); ref != "" {
		fmt.Fprintf(&b, "Referral: %s\n", utils.Truncate(utils.OneLine(ref), maxReferralChars))
	}
	fmt.Fprintf(&b, "Image Context: %s\n", strings.TrimSpace(req.VisionContext))
	fmt.Fprintf(&b, "Task: Analyze the medical context and generate a report in %s.", utils.OrNA(req.Language))
	return b.String()
}

// CleanReport strips a surrounding markdown code fence from model output.
func CleanReport(text string) string {
	text = strings.TrimSpace(text)
	switch {
	case strings.HasPrefix(text, "```html"):
		text = strings.TrimSpace(text[len("```html"):])
	case strings.HasPrefix(text, "```"):
		text = strings.TrimSpace(text[len("```"):])
	}
	if strings.HasSuffix(text, "```") {
		text = strings.TrimSpace(text[:len(text)-len("```")])
	}
	return text
}
