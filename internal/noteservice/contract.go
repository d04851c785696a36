package noteservice

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/starford/fieldsmith/internal/task"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

// Contract returns the task contract as Markdown.
func (s *Service) Contract() string {
	return TaskContract(s.task)
}

// ContractHTML returns the task contract rendered to HTML.
func (s *Service) ContractHTML() (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(TaskContract(s.task)), &buf); err != nil {
		return "", fmt.Errorf("noteservice: render contract: %w", err)
	}
	return buf.String(), nil
}

// TaskContract renders the input/output contract of t as Markdown.
func TaskContract(t *task.PromptTask) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Task %q\n\n", t.Name())
	fmt.Fprintf(&b, "- Deck: `%s`\n", t.Deck())
	fmt.Fprintf(&b, "- Model: `%s`\n", t.Model())
	if t.RefField() != "" {
		fmt.Fprintf(&b, "- Reference field: `%s`\n", t.RefField())
	}
	fmt.Fprintf(&b, "- Fingerprint: `%s`\n", t.Fingerprint())
	if t.DryRun() {
		b.WriteString("- Mode: dry run (notes are never written)\n")
	}

	b.WriteString("\n## Inputs\n\n")
	b.WriteString("| Note field | Label in prompt |\n|---|---|\n")
	for _, in := range t.Inputs() {
		fmt.Fprintf(&b, "| %s | %s |\n", in.Field, in.Label)
	}

	b.WriteString("\n## Outputs\n\n")
	b.WriteString("| Note field | Policy | Description |\n|---|---|---|\n")
	for _, out := range t.Outputs() {
		fmt.Fprintf(&b, "| %s | %s | %s |\n", out.Field, out.Policy, strings.ReplaceAll(out.Description, "|", `\|`))
	}

	b.WriteString("\n## Response format\n\n")
	b.WriteString("The model must answer with one JSON object holding a string value for every output field. " +
		"Text around the object is ignored, as are `<think>` sections and keys that are not declared outputs. " +
		"`null` or `\"none\"` mean an empty value.\n\n")
	b.WriteString("```json\n")
	b.WriteString(t.OutputsJSON())
	b.WriteString("\n```\n")

	b.WriteString("\n## Policies\n\n")
	fmt.Fprintf(&b, "- `%s`: replace the field with the new value.\n", task.PolicyOverwrite)
	fmt.Fprintf(&b, "- `%s`: add the new value after the existing content, separated by `%s`.\n", task.PolicyAppend, t.AppendSeparator())
	fmt.Fprintf(&b, "- `%s`: only fill the field when it is empty.\n", task.PolicySkipIfNonEmpty)

	return b.String()
}
