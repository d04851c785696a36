package task

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/models"
)

// Built-in placeholders expanded to JSON objects.
const (
	placeholderInputs  = "{{inputs}}"
	placeholderOutputs = "{{outputs}}"
)

// A single pass over the template: substituted values are never re-scanned,
// so a field value containing "[[X]]" is inserted literally.
var placeholderRe = regexp.MustCompile(`\[\[(.*?)\]\]|\{\{(inputs|outputs)\}\}`)

// Render substitutes the note's input field values into the template.
// Every declared input must be present on the note.
func (t *PromptTask) Render(note models.Note) (string, error) {
	values := make(map[string]string, len(t.inputs))
	for _, in := range t.inputs {
		v, ok := note.Field(in.Field)
		if !ok {
			return "", &apperr.MissingFieldError{NoteID: note.ID, Field: in.Field}
		}
		values[in.Field] = v
	}

	var inputsJSON, outputsJSON string
	out := placeholderRe.ReplaceAllStringFunc(t.template, func(m string) string {
		switch m {
		case placeholderInputs:
			if inputsJSON == "" {
				pairs := make([][2]string, len(t.inputs))
				for i, in := range t.inputs {
					pairs[i] = [2]string{in.Label, values[in.Field]}
				}
				inputsJSON = orderedJSON(pairs)
			}
			return inputsJSON
		case placeholderOutputs:
			if outputsJSON == "" {
				outputsJSON = t.OutputsJSON()
			}
			return outputsJSON
		}
		name := strings.TrimSuffix(strings.TrimPrefix(m, "[["), "]]")
		return values[name]
	})
	return out, nil
}

// OutputsJSON renders the output schema as a JSON object of field name to
// description, in declaration order.
func (t *PromptTask) OutputsJSON() string {
	pairs := make([][2]string, len(t.outputs))
	for i, o := range t.outputs {
		pairs[i] = [2]string{o.Field, o.Description}
	}
	return orderedJSON(pairs)
}

// orderedJSON encodes key/value pairs as an indented JSON object, keeping
// the given order and leaving non-ASCII and HTML characters unescaped.
func orderedJSON(pairs [][2]string) string {
	if len(pairs) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, p := range pairs {
		buf.WriteString("  ")
		buf.WriteString(quote(p[0]))
		buf.WriteString(": ")
		buf.WriteString(quote(p[1]))
		if i < len(pairs)-1 {
			buf.WriteByte(',')
		}
		buf.WriteByte('\n')
	}
	buf.WriteByte('}')
	return buf.String()
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}
