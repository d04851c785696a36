// Package task holds the validated, immutable description of one enrichment
// run: which note fields feed the prompt, which receive model output, and how
// the prompt is rendered.
package task

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/checksum"
)

// Policy decides how a model value is merged into an existing field.
type Policy string

// Merge policies.
const (
	PolicyOverwrite      Policy = "overwrite"
	PolicyAppend         Policy = "append"
	PolicySkipIfNonEmpty Policy = "skip-if-nonempty"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyOverwrite, PolicyAppend, PolicySkipIfNonEmpty:
		return true
	}
	return false
}

// InputField maps a note field into the prompt. Label is the key used for
// the field in the {{inputs}} block; it defaults to Field.
type InputField struct {
	Field string `yaml:"field" json:"field"`
	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Validate validates the input field.
func (f InputField) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Field, validation.Required, validation.By(notBlank)),
	)
}

func notBlank(v any) error {
	if s, ok := v.(string); ok && s != "" && strings.TrimSpace(s) == "" {
		return errors.New("must not be blank")
	}
	return nil
}

// OutputField declares a field the model must produce.
type OutputField struct {
	Field       string `yaml:"field" json:"field"`
	Description string `yaml:"description" json:"description"`
	Policy      Policy `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// Validate validates the output field. An empty policy is allowed and
// replaced by the configured default.
func (f OutputField) Validate() error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.Field, validation.Required, validation.By(notBlank)),
		validation.Field(&f.Policy, validation.In(PolicyOverwrite, PolicyAppend, PolicySkipIfNonEmpty)),
	)
}

// FieldMapping is the ordered list of prompt inputs.
type FieldMapping []InputField

// Names returns the note field names in declaration order.
func (m FieldMapping) Names() []string {
	out := make([]string, len(m))
	for i, f := range m {
		out[i] = f.Field
	}
	return out
}

// OutputSpec is the ordered list of expected output fields.
type OutputSpec []OutputField

// Names returns the output field names in declaration order.
func (s OutputSpec) Names() []string {
	out := make([]string, len(s))
	for i, f := range s {
		out[i] = f.Field
	}
	return out
}

// Definition is the task as written in configuration.
type Definition struct {
	Name     string        `yaml:"name"`
	Deck     string        `yaml:"deck"`
	RefField string        `yaml:"ref_field"`
	Model    string        `yaml:"model"`
	Inputs   []InputField  `yaml:"inputs"`
	Outputs  []OutputField `yaml:"outputs"`
	Template string        `yaml:"template"`
}

// Validate validates the definition structure. Cross-field checks happen in New.
func (d *Definition) Validate() error {
	return validation.ValidateStruct(d,
		validation.Field(&d.Deck, validation.Required),
		validation.Field(&d.RefField, validation.Required),
		validation.Field(&d.Template, validation.Required),
		validation.Field(&d.Inputs, validation.Required),
		validation.Field(&d.Outputs, validation.Required),
	)
}

// Options carries run-level settings resolved outside the task definition.
type Options struct {
	DefaultModel           string
	DefaultPolicy          Policy
	DryRun                 bool
	SaveProgress           bool
	ProgressPath           string
	AppendSeparator        string
	MaxConsecutiveFailures int
}

// PromptTask is the fully resolved configuration for one run. It is created
// once by New and never modified afterwards.
type PromptTask struct {
	name        string
	deck        string
	refField    string
	model       string
	inputs      FieldMapping
	outputs     OutputSpec
	template    string
	opts        Options
	fingerprint string
}

var inputPlaceholderRe = regexp.MustCompile(`\[\[(.*?)\]\]`)

// New validates def and opts and returns an immutable task.
func New(def Definition, opts Options) (*PromptTask, error) {
	if err := def.Validate(); err != nil {
		return nil, &apperr.ConfigurationError{Msg: "task", Err: err}
	}

	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = PolicyOverwrite
	}
	if !opts.DefaultPolicy.Valid() {
		return nil, apperr.Configf("unknown default policy %q", opts.DefaultPolicy)
	}
	if opts.MaxConsecutiveFailures < 0 {
		return nil, apperr.Configf("max consecutive failures must not be negative")
	}
	if strings.TrimSpace(opts.ProgressPath) == "" {
		return nil, apperr.Configf("progress path is required")
	}

	model := def.Model
	if model == "" {
		model = opts.DefaultModel
	}
	if model == "" {
		return nil, apperr.Configf("model is undefined: set task.model or llm.default_model")
	}

	inputs := make(FieldMapping, len(def.Inputs))
	seen := make(map[string]struct{}, len(def.Inputs))
	labels := make(map[string]struct{}, len(def.Inputs))
	for i, in := range def.Inputs {
		in.Field = strings.TrimSpace(in.Field)
		if _, dup := seen[in.Field]; dup {
			return nil, apperr.Configf("duplicate input field %q", in.Field)
		}
		seen[in.Field] = struct{}{}
		in.Label = strings.TrimSpace(in.Label)
		if in.Label == "" {
			in.Label = in.Field
		}
		if _, dup := labels[in.Label]; dup {
			return nil, apperr.Configf("duplicate input label %q", in.Label)
		}
		labels[in.Label] = struct{}{}
		inputs[i] = in
	}

	outputs := make(OutputSpec, len(def.Outputs))
	seenOut := make(map[string]struct{}, len(def.Outputs))
	for i, out := range def.Outputs {
		out.Field = strings.TrimSpace(out.Field)
		if _, dup := seenOut[out.Field]; dup {
			return nil, apperr.Configf("duplicate output field %q", out.Field)
		}
		seenOut[out.Field] = struct{}{}
		if out.Policy == "" {
			out.Policy = opts.DefaultPolicy
		}
		outputs[i] = out
	}

	if err := checkTemplate(def.Template, seen); err != nil {
		return nil, err
	}

	name := def.Name
	if name == "" {
		name = "default"
	}

	t := &PromptTask{
		name:     name,
		deck:     def.Deck,
		refField: def.RefField,
		model:    model,
		inputs:   inputs,
		outputs:  outputs,
		template: def.Template,
		opts:     opts,
	}
	t.fingerprint = t.computeFingerprint()
	return t, nil
}

func checkTemplate(tmpl string, inputs map[string]struct{}) error {
	refs := inputPlaceholderRe.FindAllStringSubmatch(tmpl, -1)
	for _, m := range refs {
		if _, ok := inputs[m[1]]; !ok {
			return apperr.Configf("template references undeclared input field %q", m[1])
		}
	}
	if len(refs) == 0 && !strings.Contains(tmpl, placeholderInputs) {
		return apperr.Configf("template references no input: use [[Field]] or %s", placeholderInputs)
	}
	return nil
}

func (t *PromptTask) computeFingerprint() string {
	parts := []string{t.deck, t.name, t.model, t.template}
	for _, in := range t.inputs {
		parts = append(parts, "in", in.Field, in.Label)
	}
	for _, out := range t.outputs {
		parts = append(parts, "out", out.Field, out.Description, string(out.Policy))
	}
	return checksum.Fields(parts...)
}

func (t *PromptTask) Name() string     { return t.name }
func (t *PromptTask) Deck() string     { return t.deck }
func (t *PromptTask) RefField() string { return t.refField }
func (t *PromptTask) Model() string    { return t.model }
func (t *PromptTask) Template() string { return t.template }

// Inputs returns a copy of the input mapping.
func (t *PromptTask) Inputs() FieldMapping {
	return append(FieldMapping(nil), t.inputs...)
}

// Outputs returns a copy of the output spec.
func (t *PromptTask) Outputs() OutputSpec {
	return append(OutputSpec(nil), t.outputs...)
}

func (t *PromptTask) DryRun() bool                { return t.opts.DryRun }
func (t *PromptTask) SaveProgress() bool          { return t.opts.SaveProgress }
func (t *PromptTask) ProgressPath() string        { return t.opts.ProgressPath }
func (t *PromptTask) AppendSeparator() string     { return t.opts.AppendSeparator }
func (t *PromptTask) MaxConsecutiveFailures() int { return t.opts.MaxConsecutiveFailures }

// Fingerprint identifies the task definition. It changes whenever inputs,
// outputs, policies, model or template change.
func (t *PromptTask) Fingerprint() string { return t.fingerprint }

// DeckQuery returns the note-store search query selecting the task's deck.
func (t *PromptTask) DeckQuery() string {
	escaped := strings.ReplaceAll(t.deck, `"`, `\"`)
	return fmt.Sprintf(`deck:"%s"`, escaped)
}

// RefText returns the reference field value used to identify a note in logs.
func (t *PromptTask) RefText(id int64, fields map[string]string) string {
	v, ok := fields[t.refField]
	switch {
	case !ok:
		return fmt.Sprintf("note %d (ref field missing)", id)
	case strings.TrimSpace(v) == "":
		return fmt.Sprintf("note %d (ref field empty)", id)
	}
	const refLimit = 100
	if r := []rune(v); len(r) > refLimit {
		return string(r[:refLimit]) + "..."
	}
	return v
}

// ProgressFileName derives a ledger file name from a deck name.
// Spaces and "::" separators become underscores.
func ProgressFileName(deck, ext string) string {
	s := strings.ReplaceAll(deck, "::", "_")
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
	return s + "_progress" + ext
}
