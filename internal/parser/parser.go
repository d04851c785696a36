// Package parser extracts the structured block from free-form model output
// and validates it against the task's output spec.
package parser

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/starford/fieldsmith/internal/apperr"
	"github.com/starford/fieldsmith/internal/task"
)

var thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

const thinkClose = "</think>"

// Result holds the output of parsing one model response.
type Result struct {
	// Values has exactly one entry per declared output field.
	Values map[string]string
	// Block is the JSON text the values were taken from.
	Block string
	// Repaired lists output fields matched by a case or whitespace
	// insensitive key comparison rather than an exact one.
	Repaired []string
}

// Parse locates the first complete JSON object in raw and returns a value for
// every field in spec. Keys not declared in spec are ignored. It never returns
// a partially populated result without an error.
func Parse(raw string, spec task.OutputSpec) (*Result, error) {
	text := StripReasoning(raw)

	block, obj, reason := scan(text)
	if obj == nil {
		return nil, &apperr.MalformedResponseError{Reason: reason, Raw: raw}
	}

	index := normalizedKeys(obj)
	res := &Result{Values: make(map[string]string, len(spec)), Block: block}
	var missing []string
	for _, f := range spec {
		v, ok := obj[f.Field]
		if !ok {
			key, found := index[normalizeKey(f.Field)]
			if !found {
				missing = append(missing, f.Field)
				continue
			}
			v = obj[key]
			res.Repaired = append(res.Repaired, f.Field)
		}
		res.Values[f.Field] = coerce(v)
	}
	if len(missing) > 0 {
		return nil, &apperr.MalformedResponseError{
			Reason:  apperr.ReasonMissingKeys,
			Missing: missing,
			Raw:     raw,
		}
	}
	return res, nil
}

// StripReasoning removes <think>...</think> sections. Text before a dangling
// closing tag is reasoning whose opening tag was consumed by the server.
func StripReasoning(raw string) string {
	out := thinkRe.ReplaceAllString(raw, "")
	if i := strings.LastIndex(out, thinkClose); i >= 0 {
		out = out[i+len(thinkClose):]
	}
	return strings.TrimSpace(out)
}

// scan walks text looking for the first brace-balanced candidate that decodes
// as a JSON object. Balanced candidates that are not valid JSON are skipped.
// When nothing decodes, the reason tells whether a candidate was left open at
// the end of the text.
func scan(text string) (string, map[string]any, apperr.MalformedReason) {
	sawOpen := false
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end, closed := matchBrace(text, start)
		if !closed {
			sawOpen = true
		} else if obj, ok := decodeObject(text[start : end+1]); ok {
			return text[start : end+1], obj, ""
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	if sawOpen {
		return "", nil, apperr.ReasonIncompleteBlock
	}
	return "", nil, apperr.ReasonNoBlock
}

// matchBrace returns the index of the brace closing the one at start, tracking
// JSON string literals and escapes.
func matchBrace(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch ch {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return -1, false
}

func decodeObject(candidate string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(candidate))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	var extra any
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return obj, true
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.Join(strings.Fields(k), ""))
}

// normalizedKeys maps normalized keys to the original key. Keys are visited in
// sorted order so collisions resolve deterministically.
func normalizedKeys(obj map[string]any) map[string]string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		n := normalizeKey(k)
		if _, ok := out[n]; !ok {
			out[n] = k
		}
	}
	return out
}

// coerce turns a decoded JSON value into field text. Null-like and
// whitespace-only values become the empty string.
func coerce(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s := strings.TrimSpace(x)
		switch strings.ToLower(s) {
		case "null", "none":
			return ""
		}
		return s
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
