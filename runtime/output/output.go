// Package output turns the free-form text of a model answer into the
// structured JSON a pipeline stage hands to the next one. Answers may carry
// their payload in a markdown code fence (json, yaml or untagged) or as a
// bare JSON object; the payload is optionally validated against a JSON
// Schema. Every failure wraps ErrMalformed.
package output

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// ErrMalformed reports text that does not contain a parseable, valid
// payload.
var ErrMalformed = errors.New("output: malformed")

// Format is the syntax of an extracted payload.
type Format string

const (
	// FormatJSON is a JSON payload.
	FormatJSON Format = "json"
	// FormatYAML is a YAML payload.
	FormatYAML Format = "yaml"
)

var fence = regexp.MustCompile("(?s)```([A-Za-z0-9_-]*)[ \t]*\r?\n(.*?)```")

// Parser extracts and validates stage payloads.
type Parser struct {
	schema *jsonschema.Schema
}

// NewParser returns a Parser validating payloads against schema, a JSON
// Schema document. A nil or empty schema disables validation.
func NewParser(schema []byte) (*Parser, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return &Parser{}, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("output: unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("stage.json", doc); err != nil {
		return nil, fmt.Errorf("output: add schema resource: %w", err)
	}
	compiled, err := c.Compile("stage.json")
	if err != nil {
		return nil, fmt.Errorf("output: compile schema: %w", err)
	}
	return &Parser{schema: compiled}, nil
}

// MustParser is NewParser that panics on error, for package level schemas.
func MustParser(schema string) *Parser {
	p, err := NewParser([]byte(schema))
	if err != nil {
		panic(err)
	}
	return p
}

// Parse extracts the payload of text, validates it and returns it as
// compact JSON.
func (p *Parser) Parse(text string) (json.RawMessage, error) {
	block, format, err := Extract(text)
	if err != nil {
		return nil, err
	}
	var doc any
	switch format {
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal([]byte(block), &v); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrMalformed, err)
		}
		v, err = normalize(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		block = string(b)
		fallthrough
	default:
		doc, err = jsonschema.UnmarshalJSON(strings.NewReader(block))
		if err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
		}
	}
	if p != nil && p.schema != nil {
		if err := p.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("%w: schema: %v", ErrMalformed, err)
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(block)); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	return buf.Bytes(), nil
}

// Extract locates the payload in text. Fenced blocks tagged json, yaml, yml
// or untagged win over bare JSON; bare JSON is the whole text when it starts
// with '{' or '[', else the span between the first '{' and the last '}'.
func Extract(text string) (string, Format, error) {
	for _, m := range fence.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		switch strings.ToLower(m[1]) {
		case "json":
			return body, FormatJSON, nil
		case "yaml", "yml":
			return body, FormatYAML, nil
		case "":
			if looksLikeJSON(body) {
				return body, FormatJSON, nil
			}
			return body, FormatYAML, nil
		}
	}
	trimmed := strings.TrimSpace(text)
	if looksLikeJSON(trimmed) {
		return trimmed, FormatJSON, nil
	}
	start, end := strings.Index(trimmed, "{"), strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1], FormatJSON, nil
	}
	return "", "", fmt.Errorf("%w: no structured payload found", ErrMalformed)
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}

// normalize converts YAML maps with non-string keys into JSON compatible
// maps.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = n
		}
		return out, nil
	case []any:
		for i, e := range t {
			n, err := normalize(e)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
