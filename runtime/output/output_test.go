package output

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validationSchema = `{
	"type": "object",
	"required": ["is_valid", "score"],
	"properties": {
		"is_valid": {"type": "boolean"},
		"score": {"type": "number", "minimum": 0, "maximum": 100}
	}
}`

func TestExtract(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		text   string
		block  string
		format Format
	}{
		{"json fence", "Here you go:\n```json\n{\"a\": 1}\n```\nthanks", `{"a": 1}`, FormatJSON},
		{"yaml fence", "```yaml\na: 1\n```", "a: 1", FormatYAML},
		{"yml fence", "```yml\na: 1\n```", "a: 1", FormatYAML},
		{"untagged json", "```\n[1, 2]\n```", "[1, 2]", FormatJSON},
		{"untagged yaml", "```\nkey: value\n```", "key: value", FormatYAML},
		{"bare json", "  {\"a\": true}  ", `{"a": true}`, FormatJSON},
		{"embedded json", "The result is {\"a\": {\"b\": 2}} as requested.", `{"a": {"b": 2}}`, FormatJSON},
		{"skips other fences", "```python\nprint(1)\n```\n```json\n{}\n```", "{}", FormatJSON},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			block, format, err := Extract(c.text)
			require.NoError(t, err)
			assert.Equal(t, c.block, block)
			assert.Equal(t, c.format, format)
		})
	}

	_, _, err := Extract("no payload here")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseWithoutSchema(t *testing.T) {
	t.Parallel()

	p, err := NewParser(nil)
	require.NoError(t, err)

	out, err := p.Parse("```json\n{ \"a\" : [1, 2] }\n```")
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2]}`, string(out))

	out, err = p.Parse("```yaml\nname: svc\nports:\n  - 80\n  - 443\n1: one\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"svc","ports":[80,443],"1":"one"}`, string(out))

	_, err = p.Parse("```json\n{\"a\": \n```")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = p.Parse("```yaml\n: : :\n  - [\n```")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestParseWithSchema(t *testing.T) {
	t.Parallel()

	p, err := NewParser([]byte(validationSchema))
	require.NoError(t, err)

	out, err := p.Parse("```json\n{\"is_valid\": true, \"score\": 87.5, \"issues\": []}\n```")
	require.NoError(t, err)
	assert.JSONEq(t, `{"is_valid":true,"score":87.5,"issues":[]}`, string(out))

	_, err = p.Parse(`{"is_valid": "yes", "score": 87}`)
	require.ErrorIs(t, err, ErrMalformed)

	_, err = p.Parse(`{"score": 87}`)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNewParserRejectsBadSchema(t *testing.T) {
	t.Parallel()

	_, err := NewParser([]byte(`{"type": 12}`))
	require.Error(t, err)
	_, err = NewParser([]byte(`{`))
	require.Error(t, err)
	assert.Panics(t, func() { MustParser(`{`) })
}

func TestNilParserSkipsValidation(t *testing.T) {
	t.Parallel()

	var p *Parser
	out, err := p.Parse(`{"x": 1}`)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, string(out))
}
