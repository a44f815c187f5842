package sensitive_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusgate/gateway/internal/sensitive"
)

func TestDetectionOrderContainsBeforeExactBeforeRegex(t *testing.T) {
	m := sensitive.Compile([]sensitive.Word{
		{Pattern: "badword", Kind: sensitive.KindContains},
		{Pattern: "exactphrase", Kind: sensitive.KindExact},
		{Pattern: `\d{3}-\d{2}-\d{4}`, Kind: sensitive.KindRegex},
	})

	match, ok := m.Check("this has a badword in it")
	require.True(t, ok)
	assert.Equal(t, sensitive.KindContains, match.Kind)

	match, ok = m.Check("exactphrase")
	require.True(t, ok)
	assert.Equal(t, sensitive.KindExact, match.Kind)

	match, ok = m.Check("my ssn is 123-45-6789")
	require.True(t, ok)
	assert.Equal(t, sensitive.KindRegex, match.Kind)
}

func TestCheckIsCaseInsensitive(t *testing.T) {
	m := sensitive.Compile([]sensitive.Word{{Pattern: "Secret", Kind: sensitive.KindContains}})
	_, ok := m.Check("this is SECRET info")
	assert.True(t, ok)
}

func TestCheckNoMatch(t *testing.T) {
	m := sensitive.Compile([]sensitive.Word{{Pattern: "badword", Kind: sensitive.KindContains}})
	_, ok := m.Check("totally clean text")
	assert.False(t, ok)
}

func TestInvalidRegexIsSkippedNotFatal(t *testing.T) {
	m := sensitive.Compile([]sensitive.Word{{Pattern: "(unterminated", Kind: sensitive.KindRegex}})
	_, ok := m.Check("(unterminated")
	assert.False(t, ok)
}

func TestExtractUserTextAnthropicShape(t *testing.T) {
	body := map[string]interface{}{
		"system": "be helpful",
		"messages": []interface{}{
			map[string]interface{}{"role": "assistant", "content": "hi there"},
			map[string]interface{}{"role": "user", "content": "what is my badword"},
			map[string]interface{}{"role": "user", "content": []interface{}{
				map[string]interface{}{"type": "text", "text": "block form text"},
			}},
		},
	}
	texts := sensitive.ExtractUserText(body)
	assert.Contains(t, texts, "be helpful")
	assert.Contains(t, texts, "what is my badword")
	assert.Contains(t, texts, "block form text")
	assert.NotContains(t, texts, "hi there")
}

func TestExtractUserTextOpenAIResponsesShape(t *testing.T) {
	body := map[string]interface{}{
		"input": []interface{}{
			map[string]interface{}{"role": "user", "content": []interface{}{
				map[string]interface{}{"type": "input_text", "text": "hello from responses api"},
			}},
		},
	}
	texts := sensitive.ExtractUserText(body)
	assert.Contains(t, texts, "hello from responses api")
}

func TestExtractUserTextPlainStringInput(t *testing.T) {
	body := map[string]interface{}{"input": "plain string prompt"}
	texts := sensitive.ExtractUserText(body)
	assert.Contains(t, texts, "plain string prompt")
}
