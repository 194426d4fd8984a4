package interactive_test

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/kadirbelkuyu/dbqe/pkg/interactive"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrompterAnswers(t *testing.T) {
	var out bytes.Buffer
	p := interactive.NewPrompter(strings.NewReader("\nalice\n\nlots\n12\nmaybe\nY\n\n"), &out)

	name, err := p.String("Name", true)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)
	assert.Contains(t, out.String(), "Please provide a value.")

	host, err := p.StringDefault("Host", "localhost")
	require.NoError(t, err)
	assert.Equal(t, "localhost", host)

	n, err := p.Int("Workers", 4)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Contains(t, out.String(), "Please enter a valid number.")

	yes, err := p.YesNo("Continue?", false)
	require.NoError(t, err)
	assert.True(t, yes)
	assert.Contains(t, out.String(), "Please answer with y or n.")

	def, err := p.YesNo("Save?", true)
	require.NoError(t, err)
	assert.True(t, def)
}

func TestPrompterEndOfInput(t *testing.T) {
	p := interactive.NewPrompter(strings.NewReader("last"), io.Discard)

	line, err := p.Line()
	require.NoError(t, err)
	assert.Equal(t, "last", line)

	_, err = p.Int("Batch size", 500)
	assert.ErrorIs(t, err, io.EOF)
	_, err = p.YesNo("Verbose?", false)
	assert.ErrorIs(t, err, io.EOF)
}

func TestPrompterSharesBufferedReader(t *testing.T) {
	shared := bufio.NewReader(strings.NewReader("first\nsecond\n"))
	p := interactive.NewPrompter(shared, io.Discard)
	require.Same(t, shared, p.Reader())

	first, err := p.Line()
	require.NoError(t, err)
	assert.Equal(t, "first", first)

	second, err := interactive.NewPrompter(p.Reader(), io.Discard).Line()
	require.NoError(t, err)
	assert.Equal(t, "second", second)
}
