package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redis/internal/protocol"
)

func parseArgs(t *testing.T, args ...string) Command {
	t.Helper()
	items := make([]protocol.Value, len(args))
	for i, a := range args {
		items[i] = protocol.BulkStringValue(a)
	}
	c, err := Parse(protocol.ArrayValue(items))
	require.NoError(t, err)
	return c
}

func TestParseUppercasesVerb(t *testing.T) {
	c := parseArgs(t, "ping")
	assert.Equal(t, Ping, c.Name)
}

func TestParseSetArgsWithPX(t *testing.T) {
	c := parseArgs(t, "set", "k", "v", "PX", "100")
	key, value, opts, err := ParseSetArgs(c.Args)
	require.NoError(t, err)
	assert.Equal(t, "k", key)
	assert.Equal(t, "v", value)
	assert.True(t, opts.HasExpiry)
	assert.True(t, opts.ExpiryIsMs)
	assert.EqualValues(t, 100, opts.ExpiryValue)
}

func TestParseSetArgsWithGet(t *testing.T) {
	c := parseArgs(t, "set", "k", "v", "GET")
	_, _, opts, err := ParseSetArgs(c.Args)
	require.NoError(t, err)
	assert.True(t, opts.Get)
}

func TestParseXReadWithBlockAndDollar(t *testing.T) {
	c := parseArgs(t, "xread", "BLOCK", "0", "STREAMS", "s1", "s2", "$", "0-0")
	args, err := ParseXReadArgs(c.Args)
	require.NoError(t, err)
	assert.True(t, args.HasBlock)
	assert.EqualValues(t, 0, args.BlockMS)
	assert.Equal(t, []string{"s1", "s2"}, args.Keys)
	assert.Equal(t, []string{"$", "0-0"}, args.IDs)
}

func TestIsWrite(t *testing.T) {
	assert.True(t, Command{Name: Set}.IsWrite())
	assert.True(t, Command{Name: Incr}.IsWrite())
	assert.True(t, Command{Name: XAdd}.IsWrite())
	assert.False(t, Command{Name: Get}.IsWrite())
	assert.False(t, Command{Name: Ping}.IsWrite())
}
