package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("not a duration")))
	assert.Error(t, d.UnmarshalText([]byte("-5s")))
}

func TestDuration_Marshal(t *testing.T) {
	d := Duration(2 * time.Minute)

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(text))

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"2m0s"`, string(data))
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("sk-super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))
	assert.Equal(t, "sk-super-secret", s.Value())
	assert.True(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(data))
}

func TestSecret_Empty(t *testing.T) {
	var s Secret
	assert.Equal(t, "", s.String())
	assert.False(t, s.IsSet())

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Equal(t, `""`, string(data))
}

func TestSecret_Unmarshal(t *testing.T) {
	var s Secret
	require.NoError(t, json.Unmarshal([]byte(`"sk-test"`), &s))
	assert.Equal(t, "sk-test", s.Value())

	var s2 Secret
	require.NoError(t, s2.UnmarshalText([]byte("sk-text")))
	assert.Equal(t, "sk-text", s2.Value())
}
