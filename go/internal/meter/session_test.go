package meter

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSessionID(t *testing.T) {
	id, err := ValidateSessionID("  team-standup_42 ")
	require.NoError(t, err)
	assert.Equal(t, "team-standup_42", id)

	for _, bad := range []string{"", "   ", "has space", "slash/id", strings.Repeat("a", 129)} {
		_, err := ValidateSessionID(bad)
		var nerr *NoSessionError
		assert.True(t, errors.As(err, &nerr), "expected NoSessionError for %q", bad)
	}
}

func TestEnvSession(t *testing.T) {
	t.Setenv(SessionEnvKey, "weekly-sync")
	id, err := EnvSession{}.SessionID()
	require.NoError(t, err)
	assert.Equal(t, "weekly-sync", id)

	t.Setenv("OTHER_SESSION", "other")
	id, err = EnvSession{Key: "OTHER_SESSION"}.SessionID()
	require.NoError(t, err)
	assert.Equal(t, "other", id)
}

func TestEnvSessionUnset(t *testing.T) {
	t.Setenv(SessionEnvKey, "")
	require.NoError(t, os.Unsetenv(SessionEnvKey))

	_, err := EnvSession{}.SessionID()
	var nerr *NoSessionError
	require.True(t, errors.As(err, &nerr))
	assert.Contains(t, err.Error(), SessionEnvKey)
}

func TestFirstSession(t *testing.T) {
	t.Setenv(SessionEnvKey, "from-env")

	id, err := FirstSession{StaticSession(""), EnvSession{}}.SessionID()
	require.NoError(t, err)
	assert.Equal(t, "from-env", id)

	id, err = FirstSession{StaticSession("from-flag"), EnvSession{}}.SessionID()
	require.NoError(t, err)
	assert.Equal(t, "from-flag", id)

	_, err = FirstSession{}.SessionID()
	var nerr *NoSessionError
	assert.True(t, errors.As(err, &nerr))
}
