package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livesession/internal/auth"
)

func TestRun_TokenSubcommand(t *testing.T) {
	t.Setenv("LIVESESSION_AUTH_JWT_SECRET", "cli-secret")
	t.Setenv(ConfigFileEnv, "")

	var out bytes.Buffer
	require.NoError(t, run([]string{"token", "-user", "H1", "-role", "teacher"}, &out))

	id, err := auth.NewVerifier("cli-secret", "").Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "H1", id.UserID)
	assert.Equal(t, "TEACHER", id.Role)
}

func TestRun_TokenRequiresUser(t *testing.T) {
	t.Setenv("LIVESESSION_AUTH_JWT_SECRET", "cli-secret")
	t.Setenv(ConfigFileEnv, "")

	err := run([]string{"token"}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRun_InvalidConfigFails(t *testing.T) {
	t.Setenv("LIVESESSION_AUTH_JWT_SECRET", "")
	t.Setenv(ConfigFileEnv, "")

	err := run(nil, &bytes.Buffer{})
	assert.Error(t, err)
}
