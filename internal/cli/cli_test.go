package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/newsletter/internal/api/middleware"
)

const cliSecret = "cli-test-secret-0123456789abcdefgh"

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "database:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "newsletter.db") + "\n" +
		"email:\n" +
		"  provider: log\n" +
		"jwt:\n" +
		"  secret: " + cliSecret + "\n" +
		"log:\n" +
		"  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env")))
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	cfg := writeConfig(t)

	admin := uuid.New().String()
	out, err := run(t, "token", "--config", cfg, "--user", admin)
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(cliSecret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, admin, claims.Subject)
	assert.Equal(t, "newsletter", claims.Issuer)
}

func TestTokenCommandRejectsNonUUIDUser(t *testing.T) {
	_, err := run(t, "token", "--config", writeConfig(t), "--user", "admin-1")
	assert.ErrorIs(t, err, middleware.ErrInvalidUserID)
}

func TestMissingJWTSecretFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  driver: sqlite\nemail:\n  provider: log\n"), 0o600))

	_, err := run(t, "migrate", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt.secret")
}

func TestMigrateThenSweep(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "migrate", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	out, err = run(t, "sweep", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 0 idempotency records")
}

func TestInvalidConfigFails(t *testing.T) {
	_, err := run(t, "token", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
