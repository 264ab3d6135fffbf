package mqtt311

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeAccountsFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accounts.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileCredentialsLoad(t *testing.T) {
	path := writeAccountsFile(t, "alice,secret\nbob,hunter2\n\n# comment\n")

	creds, err := NewFileCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, 2, creds.Count())
}

func TestFileCredentialsMalformed(t *testing.T) {
	path := writeAccountsFile(t, "alice\n")

	_, err := NewFileCredentials(path)
	assert.ErrorIs(t, err, ErrMalformedCredentials)
}

func TestFileCredentialsMissingFile(t *testing.T) {
	_, err := NewFileCredentials(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestFileCredentialsAuthenticate(t *testing.T) {
	path := writeAccountsFile(t, "alice,secret\n")

	creds, err := NewFileCredentials(path)
	require.NoError(t, err)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{name: "valid", username: "alice", password: "secret"},
		{name: "wrong password", username: "alice", password: "wrong", wantErr: true},
		{name: "unknown user", username: "mallory", password: "secret", wantErr: true},
		{name: "empty password", username: "alice", password: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := creds.Authenticate(AuthContext{
				Username: tt.username,
				Password: []byte(tt.password),
			})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrAuthenticationFailed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileCredentialsBcrypt(t *testing.T) {
	hash, err := HashPassword("secret")
	require.NoError(t, err)

	path := writeAccountsFile(t, "alice,"+hash+"\n")
	creds, err := NewFileCredentials(path)
	require.NoError(t, err)

	assert.NoError(t, creds.Authenticate(AuthContext{
		Username: "alice",
		Password: []byte("secret"),
	}))

	assert.ErrorIs(t, creds.Authenticate(AuthContext{
		Username: "alice",
		Password: []byte("wrong"),
	}), ErrAuthenticationFailed)
}

func TestAuthenticatorFunc(t *testing.T) {
	auth := AuthenticatorFunc(func(ctx AuthContext) error {
		if ctx.ClientID == "allowed" {
			return nil
		}
		return ErrAuthenticationFailed
	})

	assert.NoError(t, auth.Authenticate(AuthContext{ClientID: "allowed"}))
	assert.Error(t, auth.Authenticate(AuthContext{ClientID: "denied"}))
}
