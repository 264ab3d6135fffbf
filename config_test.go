package mqtt311

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broker.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.IP)
	assert.Equal(t, 1883, cfg.Port)
	assert.Equal(t, DefaultMaxPacketSize, cfg.MaxPacketSize)
	assert.Equal(t, "0.0.0.0:1883", cfg.Addr())
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
# broker settings
ip=127.0.0.1
port=11883
accounts_path=/etc/mqtt/accounts.txt
max_connections=500
workers=8

unknown_key=ignored
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.IP)
	assert.Equal(t, 11883, cfg.Port)
	assert.Equal(t, "/etc/mqtt/accounts.txt", cfg.AccountsPath)
	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "127.0.0.1:11883", cfg.Addr())
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no equals", content: "port 1883\n"},
		{name: "bad port", content: "port=abc\n"},
		{name: "port out of range", content: "port=70000\n"},
		{name: "bad workers", content: "workers=0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.content))
			assert.ErrorIs(t, err, ErrMalformedConfigLine)
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, "port=11883\n")

	t.Setenv("MQTT_PORT", "21883")
	t.Setenv("MQTT_IP", "10.0.0.1")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 21883, cfg.Port)
	assert.Equal(t, "10.0.0.1", cfg.IP)
}
