package mqtt311

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v9"
)

var ErrMalformedConfigLine = errors.New("malformed config line")

// Config holds broker settings loaded from a config file and the
// environment. Environment variables override file values.
type Config struct {
	// IP is the address the broker binds to.
	IP string `env:"MQTT_IP"`

	// Port is the TCP port the broker listens on.
	Port int `env:"MQTT_PORT"`

	// AccountsPath points to a credentials file with one
	// "username,password" pair per line. Empty disables authentication.
	AccountsPath string `env:"MQTT_ACCOUNTS_PATH"`

	// LogPath points to a log file. Empty logs to stderr.
	LogPath string `env:"MQTT_LOG_PATH"`

	// MaxPacketSize caps accepted packet sizes in bytes.
	MaxPacketSize uint32 `env:"MQTT_MAX_PACKET_SIZE"`

	// MaxConnections caps simultaneous client connections.
	// Zero means unlimited.
	MaxConnections int `env:"MQTT_MAX_CONNECTIONS"`

	// Workers is the connection worker pool size.
	Workers int `env:"MQTT_WORKERS"`
}

// DefaultConfig returns a config with default values.
func DefaultConfig() Config {
	return Config{
		IP:            "0.0.0.0",
		Port:          1883,
		MaxPacketSize: DefaultMaxPacketSize,
		Workers:       DefaultWorkerCount,
	}
}

// LoadConfig reads a key=value config file, then applies environment
// overrides. Unknown keys are ignored so config files stay forward
// compatible.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return fmt.Errorf("%w: line %d", ErrMalformedConfigLine, lineNo)
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := c.set(key, value, lineNo); err != nil {
			return err
		}
	}

	return scanner.Err()
}

func (c *Config) set(key, value string, lineNo int) error {
	switch key {
	case "ip":
		c.IP = value
	case "port":
		port, err := strconv.Atoi(value)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: line %d: invalid port %q", ErrMalformedConfigLine, lineNo, value)
		}
		c.Port = port
	case "accounts_path":
		c.AccountsPath = value
	case "log_path":
		c.LogPath = value
	case "max_packet_size":
		size, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: line %d: invalid max_packet_size %q", ErrMalformedConfigLine, lineNo, value)
		}
		c.MaxPacketSize = uint32(size)
	case "max_connections":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: line %d: invalid max_connections %q", ErrMalformedConfigLine, lineNo, value)
		}
		c.MaxConnections = n
	case "workers":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("%w: line %d: invalid workers %q", ErrMalformedConfigLine, lineNo, value)
		}
		c.Workers = n
	}

	return nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}
