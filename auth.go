package mqtt311

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMalformedCredentials = errors.New("malformed credentials line")
)

// AuthContext carries the credentials presented in a CONNECT packet.
type AuthContext struct {
	ClientID   string
	Username   string
	Password   []byte
	RemoteAddr string
}

// Authenticator validates client credentials during connection.
// Returning an error maps to CONNACK return code 4 (bad credentials).
type Authenticator interface {
	Authenticate(ctx AuthContext) error
}

// AuthenticatorFunc adapts a function to the Authenticator interface.
type AuthenticatorFunc func(ctx AuthContext) error

func (f AuthenticatorFunc) Authenticate(ctx AuthContext) error {
	return f(ctx)
}

// FileCredentials authenticates against a credentials file with one
// "username,password" pair per line. Blank lines and lines starting
// with '#' are skipped. Passwords may be stored as bcrypt hashes
// (recognized by the "$2" prefix) or in plain text.
type FileCredentials struct {
	mu    sync.RWMutex
	users map[string]string
}

// NewFileCredentials loads a credentials file.
func NewFileCredentials(path string) (*FileCredentials, error) {
	fc := &FileCredentials{
		users: make(map[string]string),
	}
	if err := fc.Load(path); err != nil {
		return nil, err
	}
	return fc, nil
}

// Load replaces the credential set from a file. The previous set is
// kept on error.
func (fc *FileCredentials) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open credentials file: %w", err)
	}
	defer f.Close()

	users := make(map[string]string)

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		username, password, found := strings.Cut(line, ",")
		if !found || username == "" {
			return fmt.Errorf("%w: line %d", ErrMalformedCredentials, lineNo)
		}

		users[username] = password
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read credentials file: %w", err)
	}

	fc.mu.Lock()
	fc.users = users
	fc.mu.Unlock()

	return nil
}

// Add registers a credential pair in memory.
func (fc *FileCredentials) Add(username, password string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.users[username] = password
}

// Authenticate checks the presented username and password.
func (fc *FileCredentials) Authenticate(ctx AuthContext) error {
	fc.mu.RLock()
	stored, ok := fc.users[ctx.Username]
	fc.mu.RUnlock()

	if !ok {
		return ErrAuthenticationFailed
	}

	if strings.HasPrefix(stored, "$2") {
		if bcrypt.CompareHashAndPassword([]byte(stored), ctx.Password) != nil {
			return ErrAuthenticationFailed
		}
		return nil
	}

	if stored != string(ctx.Password) {
		return ErrAuthenticationFailed
	}
	return nil
}

// Count returns the number of loaded credential pairs.
func (fc *FileCredentials) Count() int {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return len(fc.users)
}

// HashPassword returns the bcrypt hash of a password, suitable for
// storing in a credentials file.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
