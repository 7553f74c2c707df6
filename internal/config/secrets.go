package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Secret names in the secrets file.
const (
	SecretAPIToken  = "api_token"
	SecretLLMAPIKey = "llm_api_key"
)

// ErrNoSecret is returned when a secret is not stored.
var ErrNoSecret = errors.New("secret not set")

// SecretStore reads and writes named secrets.
type SecretStore interface {
	Get(name string) (string, error)
	Set(name, value string) error
}

// SecretsFilePath is $XDG_DATA_HOME/kindred/secrets.json.
func SecretsFilePath() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), "kindred", "secrets.json")
}

// FileSecrets keeps secrets in a 0600 JSON file outside the config file.
type FileSecrets struct {
	Path string
}

func NewFileSecrets() FileSecrets {
	return FileSecrets{Path: SecretsFilePath()}
}

func (f FileSecrets) read() (map[string]string, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	return secrets, nil
}

func (f FileSecrets) Get(name string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSecret, name)
	}
	return v, nil
}

func (f FileSecrets) Set(name, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	secrets[name] = value

	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, out, 0o600)
}

// GetAPIToken returns the API bearer token, generating and storing one on
// first use.
func GetAPIToken(s SecretStore) (string, error) {
	tok, err := s.Get(SecretAPIToken)
	if err == nil {
		return tok, nil
	}
	if !errors.Is(err, ErrNoSecret) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := s.Set(SecretAPIToken, tok); err != nil {
		return "", fmt.Errorf("storing token: %w", err)
	}
	return tok, nil
}
