package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// File layout: [salt][nonce][ciphertext+tag], AES-256-GCM keyed by scrypt.
const (
	SecretsFilename = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	gcmTagSize      = 16
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrDecrypt        = errors.New("decryption failed (wrong password or corrupted file)")
)

// Secrets holds decrypted secrets in memory. Lookups fall back to the
// environment; a nil *Secrets consults the environment only.
type Secrets struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewSecrets wraps values (which may be nil).
func NewSecrets(values map[string]string) *Secrets {
	if values == nil {
		values = make(map[string]string)
	}
	return &Secrets{values: values}
}

// Get returns name from the decrypted secrets, then from the environment.
func (s *Secrets) Get(name string) (string, error) {
	if s != nil {
		s.mu.RLock()
		v, ok := s.values[name]
		s.mu.RUnlock()
		if ok && v != "" {
			return v, nil
		}
	}
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s not in secrets file or environment", ErrSecretNotFound, name)
}

func (s *Secrets) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

func (s *Secrets) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
}

// Names returns the stored secret names, sorted. Values are never listed.
func (s *Secrets) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.values))
	for name := range s.values {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Save encrypts the current values into workspaceRoot's secrets file.
func (s *Secrets) Save(workspaceRoot, password string) error {
	s.mu.RLock()
	snapshot := make(map[string]string, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	s.mu.RUnlock()
	return EncryptSecretsFile(workspaceRoot, password, snapshot)
}

func secretsPath(workspaceRoot string) string {
	return filepath.Join(workspaceRoot, ProjectDir, SecretsFilename)
}

// SecretsFileExists reports whether workspaceRoot has an encrypted secrets file.
func SecretsFileExists(workspaceRoot string) bool {
	_, err := os.Stat(secretsPath(workspaceRoot))
	return err == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(password, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(password, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// EncryptSecretsFile writes secrets to <root>/.patchpilot/secrets.json.enc with mode 0600.
func EncryptSecretsFile(workspaceRoot, password string, secrets map[string]string) error {
	pw := []byte(password)
	defer zero(pw)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	gcm, err := newGCM(pw, salt)
	if err != nil {
		return err
	}

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}
	defer zero(plaintext)

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	data := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	data = append(data, salt...)
	data = append(data, nonce...)
	data = append(data, ciphertext...)

	if err := os.MkdirAll(filepath.Join(workspaceRoot, ProjectDir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", ProjectDir, err)
	}
	if err := os.WriteFile(secretsPath(workspaceRoot), data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts the workspace secrets file. Loose
// permissions are tightened to 0600 before reading.
func DecryptSecretsFile(workspaceRoot, password string) (map[string]string, error) {
	path := secretsPath(workspaceRoot)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	if len(data) < saltSize+nonceSize+gcmTagSize {
		return nil, fmt.Errorf("%w: file too small", ErrDecrypt)
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	pw := []byte(password)
	defer zero(pw)
	gcm, err := newGCM(pw, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	defer zero(plaintext)

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}
