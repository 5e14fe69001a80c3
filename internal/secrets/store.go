package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/scrypt"
)

// RefPrefix marks a string value as a secret reference. The remainder is
// a dot-path into the secret document, or an env.NAME escape that reads
// the process environment instead.
const RefPrefix = "secret:"

const envNamespace = "env."

// ErrNotFound is returned when a referenced path does not exist.
var ErrNotFound = errors.New("secret not found")

const (
	envelopeVersion = 1
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
	keyLen          = 32
)

// envelope is the on-disk form of an encrypted secret document. The
// whole document is sealed as one blob so a reload is atomic.
type envelope struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store is the single source of truth for sensitive values. The backing
// file holds one nested JSON document, optionally encrypted with a key
// derived from a passphrase. The document is loaded lazily and replaced
// wholesale on reload; readers always see a complete snapshot.
type Store struct {
	path       string
	passphrase string
	logger     *logrus.Logger

	mu     sync.RWMutex
	doc    map[string]interface{}
	loaded bool

	listenerMu sync.Mutex
	listeners  []func()
}

// NewStore creates a Store backed by the document at path. An empty
// passphrase selects plain-JSON mode.
func NewStore(path, passphrase string, logger *logrus.Logger) *Store {
	return &Store{
		path:       path,
		passphrase: passphrase,
		logger:     logger,
	}
}

// IsRef reports whether s is a secret reference.
func IsRef(s string) bool {
	return strings.HasPrefix(s, RefPrefix)
}

// OnReload registers a listener invoked after every successful reload.
func (s *Store) OnReload(fn func()) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Store) readDocument() (map[string]interface{}, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}

	if s.passphrase != "" {
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, fmt.Errorf("failed to parse secret envelope: %w", err)
		}
		if env.Version != envelopeVersion {
			return nil, fmt.Errorf("unsupported secret envelope version %d", env.Version)
		}
		data, err = s.decrypt(&env)
		if err != nil {
			return nil, err
		}
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse secrets document: %w", err)
	}
	return doc, nil
}

func (s *Store) decrypt(env *envelope) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope ciphertext: %w", err)
	}

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	return plaintext, nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	env := envelope{
		Version:    envelopeVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
	}
	return json.MarshalIndent(env, "", "  ")
}

func (s *Store) aead(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(s.passphrase), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (s *Store) ensureLoaded() error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	doc, err := s.readDocument()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.doc = doc
		s.loaded = true
	}
	return nil
}

// Reload re-reads the backing file into a temporary holder and only on
// success swaps it in and notifies listeners. A failed reload leaves the
// current document untouched.
func (s *Store) Reload() error {
	doc, err := s.readDocument()
	if err != nil {
		return fmt.Errorf("secret reload failed: %w", err)
	}

	s.mu.Lock()
	s.doc = doc
	s.loaded = true
	s.mu.Unlock()

	s.listenerMu.Lock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.listenerMu.Unlock()

	for _, fn := range listeners {
		fn()
	}

	if s.logger != nil {
		s.logger.Info("Secrets reloaded")
	}
	return nil
}

// Resolve resolves a secret reference to its string value. Values that
// are not references pass through unchanged. The env. sub-namespace
// resolves from the process environment; everything else is a dot-path
// lookup in the document. Non-string leaves are serialized to JSON for
// template embedding.
func (s *Store) Resolve(ref string) (string, error) {
	if !IsRef(ref) {
		return ref, nil
	}
	path := strings.TrimPrefix(ref, RefPrefix)

	if strings.HasPrefix(path, envNamespace) {
		name := strings.TrimPrefix(path, envNamespace)
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %s is not set: %w", name, ErrNotFound)
		}
		return value, nil
	}

	if err := s.ensureLoaded(); err != nil {
		return "", err
	}

	s.mu.RLock()
	value, ok := lookup(s.doc, path)
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("secret path %q: %w", path, ErrNotFound)
	}

	if str, isStr := value.(string); isStr {
		return str, nil
	}
	serialized, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to serialize secret at %q: %w", path, err)
	}
	return string(serialized), nil
}

// ResolveValue recursively resolves secret references inside strings,
// maps and slices, returning a copy with every reference replaced.
func (s *Store) ResolveValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return s.Resolve(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			resolved, err := s.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			resolved, err := s.ResolveValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveMap resolves every value of a string map.
func (s *Store) ResolveMap(m map[string]string) (map[string]string, error) {
	if m == nil {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved, err := s.Resolve(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Get returns the value at a dot-path.
func (s *Store) Get(path string) (interface{}, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := lookup(s.doc, path)
	if !ok {
		return nil, fmt.Errorf("secret path %q: %w", path, ErrNotFound)
	}
	return value, nil
}

// Set stores a value at a dot-path and persists the document. String
// values that parse as JSON are stored structured.
func (s *Store) Set(path, value string) error {
	if err := s.ensureLoaded(); err != nil {
		// A missing file is fine for the first Set.
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.mu.Lock()
		s.doc = make(map[string]interface{})
		s.loaded = true
		s.mu.Unlock()
	}

	var stored interface{} = value
	var parsed interface{}
	if err := json.Unmarshal([]byte(value), &parsed); err == nil {
		stored = parsed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parts := strings.Split(path, ".")
	node := s.doc
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]interface{})
		if !ok {
			child = make(map[string]interface{})
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = stored

	return s.persistLocked()
}

// List returns the sorted keys under a dot-path. An empty path lists the
// document root.
func (s *Store) List(path string) ([]string, error) {
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	node := interface{}(s.doc)
	if path != "" {
		value, ok := lookup(s.doc, path)
		if !ok {
			return nil, fmt.Errorf("secret path %q: %w", path, ErrNotFound)
		}
		node = value
	}

	m, ok := node.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("secret path %q is a leaf, not a tree", path)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize secrets: %w", err)
	}
	if s.passphrase != "" {
		data, err = s.encrypt(data)
		if err != nil {
			return err
		}
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var node interface{} = doc
	for _, part := range parts {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		node, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return node, true
}
