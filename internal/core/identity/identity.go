// Package identity persists the locally generated client identifier that is
// used to fingerprint outbound logins.
package identity

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// alphabet omits characters that are easy to confuse (I, O, l, o).
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz0123456789"

const idLength = 10

// Identity is the persisted content of the identity file.
type Identity struct {
	SSID       string `json:"ssId"`
	ClientUUID string `json:"clientUuid,omitempty"`
}

// Store owns the identity file.
type Store struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	cur Identity
}

// Load opens the identity file at path. When reset is true the file is
// deleted first. A missing file, or one without an id, is regenerated.
func Load(path string, reset bool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log}

	if reset {
		if err := s.reset(); err != nil {
			return nil, err
		}
		return s, nil
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, s.regenerate()
	case err != nil:
		return nil, fmt.Errorf("identity: read %s: %w", path, err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("identity: parse %s: %w", path, err)
	}
	if id.SSID == "" {
		return s, s.regenerate()
	}

	if id.ClientUUID == "" {
		// Files written before the uuid existed keep their id.
		id.ClientUUID = uuid.New().String()
		if err := s.write(id); err != nil {
			return nil, err
		}
	}

	s.cur = id
	log.Info("identity file found", "ss_id", id.SSID)
	return s, nil
}

// reset deletes the identity file and generates a new identity.
func (s *Store) reset() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("identity: reset %s: %w", s.path, err)
	}
	return s.regenerate()
}

// Get returns the current identity.
func (s *Store) Get() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// DeviceID renders the device fingerprint sent with password logins.
func (s *Store) DeviceID() string {
	id := s.Get()
	return fmt.Sprintf(`ss3d; useragent="ss3d (SS-ID: %s)"; uuid="%s"; id="%s"`, id.SSID, id.ClientUUID, id.SSID)
}

func (s *Store) regenerate() error {
	ssID, err := Generate()
	if err != nil {
		return err
	}
	id := Identity{SSID: ssID, ClientUUID: uuid.New().String()}
	if err := s.write(id); err != nil {
		return err
	}
	s.log.Info("identity file not found, generated new id", "ss_id", ssID, "path", s.path)
	return nil
}

func (s *Store) write(id Identity) error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("identity: create %s: %w", dir, err)
		}
	}

	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("identity: write %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.cur = id
	s.mu.Unlock()
	return nil
}

// Generate returns a random id of ten characters formatted as XXXXX-XXXXX.
func Generate() (string, error) {
	buf := make([]byte, idLength)
	limit := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("identity: generate: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf[:5]) + "-" + string(buf[5:]), nil
}
