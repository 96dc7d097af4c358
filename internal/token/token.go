// Package token issues and redeems capability tokens for result downloads.
// A token grants access to exactly one artifact, carries a download budget
// and an expiry, and survives restarts through a JSON file written
// atomically on every mutation.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocrd/internal/common/fsutil"
)

// Token is one download capability. Backend selects how the artifact is
// served: "local" resolves FilePath, "oss" signs ObjectKey.
type Token struct {
	Token        string  `json:"token"`
	Backend      string  `json:"backend"`
	TaskID       string  `json:"task_id"`
	Kind         string  `json:"kind"`
	ObjectKey    string  `json:"object_key,omitempty"`
	FilePath     string  `json:"file_path,omitempty"`
	MaxDownloads int     `json:"max_downloads"`
	Remain       int     `json:"remain"`
	ExpireAt     float64 `json:"expire_at"`
}

// Expired reports whether the token's lifetime has elapsed at now.
func (t Token) Expired(now time.Time) bool {
	return float64(now.UnixNano())/float64(time.Second) >= t.ExpireAt
}

// Store keeps tokens in memory and mirrors every change to disk.
type Store struct {
	mu   sync.Mutex
	byID map[string]Token
	path string
	log  zerolog.Logger
	now  func() time.Time
}

// NewStore loads any existing token file at path. A missing file is a
// fresh store; a corrupt one is discarded with a warning.
func NewStore(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		byID: make(map[string]Token),
		path: path,
		log:  logger.With().Str("component", "tokens").Logger(),
		now:  time.Now,
	}
	var saved map[string]Token
	if err := fsutil.ReadJSON(path, &saved); err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("token file unreadable, starting empty")
		}
		return s, nil
	}
	now := s.now()
	for id, t := range saved {
		t.Token = id
		if t.Remain > 0 && !t.Expired(now) {
			s.byID[id] = t
		}
	}
	return s, nil
}

// Create issues a new token. ttl <= 0 yields a token that is already
// expired; maxDownloads < 1 is raised to 1.
func (s *Store) Create(backend, taskID, kind, objectKey, filePath string, maxDownloads int, ttl time.Duration) (Token, error) {
	if maxDownloads < 1 {
		maxDownloads = 1
	}
	id, err := randomToken()
	if err != nil {
		return Token{}, err
	}
	now := s.now()
	t := Token{
		Token:        id,
		Backend:      backend,
		TaskID:       taskID,
		Kind:         kind,
		ObjectKey:    objectKey,
		FilePath:     filePath,
		MaxDownloads: maxDownloads,
		Remain:       maxDownloads,
		ExpireAt:     float64(now.Add(ttl).UnixNano()) / float64(time.Second),
	}

	s.mu.Lock()
	s.byID[id] = t
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return Token{}, fmt.Errorf("persist tokens: %w", err)
	}
	return t, nil
}

// Consume redeems one download against the token. It returns the token's
// state after the decrement, or false when the token is unknown, expired
// or exhausted. Expired and exhausted entries are purged as a side effect.
func (s *Store) Consume(id string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return Token{}, false
	}
	if t.Remain <= 0 || t.Expired(s.now()) {
		delete(s.byID, id)
		if err := s.persistLocked(); err != nil {
			s.log.Error().Err(err).Msg("persist tokens")
		}
		return Token{}, false
	}
	t.Remain--
	if t.Remain == 0 {
		delete(s.byID, id)
	} else {
		s.byID[id] = t
	}
	if err := s.persistLocked(); err != nil {
		s.log.Error().Err(err).Msg("persist tokens")
	}
	return t, true
}

// Peek returns a token without consuming it.
func (s *Store) Peek(id string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[id]
	if !ok || t.Remain <= 0 || t.Expired(s.now()) {
		return Token{}, false
	}
	return t, true
}

// RevokeTask drops every token issued for a task, e.g. when the task's
// artifacts are deleted.
func (s *Store) RevokeTask(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.byID {
		if t.TaskID == taskID {
			delete(s.byID, id)
			n++
		}
	}
	if n > 0 {
		if err := s.persistLocked(); err != nil {
			s.log.Error().Err(err).Msg("persist tokens")
		}
	}
	return n
}

// persistLocked writes the table as one JSON object keyed by token string.
func (s *Store) persistLocked() error {
	return fsutil.WriteJSONAtomic(s.path, s.byID)
}

func randomToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
