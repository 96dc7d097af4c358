package token

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"ocrd/internal/common/fsutil"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.json")
	s, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, path
}

func TestSingleUseToken(t *testing.T) {
	s, _ := newStore(t)
	tok, err := s.Create("local", "task-1", "zip", "", "/data/task-1/result.zip", 1, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if tok.Remain != 1 {
		t.Fatalf("fresh token remain=%d", tok.Remain)
	}

	got, ok := s.Consume(tok.Token)
	if !ok {
		t.Fatalf("first consume rejected")
	}
	if got.Remain != 0 || got.FilePath != "/data/task-1/result.zip" {
		t.Fatalf("unexpected consumed token %+v", got)
	}
	if _, ok := s.Consume(tok.Token); ok {
		t.Fatalf("second consume of single-use token succeeded")
	}
}

func TestDownloadBudget(t *testing.T) {
	s, _ := newStore(t)
	tok, err := s.Create("local", "task-1", "md", "", "/data/x/full.md", 3, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, ok := s.Consume(tok.Token); !ok {
			t.Fatalf("consume %d rejected", i+1)
		}
	}
	if _, ok := s.Consume(tok.Token); ok {
		t.Fatalf("consume beyond budget succeeded")
	}
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	s, _ := newStore(t)
	tok, err := s.Create("local", "task-1", "zip", "", "/data/x/result.zip", 1, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := s.Consume(tok.Token); ok {
		t.Fatalf("zero-ttl token was redeemable")
	}
}

func TestExpiryHonorsClock(t *testing.T) {
	s, _ := newStore(t)
	now := time.Now()
	s.now = func() time.Time { return now }

	tok, err := s.Create("local", "task-1", "zip", "", "/f", 5, time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := s.Peek(tok.Token); !ok {
		t.Fatalf("fresh token not peekable")
	}
	now = now.Add(2 * time.Minute)
	if _, ok := s.Consume(tok.Token); ok {
		t.Fatalf("expired token was redeemable")
	}
	if _, ok := s.Peek(tok.Token); ok {
		t.Fatalf("expired token still visible after purge")
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	s, path := newStore(t)
	keep, err := s.Create("oss", "task-1", "zip", "results/task-1/result.zip", "", 2, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create("local", "task-2", "zip", "", "/f", 1, 0); err != nil {
		t.Fatalf("create expired: %v", err)
	}

	reloaded, err := NewStore(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Peek(keep.Token)
	if !ok {
		t.Fatalf("live token lost across restart")
	}
	if got.Backend != "oss" || got.ObjectKey != "results/task-1/result.zip" || got.Remain != 2 {
		t.Fatalf("token mangled across restart: %+v", got)
	}
	// the already-expired token must not be resurrected
	if len(reloaded.byID) != 1 {
		t.Fatalf("expected 1 live token after reload, got %d", len(reloaded.byID))
	}
}

func TestTokenFileIsMapKeyedByToken(t *testing.T) {
	s, path := newStore(t)
	tok, err := s.Create("local", "task-1", "zip", "", "/data/task-1/result.zip", 2, time.Hour)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var onDisk map[string]Token
	if err := fsutil.ReadJSON(path, &onDisk); err != nil {
		t.Fatalf("token file is not a JSON object: %v", err)
	}
	saved, ok := onDisk[tok.Token]
	if !ok {
		t.Fatalf("token %q not a key of the persisted map: %v", tok.Token, onDisk)
	}
	if saved.TaskID != "task-1" || saved.Remain != 2 {
		t.Fatalf("persisted entry mangled: %+v", saved)
	}
}

func TestRevokeTask(t *testing.T) {
	s, _ := newStore(t)
	tok1, _ := s.Create("local", "task-1", "zip", "", "/a", 1, time.Hour)
	tok2, _ := s.Create("local", "task-1", "md", "", "/b", 1, time.Hour)
	other, _ := s.Create("local", "task-2", "zip", "", "/c", 1, time.Hour)

	if n := s.RevokeTask("task-1"); n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	if _, ok := s.Peek(tok1.Token); ok {
		t.Fatalf("revoked token still live")
	}
	if _, ok := s.Peek(tok2.Token); ok {
		t.Fatalf("revoked token still live")
	}
	if _, ok := s.Peek(other.Token); !ok {
		t.Fatalf("unrelated task's token revoked")
	}
}
