package account

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/freema/regforge/internal/apperror"
)

type recordingObserver struct {
	mu     sync.Mutex
	saved  []string
	failed []string
}

func (o *recordingObserver) AccountSaved(email string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saved = append(o.saved, email)
}

func (o *recordingObserver) AccountSaveFailed(email string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, email)
}

func newTestStore(t *testing.T, obs ...Observer) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s := NewStore(filepath.Join(dir, "accounts.txt"), filepath.Join(dir, "logs"), nil, obs...)
	s.now = func() time.Time { return time.Date(2025, 3, 7, 9, 5, 1, 0, time.Local) }
	return s, dir
}

func TestSave_WritesBlock(t *testing.T) {
	s, _ := newTestStore(t)

	saved, err := s.Save("a@x.com", "pw1")
	if err != nil || !saved {
		t.Fatalf("Save = %v, %v", saved, err)
	}

	data, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	want := "[2025-03-07 09:05:01]\n邮箱: a@x.com\n密码: pw1\n\n"
	if string(data) != want {
		t.Errorf("file = %q, want %q", data, want)
	}
}

func TestSave_Deduplicates(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := newTestStore(t, obs)

	if _, err := s.Save("a@x.com", "pw1"); err != nil {
		t.Fatal(err)
	}
	saved, err := s.Save("a@x.com", "pw2")
	if err != nil {
		t.Fatal(err)
	}
	if saved {
		t.Error("duplicate email must not be written")
	}

	data, _ := os.ReadFile(s.Path())
	if n := strings.Count(string(data), "邮箱: a@x.com"); n != 1 {
		t.Errorf("email recorded %d times", n)
	}
	if len(obs.saved) != 1 {
		t.Errorf("observer saved = %v", obs.saved)
	}
}

func TestSave_PrefixEmailIsNotDuplicate(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Save("ba@x.com", "pw"); err != nil {
		t.Fatal(err)
	}
	saved, err := s.Save("a@x.com", "pw")
	if err != nil || !saved {
		t.Errorf("Save = %v, %v; a distinct email must be written", saved, err)
	}
}

func TestSave_Concurrent(t *testing.T) {
	s, _ := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every email is saved twice.
			if _, err := s.Save(fmt.Sprintf("user%d@x.com", i%10), "pw"); err != nil {
				t.Errorf("Save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	records, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 10 {
		t.Errorf("records = %d, want 10", len(records))
	}
}

func TestSave_RollingLog(t *testing.T) {
	s, dir := newTestStore(t)

	if _, err := s.Save("a@x.com", "pw"); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "logs", "accounts_2025-03.log"))
	if err != nil {
		t.Fatalf("rolling log missing: %v", err)
	}
	if !strings.Contains(string(data), "邮箱: a@x.com\n密码: pw\n") {
		t.Errorf("rolling log = %q", data)
	}
}

func TestSave_RollingLogFailureKeepsSave(t *testing.T) {
	obs := &recordingObserver{}
	dir := t.TempDir()
	logDir := filepath.Join(dir, "logs")
	// A regular file where the log directory should be.
	if err := os.WriteFile(logDir, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewStore(filepath.Join(dir, "accounts.txt"), logDir, nil, obs)

	saved, err := s.Save("a@x.com", "pw")
	if !saved || err != nil {
		t.Fatalf("Save = %v, %v; want saved without error", saved, err)
	}
	if len(obs.saved) != 1 || len(obs.failed) != 0 {
		t.Errorf("observer saved = %v, failed = %v", obs.saved, obs.failed)
	}
	records, err := s.List()
	if err != nil || len(records) != 1 {
		t.Fatalf("List = %v, %v", records, err)
	}

	// The durable record still deduplicates.
	if saved, err := s.Save("a@x.com", "pw"); saved || err != nil {
		t.Errorf("second Save = %v, %v", saved, err)
	}
}

func TestSave_FailureNotifiesObserver(t *testing.T) {
	obs := &recordingObserver{}
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	// The parent of the account file is a regular file, so nothing can be created.
	s := NewStore(filepath.Join(blocker, "accounts.txt"), "", nil, obs)

	saved, err := s.Save("a@x.com", "pw")
	if saved || err == nil {
		t.Fatalf("Save = %v, %v; want failure", saved, err)
	}
	if !errors.Is(err, apperror.ErrPersistence) {
		t.Errorf("error %v does not wrap ErrPersistence", err)
	}
	if len(obs.failed) != 1 || obs.failed[0] != "a@x.com" {
		t.Errorf("observer failed = %v", obs.failed)
	}
}

func TestSave_EmptyEmail(t *testing.T) {
	s, _ := newTestStore(t)
	if _, err := s.Save("", "pw"); err == nil {
		t.Error("expected error for empty email")
	}
}

func TestList(t *testing.T) {
	s, _ := newTestStore(t)

	if recs, err := s.List(); err != nil || len(recs) != 0 {
		t.Fatalf("List on missing file = %v, %v", recs, err)
	}

	for _, e := range []string{"a@x.com", "b@x.com"} {
		if _, err := s.Save(e, "pw-"+e); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %v", recs)
	}
	if recs[0].Email != "a@x.com" || recs[0].Password != "pw-a@x.com" {
		t.Errorf("first record = %+v", recs[0])
	}
	if recs[1].SavedAt.Format(timeLayout) != "2025-03-07 09:05:01" {
		t.Errorf("saved at = %s", recs[1].SavedAt)
	}
}
