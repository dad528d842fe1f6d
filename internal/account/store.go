// Package account persists registered credentials to an append-only text
// file, deduplicated by email, mirrored into a monthly rolling log.
package account

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/freema/regforge/internal/apperror"
)

const (
	timeLayout   = "2006-01-02 15:04:05"
	emailPrefix  = "邮箱: "
	passwdPrefix = "密码: "
)

// Record is one persisted account.
type Record struct {
	SavedAt  time.Time `json:"saved_at"`
	Email    string    `json:"email"`
	Password string    `json:"-"`
}

// Observer is notified of every save attempt outcome.
type Observer interface {
	AccountSaved(email string)
	AccountSaveFailed(email string, err error)
}

// Store appends accounts to a durable file. Save is serialized in-process by
// a mutex and across processes by a lock file next to the durable file.
type Store struct {
	path      string
	logDir    string
	log       *slog.Logger
	observers []Observer
	now       func() time.Time

	mu sync.Mutex
}

// NewStore creates a store writing to path and rolling logs into logDir.
// An empty logDir disables the rolling log.
func NewStore(path, logDir string, log *slog.Logger, observers ...Observer) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		path:      path,
		logDir:    logDir,
		log:       log,
		observers: observers,
		now:       time.Now,
	}
}

// Path returns the durable file path.
func (s *Store) Path() string { return s.path }

// Save appends the account unless its email is already recorded. It reports
// whether a new record was written.
func (s *Store) Save(email, password string) (bool, error) {
	saved, err := s.save(email, password)
	switch {
	case err != nil:
		err = fmt.Errorf("%w: %v", apperror.ErrPersistence, err)
		s.log.Error("account save failed", "email", email, "error", err)
		for _, o := range s.observers {
			o.AccountSaveFailed(email, err)
		}
	case saved:
		s.log.Info("account saved", "email", email, "path", s.path)
		for _, o := range s.observers {
			o.AccountSaved(email)
		}
	default:
		s.log.Info("account already recorded", "email", email)
	}
	return saved, err
}

func (s *Store) save(email, password string) (bool, error) {
	if email == "" {
		return false, errors.New("empty email")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return false, fmt.Errorf("creating account directory: %w", err)
	}

	lock := flock.New(s.path + ".lock")
	if err := lock.Lock(); err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	exists, err := s.contains(email)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	now := s.now()
	block := fmt.Sprintf("[%s]\n%s%s\n%s%s\n\n", now.Format(timeLayout), emailPrefix, email, passwdPrefix, password)
	if err := appendFile(s.path, block, 0o600); err != nil {
		return false, fmt.Errorf("write account: %w", err)
	}

	if s.logDir != "" {
		// The durable append already succeeded; the rolling log is a copy.
		if err := s.appendRollingLog(now, block); err != nil {
			s.log.Warn("rolling account log not written", "email", email, "error", err)
		}
	}
	return true, nil
}

func (s *Store) appendRollingLog(now time.Time, block string) error {
	if err := os.MkdirAll(s.logDir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(s.logDir, fmt.Sprintf("accounts_%s.log", now.Format("2006-01")))
	if err := appendFile(logPath, block, 0o600); err != nil {
		return fmt.Errorf("write rolling log: %w", err)
	}
	return nil
}

// contains looks for an exact "邮箱: <email>" line. Caller holds the lock.
func (s *Store) contains(email string) (bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read accounts: %w", err)
	}
	defer f.Close()

	want := emailPrefix + email
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.TrimRight(sc.Text(), "\r") == want {
			return true, nil
		}
	}
	return false, sc.Err()
}

// List parses the durable file in file order.
func (s *Store) List() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	defer f.Close()

	records := []Record{}
	var cur *Record
	flush := func() {
		if cur != nil && cur.Email != "" {
			records = append(records, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			flush()
			cur = &Record{}
			if ts, err := time.ParseInLocation(timeLayout, line[1:len(line)-1], time.Local); err == nil {
				cur.SavedAt = ts
			}
		case strings.HasPrefix(line, emailPrefix):
			if cur == nil {
				cur = &Record{}
			}
			cur.Email = strings.TrimPrefix(line, emailPrefix)
		case strings.HasPrefix(line, passwdPrefix):
			if cur != nil {
				cur.Password = strings.TrimPrefix(line, passwdPrefix)
			}
		}
	}
	flush()
	return records, sc.Err()
}

func appendFile(path, data string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
