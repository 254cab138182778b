package persona

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meowko-voice/llm"
)

// Event is one line of a conversation log.
type Event struct {
	Timestamp   string       `json:"timestamp"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Type        string       `json:"type,omitempty"`
	TokenUsage  *llm.Usage   `json:"token_usage,omitempty"`
	Cost        *float64     `json:"cost,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment references a file saved under the data directory.
type Attachment struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

const archiveDir = "archive"

// Store is an append-only JSONL log per persona/user scope and logical day.
// Times before the rollup time count toward the previous day.
type Store struct {
	dir    string
	loc    *time.Location
	rollup time.Duration
	now    func() time.Time
	mu     sync.Mutex
}

// NewStore opens a store rooted at dir. rollup is "HH:MM".
func NewStore(dir string, loc *time.Location, rollup string) (*Store, error) {
	if loc == nil {
		loc = time.UTC
	}
	var d time.Duration
	if rollup != "" {
		t, err := time.Parse("15:04", rollup)
		if err != nil {
			return nil, fmt.Errorf("persona: rollup time %q: %w", rollup, err)
		}
		d = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	}
	return &Store{dir: dir, loc: loc, rollup: d, now: time.Now}, nil
}

// LogicalDate returns the log day t belongs to, formatted YYYY-MM-DD.
func (s *Store) LogicalDate(t time.Time) string {
	return s.LogicalDay(t).Format(time.DateOnly)
}

// LogicalDay returns midnight of the log day t belongs to.
func (s *Store) LogicalDay(t time.Time) time.Time {
	t = t.In(s.loc)
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, s.loc)
	if t.Before(midnight.Add(s.rollup)) {
		midnight = midnight.AddDate(0, 0, -1)
	}
	return midnight
}

// rollupDue reports the calendar day whose rollup should run at now: once
// per day, after the rollup time. last is the date of the previous run.
func (s *Store) rollupDue(now time.Time, last string) (time.Time, bool) {
	now = now.In(s.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if day.Format(time.DateOnly) == last || now.Before(day.Add(s.rollup)) {
		return time.Time{}, false
	}
	return day, true
}

func (s *Store) path(personaID, userID, date string) (string, error) {
	scope, err := scopeID(personaID, userID)
	if err != nil {
		return "", err
	}
	return s.scopePath(scope, date), nil
}

func (s *Store) scopePath(scope, date string) string {
	return filepath.Join(s.dir, scope, date+".jsonl")
}

// Append writes ev to today's log and returns the file path.
func (s *Store) Append(personaID, userID string, ev Event) (string, error) {
	path, err := s.path(personaID, userID, s.LogicalDate(s.now()))
	if err != nil {
		return "", err
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", err
	}
	return path, nil
}

// ReadAll returns today's events for the scope.
func (s *Store) ReadAll(personaID, userID string) ([]Event, error) {
	path, err := s.path(personaID, userID, s.LogicalDate(s.now()))
	if err != nil {
		return nil, err
	}
	return s.ReadFile(path)
}

// ReadDate returns the events logged on a calendar date.
func (s *Store) ReadDate(personaID, userID string, date time.Time) ([]Event, error) {
	path, err := s.path(personaID, userID, date.Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	return s.ReadFile(path)
}

// ReadFile parses a JSONL file. A missing file yields no events.
func (s *Store) ReadFile(path string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEvents(path)
}

func readEvents(path string) ([]Event, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var events []Event
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("persona: parse %s: %w", path, err)
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// ListScopes returns the scope directories, excluding the archive.
func (s *Store) ListScopes() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var scopes []string
	for _, e := range entries {
		if e.IsDir() && e.Name() != archiveDir {
			scopes = append(scopes, e.Name())
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

// Rewind removes today's events from the last user message onward and
// returns how many were removed.
func (s *Store) Rewind(personaID, userID string) (int, error) {
	path, err := s.path(personaID, userID, s.LogicalDate(s.now()))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events, err := readEvents(path)
	if err != nil || len(events) == 0 {
		return 0, err
	}
	last := -1
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Role == string(llm.RoleUser) {
			last = i
			break
		}
	}
	if last < 0 {
		return 0, nil
	}
	kept := events[:last]
	if len(kept) == 0 {
		return len(events), os.Remove(path)
	}
	var buf bytes.Buffer
	for _, ev := range kept {
		line, err := json.Marshal(ev)
		if err != nil {
			return 0, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return len(events) - last, SaveFileAtomic(path, buf.Bytes(), 0o644)
}

// Archive moves a log into an archive/ directory beside it, adding a numeric
// suffix if the name is taken.
func (s *Store) Archive(path string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(filepath.Dir(path), archiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(filepath.Base(path), ext)
	dest := filepath.Join(dir, stem+ext)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); errors.Is(err, os.ErrNotExist) {
			break
		}
		dest = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
	}
	return dest, os.Rename(path, dest)
}
