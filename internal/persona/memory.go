package persona

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/meowko-voice/internal/logging"
	"github.com/meowko-voice/llm"
)

// Completer is the model call memory summaries are made with.
type Completer interface {
	Complete(ctx context.Context, msgs []llm.Message) (llm.Response, error)
}

const (
	memoryAttempts = 3

	// Days kept before older ones fold into a week, and so on up the tiers.
	keepDays    = 7
	keepMonths  = 3
	keepSeasons = 4

	summarizePrompt = "Summarize the conversation below as concise Markdown bullet points. " +
		"Focus on topics discussed, decisions made, emotional moments, personal details shared, " +
		"and any promises or plans. Put the list inside [memory] ... [/memory] tags. " +
		"Output only the tags and the bullets, no heading or other text."
	summarizeExistingPrompt = "An earlier summary of the same day follows. Fold the new information " +
		"into it and drop duplicates:"
	mergePrompt = "Merge the memory notes below into one condensed summary as Markdown bullet points. " +
		"Drop duplicates, combine related points and keep what matters most. " +
		"Put the list inside [memory] ... [/memory] tags. " +
		"Output only the tags and the bullets, no heading or other text."
)

var (
	memoryBlock = regexp.MustCompile(`(?s)\[memory\](.*?)\[/memory\]`)

	// ErrNoMemoryBlock is returned when a summary reply lacks [memory] tags.
	ErrNoMemoryBlock = errors.New("persona: model reply has no [memory] block")

	tierRank = map[string]int{"year": 0, "season": 1, "month": 2, "week": 3, "day": 4}
)

// Memory keeps per-scope Markdown summaries in five tiers. Each day's log is
// summarized into a day file; old days fold into weeks, weeks into months,
// months into seasons and seasons into years.
type Memory struct {
	dir   string
	store *Store
	llm   Completer

	// mu serializes rollups and compaction, which rewrite files in place.
	mu sync.Mutex
}

func NewMemory(dir string, store *Store, c Completer) *Memory {
	return &Memory{dir: dir, store: store, llm: c}
}

func (m *Memory) scopeDir(scope string) string { return filepath.Join(m.dir, scope) }

func (m *Memory) dayPath(scope string, d time.Time) string {
	return filepath.Join(m.scopeDir(scope), "day-"+d.Format(time.DateOnly)+".md")
}

// weekPath is keyed by the ISO week number.
func (m *Memory) weekPath(scope string, d time.Time) string {
	_, week := d.ISOWeek()
	return filepath.Join(m.scopeDir(scope), fmt.Sprintf("week-%s-%02d.md", d.Format("2006-01"), week))
}

func (m *Memory) monthPath(scope string, d time.Time) string {
	return filepath.Join(m.scopeDir(scope), "month-"+d.Format("2006-01")+".md")
}

func (m *Memory) seasonPath(scope string, d time.Time) string {
	return filepath.Join(m.scopeDir(scope), fmt.Sprintf("season-%d-%02d.md", d.Year(), seasonIndex(d.Month())))
}

func (m *Memory) yearPath(scope string, d time.Time) string {
	return filepath.Join(m.scopeDir(scope), fmt.Sprintf("year-%d.md", d.Year()))
}

// seasonIndex numbers the quarters from 1.
func seasonIndex(month time.Month) int { return (int(month)-1)/3 + 1 }

func isSeasonStart(month time.Month) bool { return (int(month)-1)%3 == 0 }

func tierOf(name string) int {
	prefix, _, _ := strings.Cut(name, "-")
	if r, ok := tierRank[prefix]; ok {
		return r
	}
	return len(tierRank)
}

// ReadAll joins the scope's memory files, coarsest tier first and by name
// within a tier, each under a "## <name>" heading.
func (m *Memory) ReadAll(scope string) (string, error) {
	if _, _, err := splitScope(scope); err != nil {
		return "", err
	}
	dir := m.scopeDir(scope)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(tierOf(a), tierOf(b)); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	var parts []string
	for _, name := range names {
		text, err := readMemoryFile(filepath.Join(dir, name))
		if err != nil {
			return "", err
		}
		if text != "" {
			parts = append(parts, "## "+strings.TrimSuffix(name, ".md")+"\n"+text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// CreateDaily summarizes the scope's log for day into its day file, folding
// in an existing summary. It returns "" when the day has no events.
func (m *Memory) CreateDaily(ctx context.Context, scope string, day time.Time) (string, error) {
	if _, _, err := splitScope(scope); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createDaily(ctx, scope, day)
}

func (m *Memory) createDaily(ctx context.Context, scope string, day time.Time) (string, error) {
	events, err := m.store.ReadFile(m.store.scopePath(scope, day.Format(time.DateOnly)))
	if err != nil || len(events) == 0 {
		return "", err
	}
	path := m.dayPath(scope, day)
	existing, err := readMemoryFile(path)
	if err != nil {
		return "", err
	}
	summary, err := m.summarize(ctx, events, existing)
	if err != nil {
		return "", err
	}
	if err := SaveFileAtomic(path, []byte(summary+"\n"), 0o644); err != nil {
		return "", err
	}
	logging.Infow("memory: wrote daily memory", "scope", scope, "file", filepath.Base(path))
	return path, nil
}

// RunDailyRollup summarizes and archives the log of the day before
// rollupDate, then folds older files up the tiers:
//   - Mondays: days beyond the newest seven into the week file;
//   - the 1st: weeks older than last month into last month's file;
//   - the 1st of a quarter: months beyond the newest three into the season;
//   - January 1st: seasons beyond the newest four into the year.
func (m *Memory) RunDailyRollup(ctx context.Context, scope string, rollupDate time.Time) error {
	if _, _, err := splitScope(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	day := time.Date(rollupDate.Year(), rollupDate.Month(), rollupDate.Day(), 0, 0, 0, 0, rollupDate.Location())
	yesterday := day.AddDate(0, 0, -1)

	path, err := m.createDaily(ctx, scope, yesterday)
	if err != nil {
		return fmt.Errorf("persona: daily memory %s: %w", scope, err)
	}
	if path != "" {
		if err := m.archiveLog(scope, yesterday); err != nil {
			return err
		}
	}

	dir := m.scopeDir(scope)
	if day.Weekday() == time.Monday {
		days, err := listMemoryFiles(dir, "day-")
		if err != nil {
			return err
		}
		if len(days) > keepDays {
			if err := m.mergeInto(ctx, days[:len(days)-keepDays], m.weekPath(scope, yesterday)); err != nil {
				return err
			}
		}
	}
	if day.Day() != 1 {
		return nil
	}

	weeks, err := listMemoryFiles(dir, "week-")
	if err != nil {
		return err
	}
	cutoff := yesterday.Format("2006-01")
	var oldWeeks []string
	for _, f := range weeks {
		month := strings.TrimPrefix(filepath.Base(f), "week-")
		if len(month) >= len(cutoff) && month[:len(cutoff)] < cutoff {
			oldWeeks = append(oldWeeks, f)
		}
	}
	if len(oldWeeks) > 0 {
		if err := m.mergeInto(ctx, oldWeeks, m.monthPath(scope, yesterday)); err != nil {
			return err
		}
	}

	if isSeasonStart(day.Month()) {
		months, err := listMemoryFiles(dir, "month-")
		if err != nil {
			return err
		}
		if len(months) > keepMonths {
			if err := m.mergeInto(ctx, months[:len(months)-keepMonths], m.seasonPath(scope, yesterday)); err != nil {
				return err
			}
		}
	}

	if day.Month() == time.January {
		seasons, err := listMemoryFiles(dir, "season-")
		if err != nil {
			return err
		}
		if len(seasons) > keepSeasons {
			if err := m.mergeInto(ctx, seasons[:len(seasons)-keepSeasons], m.yearPath(scope, yesterday)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Compact summarizes the day's log into memory and archives the log so the
// next context starts fresh.
func (m *Memory) Compact(ctx context.Context, scope string, day time.Time) error {
	if _, _, err := splitScope(scope); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	path, err := m.createDaily(ctx, scope, day)
	if err != nil || path == "" {
		return err
	}
	if err := m.archiveLog(scope, day); err != nil {
		return err
	}
	logging.Infow("memory: compacted conversation", "scope", scope, "date", day.Format(time.DateOnly))
	return nil
}

// RunRollups runs the daily rollup for every conversation scope and returns
// how many failed. A failing scope does not stop the others.
func (m *Memory) RunRollups(ctx context.Context, rollupDate time.Time) int {
	scopes, err := m.store.ListScopes()
	if err != nil {
		logging.Warnw("memory: listing scopes failed", "err", err)
		return 1
	}
	failed := 0
	for _, scope := range scopes {
		if ctx.Err() != nil {
			return failed
		}
		if err := m.RunDailyRollup(ctx, scope, rollupDate); err != nil {
			failed++
			logging.Errorw("memory: rollup failed", "scope", scope, "err", err)
		}
	}
	return failed
}

func (m *Memory) archiveLog(scope string, day time.Time) error {
	path := m.store.scopePath(scope, day.Format(time.DateOnly))
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	dest, err := m.store.Archive(path)
	if err != nil {
		return fmt.Errorf("persona: archive %s: %w", path, err)
	}
	logging.Infow("memory: archived conversation", "scope", scope, "file", filepath.Base(dest))
	return nil
}

// mergeInto folds sources, after any existing dest content, into dest and
// moves the sources to the scope's archive.
func (m *Memory) mergeInto(ctx context.Context, sources []string, dest string) error {
	var contents []string
	for _, f := range sources {
		text, err := readMemoryFile(f)
		if err != nil {
			return err
		}
		if text != "" {
			contents = append(contents, text)
		}
	}
	if len(contents) == 0 {
		return nil
	}
	existing, err := readMemoryFile(dest)
	if err != nil {
		return err
	}
	if existing != "" {
		contents = append([]string{existing}, contents...)
	}
	merged, err := m.complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: mergePrompt},
		{Role: llm.RoleUser, Content: strings.Join(contents, "\n\n---\n\n")},
	})
	if err != nil {
		return fmt.Errorf("persona: merge into %s: %w", filepath.Base(dest), err)
	}
	if err := SaveFileAtomic(dest, []byte(merged+"\n"), 0o644); err != nil {
		return err
	}
	for _, f := range sources {
		if _, err := m.store.Archive(f); err != nil {
			return fmt.Errorf("persona: archive %s: %w", f, err)
		}
	}
	logging.Infow("memory: merged files", "count", len(sources), "dest", filepath.Base(dest))
	return nil
}

func (m *Memory) summarize(ctx context.Context, events []Event, existing string) (string, error) {
	var lines []string
	for _, ev := range events {
		if ev.Role != "" && ev.Content != "" {
			lines = append(lines, ev.Role+": "+ev.Content)
		}
	}
	prompt := summarizePrompt
	if existing != "" {
		prompt += "\n\n" + summarizeExistingPrompt + "\n\n" + existing
	}
	return m.complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: prompt},
		{Role: llm.RoleUser, Content: strings.Join(lines, "\n")},
	})
}

// complete asks the model for a [memory] block, retrying failed calls and
// replies without one.
func (m *Memory) complete(ctx context.Context, msgs []llm.Message) (string, error) {
	var err error
	for attempt := 1; attempt <= memoryAttempts; attempt++ {
		var resp llm.Response
		if resp, err = m.llm.Complete(ctx, msgs); err == nil {
			var text string
			if text, err = extractMemory(resp.Text); err == nil {
				return text, nil
			}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logging.Warnw("memory: summary attempt failed", "attempt", attempt, "max_attempts", memoryAttempts, "err", err)
	}
	return "", err
}

func extractMemory(text string) (string, error) {
	match := memoryBlock.FindStringSubmatch(text)
	if match == nil {
		return "", ErrNoMemoryBlock
	}
	return strings.TrimSpace(match[1]), nil
}

// listMemoryFiles returns the .md files in dir starting with prefix, sorted
// by name.
func listMemoryFiles(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) && strings.HasSuffix(e.Name(), ".md") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

// readMemoryFile returns the trimmed file content, or "" if it is missing.
func readMemoryFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// EstimateTokens is a conservative token count for mixed CJK and English
// text: one token per 2.5 characters.
func EstimateTokens(text string) int {
	return int(float64(utf8.RuneCountInString(text)) / 2.5)
}

// StartRollupScheduler checks every interval whether today's rollup is due
// and runs it for every scope once the rollup time has passed. The caller
// must wg.Add(1) before calling.
func StartRollupScheduler(ctx context.Context, wg *sync.WaitGroup, m *Memory, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last string
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				last = m.tick(ctx, last)
			}
		}
	}()
}

// tick runs the rollup when it is due and returns the date it last ran for.
func (m *Memory) tick(ctx context.Context, last string) string {
	day, ok := m.store.rollupDue(m.store.now(), last)
	if !ok {
		return last
	}
	date := day.Format(time.DateOnly)
	logging.Infow("memory: running daily rollup", "date", date)
	if failed := m.RunRollups(ctx, day); failed > 0 {
		logging.Warnw("memory: daily rollup finished with failures", "date", date, "failed", failed)
	}
	return date
}
