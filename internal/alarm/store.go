package alarm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"market-strength-bot/internal/storage"
)

var (
	// ErrNotFound is returned for an alarm id or key that does not exist.
	ErrNotFound = errors.New("alarm not found")
	// ErrPastFireTime rejects one-shot alarms that would never fire.
	ErrPastFireTime = errors.New("alarm time is in the past")
	// ErrInvalidSchedule covers malformed schedule specs.
	ErrInvalidSchedule = errors.New("invalid alarm schedule")
	// ErrNoCommands rejects alarms without anything to run.
	ErrNoCommands = errors.New("alarm has no commands")
)

// Header is the alarm log column set. Logs written by earlier releases lack
// the trailing RepeatFlag and Key columns.
var Header = []string{"Timestamp", "ScheduleDescription", "Commands", "RepeatFlag", "Key"}

const repeatFlag = "repeat"

// Alarm is one stored alarm definition.
type Alarm struct {
	// ID is the 1-based position in the store. It shifts when an earlier
	// alarm is deleted; use Key to refer to an alarm across mutations.
	ID        int
	Key       string
	CreatedAt time.Time
	Schedule  Schedule
	Commands  []string
	// Repeated marks alarms created through the repeat button.
	Repeated bool
}

// CommandLine joins the commands as they were typed.
func (a Alarm) CommandLine() string {
	return strings.Join(a.Commands, " ")
}

// Repository is the store contract the scheduler depends on.
type Repository interface {
	List(ctx context.Context) ([]Alarm, error)
	Get(ctx context.Context, key string) (Alarm, error)
	DeleteKey(ctx context.Context, key string) (Alarm, error)
	PrunePastOnce(ctx context.Context, now time.Time) (int, error)
}

type entry struct {
	alarm Alarm
	row   []string
}

// Store is the durable alarm log. Reads are served from an in-memory mirror
// that is reloaded whenever the file changes on disk; every mutation re-reads
// the log inside a locked transaction, so several processes can share it.
type Store struct {
	file   *storage.File
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger

	mu        sync.Mutex
	entries   []entry
	stamp     storage.Stamp
	listeners []func(Alarm)
}

// StoreOption customises a Store.
type StoreOption func(*Store)

// WithNow overrides the clock used for validation and timestamps.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// OpenStore loads the alarm log at path, creating it when missing.
func OpenStore(path string, loc *time.Location, logger zerolog.Logger, opts ...StoreOption) (*Store, error) {
	if loc == nil {
		loc = time.Local
	}
	logger = logger.With().Str("component", "alarm_store").Logger()

	s := &Store{
		file:   storage.NewFile(path, Header, logger),
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	rows, stamp, err := s.file.Load()
	if err != nil {
		return nil, fmt.Errorf("load alarms: %w", err)
	}
	s.entries, s.stamp = s.decodeAll(rows), stamp
	return s, nil
}

// OnRemove registers fn to be called for every alarm removed from the
// store, after the removal is durable.
func (s *Store) OnRemove(fn func(Alarm)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Create validates and appends a new alarm and returns it with its position.
func (s *Store) Create(ctx context.Context, sched Schedule, commands []string, repeated bool) (Alarm, error) {
	if err := ctx.Err(); err != nil {
		return Alarm{}, err
	}
	now := s.now()

	switch sched.Kind {
	case KindDaily:
	case KindOnce:
		if !sched.FireAt.After(now) {
			return Alarm{}, fmt.Errorf("%w: %s", ErrPastFireTime, sched.FireAt.Format(fireAtLayout))
		}
	default:
		return Alarm{}, ErrInvalidSchedule
	}
	if len(commands) == 0 {
		return Alarm{}, ErrNoCommands
	}

	a := Alarm{
		Key:       uuid.NewString(),
		CreatedAt: now.In(s.loc).Truncate(time.Minute),
		Schedule:  sched,
		Commands:  slices.Clone(commands),
		Repeated:  repeated,
	}

	var created Alarm
	_, err := s.mutate(func(entries []entry) ([]entry, []Alarm, error) {
		entries = append(entries, entry{alarm: a, row: encode(a)})
		created = a
		created.ID = len(entries)
		return entries, nil, nil
	})
	if err != nil {
		return Alarm{}, err
	}

	s.logger.Info().Int("id", created.ID).Str("key", created.Key).
		Str("schedule", sched.Describe()).Strs("commands", commands).Msg("alarm created")
	return created, nil
}

// List returns all alarms in creation order with ids 1..N.
func (s *Store) List(ctx context.Context) ([]Alarm, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	out := make([]Alarm, len(s.entries))
	for i, e := range s.entries {
		out[i] = withID(e.alarm, i+1)
	}
	return out, nil
}

// Get returns the alarm with the given key.
func (s *Store) Get(ctx context.Context, key string) (Alarm, error) {
	if err := ctx.Err(); err != nil {
		return Alarm{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked()

	for i, e := range s.entries {
		if e.alarm.Key == key {
			return withID(e.alarm, i+1), nil
		}
	}
	return Alarm{}, ErrNotFound
}

// Delete removes the alarm at position id; later alarms move up by one.
func (s *Store) Delete(ctx context.Context, id int) (Alarm, error) {
	if err := ctx.Err(); err != nil {
		return Alarm{}, err
	}
	removed, err := s.mutate(func(entries []entry) ([]entry, []Alarm, error) {
		if id < 1 || id > len(entries) {
			return nil, nil, fmt.Errorf("%w: id %d (have %d)", ErrNotFound, id, len(entries))
		}
		gone := withID(entries[id-1].alarm, id)
		return slices.Delete(entries, id-1, id), []Alarm{gone}, nil
	})
	if err != nil {
		return Alarm{}, err
	}
	return removed[0], nil
}

// DeleteKey removes the alarm with the given key.
func (s *Store) DeleteKey(ctx context.Context, key string) (Alarm, error) {
	if err := ctx.Err(); err != nil {
		return Alarm{}, err
	}
	removed, err := s.mutate(func(entries []entry) ([]entry, []Alarm, error) {
		idx := slices.IndexFunc(entries, func(e entry) bool { return e.alarm.Key == key })
		if idx < 0 {
			return nil, nil, ErrNotFound
		}
		gone := withID(entries[idx].alarm, idx+1)
		return slices.Delete(entries, idx, idx+1), []Alarm{gone}, nil
	})
	if err != nil {
		return Alarm{}, err
	}
	return removed[0], nil
}

// PrunePastOnce removes every one-shot alarm whose fire time is before now.
// Daily alarms and unparsable rows are left alone.
func (s *Store) PrunePastOnce(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.refreshLocked()
	expired := slices.ContainsFunc(s.entries, func(e entry) bool { return isExpired(e.alarm, now) })
	s.mu.Unlock()
	if !expired {
		return 0, nil
	}

	removed, err := s.mutate(func(entries []entry) ([]entry, []Alarm, error) {
		var gone []Alarm
		kept := entries[:0]
		for i, e := range entries {
			if isExpired(e.alarm, now) {
				gone = append(gone, withID(e.alarm, i+1))
				continue
			}
			kept = append(kept, e)
		}
		return kept, gone, nil
	})
	if err != nil {
		return 0, err
	}
	if len(removed) > 0 {
		s.logger.Info().Int("removed", len(removed)).Msg("expired one-shot alarms pruned")
	}
	return len(removed), nil
}

// mutate runs fn over the entries decoded from the current file contents and
// writes the result back in one locked transaction. Listeners are notified
// after the lock is released.
func (s *Store) mutate(fn func(entries []entry) ([]entry, []Alarm, error)) ([]Alarm, error) {
	s.mu.Lock()
	var (
		next    []entry
		removed []Alarm
		fnErr   error
	)
	_, _, stamp, err := s.file.Update(func(rows [][]string) ([][]string, error) {
		next, removed, fnErr = fn(s.decodeAll(rows))
		if fnErr != nil {
			return nil, fnErr
		}
		out := make([][]string, len(next))
		for i, e := range next {
			out[i] = e.row
		}
		return out, nil
	})
	if fnErr != nil {
		s.mu.Unlock()
		return nil, fnErr
	}
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("persist alarms: %w", err)
	}
	s.entries, s.stamp = next, stamp
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, a := range removed {
		for _, fn := range listeners {
			fn(a)
		}
	}
	return removed, nil
}

// refreshLocked reloads the mirror when another handle changed the file.
// A failed check keeps serving the mirror.
func (s *Store) refreshLocked() {
	stamp, err := s.file.Stamp()
	if err == nil && stamp == s.stamp {
		return
	}
	rows, stamp, err := s.file.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("alarm log reload failed; serving cached alarms")
		return
	}
	s.entries, s.stamp = s.decodeAll(rows), stamp
}

// decodeAll parses the stored rows in order. Identical rows without a stored
// key are told apart by their occurrence index.
func (s *Store) decodeAll(rows [][]string) []entry {
	seen := make(map[string]int, len(rows))
	out := make([]entry, 0, len(rows))
	for _, row := range rows {
		sig := strings.Join(row, "\x1f")
		out = append(out, s.decode(row, seen[sig]))
		seen[sig]++
	}
	return out
}

// decode parses a stored row. Rows that fail to parse are kept verbatim with
// a KindUnknown schedule. A parsable row without a Key column gets a key
// derived from its contents, and the key is written out with the row on the
// next mutation.
func (s *Store) decode(row []string, occurrence int) entry {
	if raw, ok := storage.RawText(row); ok {
		return entry{
			alarm: Alarm{Key: derivedKey(row, occurrence), Schedule: Schedule{raw: raw}},
			row:   slices.Clone(row),
		}
	}

	cells := slices.Clone(row)
	for len(cells) < 3 {
		cells = append(cells, "")
	}

	var a Alarm
	if ts, err := storage.ParseTimestamp(cells[0], s.loc); err == nil {
		a.CreatedAt = ts
	}
	sched, err := ParseDescription(cells[1], s.loc)
	if err != nil {
		s.logger.Warn().Err(err).Strs("row", row).Msg("keeping unparsable alarm row")
	}
	a.Schedule = sched
	a.Commands = strings.Fields(cells[2])
	a.Repeated = len(cells) > 3 && strings.EqualFold(strings.TrimSpace(cells[3]), repeatFlag)

	stored := slices.Clone(row)
	if len(cells) > 4 && strings.TrimSpace(cells[4]) != "" {
		a.Key = strings.TrimSpace(cells[4])
	} else {
		a.Key = derivedKey(row, occurrence)
		if sched.Kind != KindUnknown {
			for len(cells) < 4 {
				cells = append(cells, "")
			}
			stored = append(cells[:4], a.Key)
		}
	}
	return entry{alarm: a, row: stored}
}

func derivedKey(row []string, occurrence int) string {
	name := fmt.Sprintf("%s#%d", strings.Join(row, "\x1f"), occurrence)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

func encode(a Alarm) []string {
	flag := ""
	if a.Repeated {
		flag = repeatFlag
	}
	return []string{
		a.CreatedAt.Format(storage.TimestampLayout),
		a.Schedule.Describe(),
		a.CommandLine(),
		flag,
		a.Key,
	}
}

func isExpired(a Alarm, now time.Time) bool {
	return a.Schedule.Kind == KindOnce && a.Schedule.FireAt.Before(now)
}

func withID(a Alarm, id int) Alarm {
	a.ID = id
	a.Commands = slices.Clone(a.Commands)
	return a
}

var _ Repository = (*Store)(nil)
