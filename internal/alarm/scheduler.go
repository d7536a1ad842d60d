package alarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FireFunc runs an alarm's commands. firedAt is the scheduler clock at the
// moment the timer went off.
type FireFunc func(ctx context.Context, a Alarm, firedAt time.Time)

// Options tune scheduler behaviour.
type Options struct {
	Clock    Clock
	Location *time.Location
}

// Pending describes one armed timer.
type Pending struct {
	Key  string
	At   time.Time
	Kind Kind
}

type armed struct {
	alarm Alarm
	at    time.Time
	gen   uint64
	timer Timer
}

// Scheduler owns one timer per live alarm. The store stays the source of
// truth: Replay rebuilds the timer set from it after a restart.
type Scheduler struct {
	repo   Repository
	fire   FireFunc
	clock  Clock
	loc    *time.Location
	logger zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*armed
	gen     uint64
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewScheduler constructs a scheduler that reports firings to fire.
func NewScheduler(repo Repository, fire FireFunc, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		repo:   repo,
		fire:   fire,
		clock:  opts.Clock,
		loc:    opts.Location,
		logger: logger.With().Str("component", "alarm_scheduler").Logger(),
		timers: make(map[string]*armed),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Replay reconciles live timers with the store: one-shot alarms already in
// the past are dropped without firing, everything else is armed.
func (s *Scheduler) Replay(ctx context.Context) (int, error) {
	pruned, err := s.repo.PrunePastOnce(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("prune expired alarms: %w", err)
	}

	alarms, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list alarms: %w", err)
	}

	armedCount := 0
	for _, a := range alarms {
		if _, err := s.Arm(a); err != nil {
			s.logger.Warn().Err(err).Int("id", a.ID).Str("schedule", a.Schedule.Describe()).Msg("alarm not armed")
			continue
		}
		armedCount++
	}

	s.logger.Info().Int("armed", armedCount).Int("dropped_expired", pruned).Msg("alarms replayed")
	return armedCount, nil
}

// Arm starts (or restarts) the timer for a. It returns the fire time.
func (s *Scheduler) Arm(a Alarm) (time.Time, error) {
	now := s.clock.Now()
	at, ok := a.Schedule.Next(now, s.loc)
	if !ok {
		return time.Time{}, ErrInvalidSchedule
	}
	if a.Schedule.Kind == KindOnce && !at.After(now) {
		return time.Time{}, ErrPastFireTime
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return time.Time{}, errors.New("scheduler stopped")
	}
	s.armLocked(a, at, now)
	return at, nil
}

func (s *Scheduler) armLocked(a Alarm, at, now time.Time) {
	if prev, ok := s.timers[a.Key]; ok {
		prev.timer.Stop()
	}
	s.gen++
	gen := s.gen
	key := a.Key

	entry := &armed{alarm: a, at: at, gen: gen}
	entry.timer = s.clock.AfterFunc(at.Sub(now), func() {
		s.onTimer(key, gen)
	})
	s.timers[key] = entry

	s.logger.Debug().Str("key", key).Time("at", at).Str("schedule", a.Schedule.Describe()).Msg("alarm armed")
}

// Cancel stops the live timer for key, if any.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, key)
	s.logger.Debug().Str("key", key).Msg("alarm timer cancelled")
	return true
}

// Pending lists armed timers ordered by fire time.
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Pending, 0, len(s.timers))
	for key, entry := range s.timers {
		out = append(out, Pending{Key: key, At: entry.at, Kind: entry.alarm.Schedule.Kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// NextFire reports when the alarm with key fires next.
func (s *Scheduler) NextFire(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.timers[key]
	if !ok {
		return time.Time{}, false
	}
	return entry.at, true
}

// Stop cancels every timer and waits for firings already in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for key, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()

	s.running.Wait()
	s.cancel()
}

func (s *Scheduler) onTimer(key string, gen uint64) {
	s.mu.Lock()
	entry, ok := s.timers[key]
	if !ok || entry.gen != gen || s.stopped {
		s.mu.Unlock()
		return
	}

	firedAt := s.clock.Now()
	a := entry.alarm
	if a.Schedule.Kind == KindDaily {
		// Next occurrence is computed from the slot that just fired, so a
		// timer waking a little early cannot fire the same slot twice.
		from := entry.at
		if firedAt.After(from) {
			from = firedAt
		}
		s.armLocked(a, a.Schedule.TimeOfDay.Next(from, s.loc), firedAt)
	} else {
		delete(s.timers, key)
	}
	s.running.Add(1)
	ctx := s.ctx
	s.mu.Unlock()

	defer s.running.Done()

	switch a.Schedule.Kind {
	case KindOnce:
		// Delete before firing: after a crash the alarm is missed rather
		// than fired twice.
		if _, err := s.repo.DeleteKey(ctx, key); err != nil {
			if errors.Is(err, ErrNotFound) {
				s.logger.Info().Str("key", key).Msg("alarm deleted before firing; skipped")
				return
			}
			s.logger.Error().Err(err).Str("key", key).Msg("failed to delete fired alarm")
		}
	case KindDaily:
		// The log may have been edited by another process since arming.
		if _, err := s.repo.Get(ctx, key); err != nil {
			if errors.Is(err, ErrNotFound) {
				s.Cancel(key)
				s.logger.Info().Str("key", key).Msg("daily alarm no longer stored; disarmed")
				return
			}
			s.logger.Warn().Err(err).Str("key", key).Msg("alarm lookup failed; firing anyway")
		}
	}

	s.logger.Info().Str("key", key).Str("schedule", a.Schedule.Describe()).
		Strs("commands", a.Commands).Msg("alarm firing")
	s.invoke(ctx, a, firedAt)
}

func (s *Scheduler) invoke(ctx context.Context, a Alarm, firedAt time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("key", a.Key).Msg("alarm handler panicked")
		}
	}()
	if s.fire != nil {
		s.fire(ctx, a, firedAt)
	}
}
