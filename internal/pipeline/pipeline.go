// Package pipeline schedules the fetch-filter-dispatch cycle for every
// configured source and enforces the delivery ordering guarantee: an
// item is recorded as seen only after it actually went out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tickerwire/internal/dedup"
	"tickerwire/internal/dispatch"
	"tickerwire/internal/eventbus"
	"tickerwire/internal/feed"
	"tickerwire/internal/retry"
	"tickerwire/internal/store"
	"tickerwire/pkg/logx"
)

// Trigger is when a job fires: a fixed interval or a daily wall-clock
// time in the scheduler timezone.
type Trigger struct {
	every   time.Duration
	dailyAt string // "HH:MM"
}

func Every(d time.Duration) Trigger { return Trigger{every: d} }
func DailyAt(hhmm string) Trigger   { return Trigger{dailyAt: hhmm} }
func (t Trigger) IsZero() bool      { return t.every == 0 && t.dailyAt == "" }

func (t Trigger) spec() (string, error) {
	switch {
	case t.every > 0:
		return "@every " + t.every.String(), nil
	case t.dailyAt != "":
		h, m, err := parseHHMM(t.dailyAt)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", m, h), nil
	default:
		return "", errors.New("empty trigger")
	}
}

// Job binds one source to its trigger.
type Job struct {
	Source  feed.Source
	Trigger Trigger

	// MaxPerRun caps dispatches per cycle; 0 means unlimited. Overflow
	// stays unseen and surfaces again next cycle.
	MaxPerRun int
}

type Config struct {
	Location *time.Location

	// Pace is the minimum spacing between consecutive dispatches,
	// shared across all jobs. Zero disables pacing.
	Pace time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight runs.
	ShutdownGrace time.Duration

	Retry retry.Policy
}

// jobState tracks one job across runs. running gives overlap-skip: a
// trigger that fires while the previous run is still going is dropped,
// not queued.
type jobState struct {
	mu             sync.Mutex
	running        bool
	lastRun        time.Time
	lastErr        string
	consecFailures int
	totalSent      int

	entryID cron.EntryID
}

type Scheduler struct {
	cfg    Config
	log    logx.Logger
	filter *dedup.Filter
	store  store.Store
	disp   dispatch.Dispatcher
	bus    eventbus.Bus

	limiter *rate.Limiter

	mu      sync.Mutex
	c       *cron.Cron
	jobs    map[string]*jobState
	pending []pendingJob
	runWG   sync.WaitGroup
	runCtx  context.Context
	cancel  context.CancelFunc
}

func New(cfg Config, st store.Store, filter *dedup.Filter, disp dispatch.Dispatcher, bus eventbus.Bus, log logx.Logger) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	var limiter *rate.Limiter
	if cfg.Pace > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.Pace), 1)
	}
	return &Scheduler{
		cfg:     cfg,
		log:     log,
		filter:  filter,
		store:   st,
		disp:    disp,
		bus:     bus,
		limiter: limiter,
		jobs:    map[string]*jobState{},
	}
}

// Add registers a job. Must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Source == nil {
		return errors.New("job has no source")
	}
	id := job.Source.ID()
	spec, err := job.Trigger.spec()
	if err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("scheduler already started")
	}
	if _, dup := s.jobs[id]; dup {
		return fmt.Errorf("job %s already registered", id)
	}
	s.jobs[id] = &jobState{}
	s.pending = append(s.pending, pendingJob{job: job, spec: spec})
	return nil
}

type pendingJob struct {
	job  Job
	spec string
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("scheduler already started")
	}
	if len(s.pending) == 0 {
		return errors.New("no jobs registered")
	}

	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.c = cron.New(
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithLocation(s.cfg.Location),
	)
	for _, p := range s.pending {
		job := p.job
		st := s.jobs[job.Source.ID()]
		entryID, err := s.c.AddFunc(p.spec, func() { s.trigger(job, st) })
		if err != nil {
			return fmt.Errorf("job %s: bad schedule %q: %w", job.Source.ID(), p.spec, err)
		}
		st.entryID = entryID
		s.log.Info("job scheduled",
			logx.String("source", job.Source.ID()),
			logx.String("spec", p.spec),
			logx.Int("max_per_run", job.MaxPerRun))
	}
	s.c.Start()
	s.log.Info("pipeline started",
		logx.Int("jobs", len(s.pending)),
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("pace", s.cfg.Pace))
	return nil
}

// Stop halts triggering and waits for in-flight runs up to the
// configured grace, then abandons them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	select {
	case <-done:
		s.log.Info("pipeline stopped")
	case <-time.After(grace):
		s.log.Warn("pipeline stop timed out, abandoning in-flight runs", logx.Duration("grace", grace))
	}
	cancel()
	s.mu.Lock()
	s.c = nil
	s.mu.Unlock()
}

// trigger is the cron entry point. Every run gets its own goroutine so
// a slow source never delays a sibling's schedule.
func (s *Scheduler) trigger(job Job, st *jobState) {
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		s.log.Warn("run still in progress, skipping this trigger", logx.String("source", job.Source.ID()))
		s.bus.Publish(eventbus.Event{Type: eventbus.RunSkipped, Data: eventbus.RunEvent{SourceID: job.Source.ID()}})
		return
	}
	st.running = true
	st.mu.Unlock()

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		defer func() {
			st.mu.Lock()
			st.running = false
			st.mu.Unlock()
		}()
		s.runOnce(s.runCtx, job, st)
	}()
}

// RunNow executes one cycle synchronously, outside the cron schedule.
// Overlap-skip still applies.
func (s *Scheduler) RunNow(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	var job Job
	found := false
	for _, p := range s.pending {
		if p.job.Source.ID() == sourceID {
			job, found = p.job, true
			break
		}
	}
	st := s.jobs[sourceID]
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("unknown job %q", sourceID)
	}

	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		return fmt.Errorf("job %q already running", sourceID)
	}
	st.running = true
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()
	return s.runOnce(ctx, job, st)
}

func (s *Scheduler) runOnce(ctx context.Context, job Job, st *jobState) error {
	sourceID := job.Source.ID()
	log := s.log.With(logx.String("source", sourceID))
	started := time.Now()
	s.bus.Publish(eventbus.Event{Type: eventbus.RunStarted, Data: eventbus.RunEvent{SourceID: sourceID, StartedAt: started}})

	sent, failed, err := s.cycle(ctx, job, log)

	st.mu.Lock()
	st.lastRun = started
	st.totalSent += sent
	if err != nil {
		st.lastErr = err.Error()
		st.consecFailures++
		if st.consecFailures >= 3 {
			log.Error("job failing repeatedly", logx.Int("consecutive", st.consecFailures), logx.Err(err))
		}
	} else {
		st.lastErr = ""
		st.consecFailures = 0
	}
	st.mu.Unlock()

	ev := eventbus.RunEvent{
		SourceID:  sourceID,
		StartedAt: started,
		Duration:  time.Since(started),
		Sent:      sent,
		Failed:    failed,
		Err:       err,
	}
	if err != nil {
		log.Warn("run failed", logx.Int("sent", sent), logx.Int("failed", failed), logx.Err(err))
		s.bus.Publish(eventbus.Event{Type: eventbus.RunFailed, Data: ev})
		return err
	}
	log.Info("run finished", logx.Int("sent", sent), logx.Int("failed", failed), logx.Duration("took", ev.Duration))
	s.bus.Publish(eventbus.Event{Type: eventbus.RunFinished, Data: ev})
	return nil
}

// cycle is one complete pass: fetch, filter, cap, dispatch, record.
func (s *Scheduler) cycle(ctx context.Context, job Job, log logx.Logger) (sent, failed int, err error) {
	sourceID := job.Source.ID()

	var batch []feed.Item
	err = retry.Do(ctx, s.cfg.Retry, log, "fetch "+sourceID, func(ctx context.Context) error {
		var ferr error
		batch, ferr = job.Source.Fetch(ctx)
		return ferr
	})
	if err != nil {
		return 0, 0, fmt.Errorf("fetch: %w", err)
	}

	fresh, err := s.filter.FilterNew(ctx, sourceID, batch)
	if err != nil {
		return 0, 0, err
	}
	if len(fresh) == 0 {
		log.Debug("nothing new", logx.Int("candidates", len(batch)))
		return 0, 0, nil
	}

	if job.MaxPerRun > 0 && len(fresh) > job.MaxPerRun {
		log.Info("capping run", logx.Int("fresh", len(fresh)), logx.Int("cap", job.MaxPerRun))
		fresh = fresh[:job.MaxPerRun]
	}

	for _, item := range fresh {
		if err := ctx.Err(); err != nil {
			return sent, failed, err
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return sent, failed, err
			}
		}

		sendErr := retry.Do(ctx, s.cfg.Retry, log, "dispatch "+sourceID, func(ctx context.Context) error {
			return s.disp.Send(ctx, item)
		})
		if sendErr != nil {
			// One bad item must not sink the rest of the batch. It stays
			// unseen and gets another chance next cycle.
			failed++
			log.Warn("dispatch failed, item stays pending",
				logx.String("key", item.Key),
				logx.Err(sendErr))
			continue
		}

		markErr := s.store.MarkSeen(ctx, store.DeliveryRecord{
			SourceID:    sourceID,
			ItemKey:     item.Key,
			Title:       item.Title,
			DeliveredAt: time.Now(),
		})
		switch {
		case markErr == nil:
		case errors.Is(markErr, store.ErrAlreadySeen):
			// Lost a race with a concurrent run; the item went out, so
			// count it and move on.
			log.Debug("delivery already recorded", logx.String("key", item.Key))
		default:
			// The item went out but is not recorded; it may repeat next
			// cycle. Stop the run so the store problem gets visibility.
			return sent + 1, failed, fmt.Errorf("record delivery %s: %w", item.Key, markErr)
		}

		sent++
		s.bus.Publish(eventbus.Event{Type: eventbus.ItemSent, Data: eventbus.ItemEvent{
			SourceID: sourceID, ItemKey: item.Key, Title: item.Title,
		}})
	}

	if sent == 0 && failed > 0 {
		return sent, failed, fmt.Errorf("all %d dispatches failed", failed)
	}
	return sent, failed, nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
