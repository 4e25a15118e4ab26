package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tanq16/hanzo/internal/manifest"
	"github.com/tanq16/hanzo/internal/store"
	"github.com/tanq16/hanzo/utils"
)

type Options struct {
	DestRoot      string
	Workers       int
	MaxAttempts   int
	RetryDelay    time.Duration
	Fetchers      map[string]utils.Fetcher // keyed by source family: "http", "s3"
	SkipPreflight bool
	EventBuffer   int
}

type Coordinator struct {
	opts    Options
	store   *store.Store
	events  chan ProgressEvent
	session string
}

func New(opts Options) (*Coordinator, error) {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	s, err := store.New(opts.DestRoot)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		opts:    opts,
		store:   s,
		events:  make(chan ProgressEvent, opts.EventBuffer),
		session: uuid.New().String(),
	}, nil
}

// Events is the coordinator's progress stream. It closes when Run returns;
// consumers get snapshots only and share no state with the tasks.
func (c *Coordinator) Events() <-chan ProgressEvent {
	return c.events
}

func (c *Coordinator) Store() *store.Store {
	return c.store
}

// Run downloads the bundle. Essential-class files hold a hard barrier: no
// parameter-class task starts while any of them is unfinished. Within a
// class, files run concurrently up to Workers in manifest order. Per-file
// failures land in the summary, not in the returned error.
func (c *Coordinator) Run(ctx context.Context, m *manifest.Manifest) (*Summary, error) {
	defer close(c.events)
	log := utils.GetLogger("scheduler").With().Str("session", c.session).Logger()
	start := time.Now()

	if err := m.Validate(); err != nil {
		return nil, err
	}
	if !c.opts.SkipPreflight {
		if err := checkDiskSpace(c.store, m); err != nil {
			return nil, err
		}
	}

	knownTotal, unknownCount := m.KnownTotal()
	essential, parameter := m.Split()
	log.Info().Str("bundle", m.Name).Int("essential", len(essential)).Int("parameter", len(parameter)).
		Str("knownTotal", utils.FormatBytes(uint64(knownTotal))).Int("unknownSizes", unknownCount).
		Int("workers", c.opts.Workers).Msg("Starting bundle download")

	// Every task feeds one aggregation loop; it alone touches the results
	// map and emits ordered events.
	updates := make(chan update, 4*c.opts.Workers)
	results := make(map[string]*FileResult, len(m.Files))
	for _, e := range m.Files {
		results[e.Name] = &FileResult{Name: e.Name, Class: e.Class, Status: StatusNotStarted}
	}
	var aggWg sync.WaitGroup
	aggWg.Add(1)
	go func() {
		defer aggWg.Done()
		c.aggregate(updates, knownTotal, results)
	}()

	c.runPhase(ctx, essential, updates, log)
	c.runPhase(ctx, parameter, updates, log)

	close(updates)
	aggWg.Wait()

	summary := &Summary{
		SessionID: c.session,
		Bundle:    m.Name,
		Elapsed:   time.Since(start),
		OK:        true,
	}
	for _, e := range m.Files {
		r := results[e.Name]
		summary.Results = append(summary.Results, *r)
		summary.TotalFetched += r.Fetched
		summary.TotalReused += r.Reused
		if r.Status != StatusVerified {
			summary.OK = false
		}
	}
	log.Info().Bool("ok", summary.OK).Str("fetched", utils.FormatBytes(uint64(summary.TotalFetched))).
		Str("reused", utils.FormatBytes(uint64(summary.TotalReused))).Dur("elapsed", summary.Elapsed).
		Msg("Bundle download finished")
	if ctx.Err() != nil {
		return summary, ctx.Err()
	}
	return summary, nil
}

func (c *Coordinator) runPhase(ctx context.Context, entries []manifest.Entry, updates chan<- update, log zerolog.Logger) {
	if len(entries) == 0 {
		return
	}
	jobCh := make(chan manifest.Entry, len(entries))
	for _, e := range entries {
		jobCh <- e
	}
	close(jobCh)

	workers := min(c.opts.Workers, len(entries))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			wlog := log.With().Int("worker", workerID).Logger()
			for entry := range jobCh {
				if ctx.Err() != nil {
					// Drain without starting; queued files stay NotStarted.
					continue
				}
				fetcher := c.opts.Fetchers[utils.DetermineSource(entry.URL)]
				if fetcher == nil {
					err := fmt.Errorf("no fetcher for URL %q", entry.URL)
					updates <- update{
						file: entry.Name, class: entry.Class, status: StatusFailed, err: err,
						final: &FileResult{Name: entry.Name, Class: entry.Class, Status: StatusFailed, Err: err},
					}
					continue
				}
				t := &task{
					entry:       entry,
					store:       c.store,
					fetcher:     fetcher,
					maxAttempts: c.opts.MaxAttempts,
					retryDelay:  c.opts.RetryDelay,
					updates:     updates,
					log:         wlog,
				}
				t.run(ctx)
			}
		}(i)
	}
	wg.Wait()
}

// aggregate is the single synchronization point between tasks and
// observers. It folds absolute per-file byte counts into an overall
// fraction that never goes backwards, and records terminal results.
func (c *Coordinator) aggregate(updates <-chan update, knownTotal int64, results map[string]*FileResult) {
	perFile := make(map[string]int64)
	lastStatus := make(map[string]Status)
	var overall int64
	var highWater float64
	for u := range updates {
		if u.counted {
			overall += u.bytes - perFile[u.file]
			perFile[u.file] = u.bytes
		}
		if u.final != nil {
			*results[u.file] = *u.final
		}
		fraction := highWater
		if knownTotal > 0 {
			fraction = min(float64(overall)/float64(knownTotal), 1.0)
			if fraction < highWater {
				fraction = highWater
			} else {
				highWater = fraction
			}
		}
		ev := ProgressEvent{
			File:            u.file,
			Class:           u.class,
			Status:          u.status,
			BytesConfirmed:  u.bytes,
			TotalBytes:      u.total,
			OverallBytes:    overall,
			OverallKnown:    knownTotal,
			OverallFraction: fraction,
			Err:             u.err,
		}
		if u.status != lastStatus[u.file] || u.final != nil {
			// Status transitions always get through; a slow consumer only
			// ever misses intermediate byte ticks.
			lastStatus[u.file] = u.status
			c.events <- ev
		} else {
			select {
			case c.events <- ev:
			default:
			}
		}
	}
}
