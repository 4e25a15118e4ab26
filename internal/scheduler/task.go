package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/hanzo/internal/manifest"
	"github.com/tanq16/hanzo/internal/store"
	"github.com/tanq16/hanzo/internal/verify"
	"github.com/tanq16/hanzo/utils"
)

const maxRetryBackoff = 10 * time.Second

type task struct {
	entry       manifest.Entry
	store       *store.Store
	fetcher     utils.Fetcher
	maxAttempts int
	retryDelay  time.Duration
	updates     chan<- update
	log         zerolog.Logger
}

func (t *task) publish(st *TransferState, final *FileResult) {
	t.updates <- update{
		file:    t.entry.Name,
		class:   t.entry.Class,
		status:  st.Status,
		bytes:   st.BytesConfirmed,
		total:   st.TotalBytes,
		counted: t.entry.SizeKnown(),
		err:     st.LastErr,
		final:   final,
	}
}

func (t *task) finish(st *TransferState) FileResult {
	result := FileResult{
		Name:       t.entry.Name,
		Class:      t.entry.Class,
		Status:     st.Status,
		Bytes:      st.BytesConfirmed,
		Reused:     st.ReusedBytes,
		Fetched:    st.FetchedBytes,
		Attempts:   st.Attempts,
		Unverified: st.Unverified,
		Err:        st.LastErr,
	}
	t.publish(st, &result)
	return result
}

// run drives one file to a terminal status. Every failure stays contained
// here; sibling files never see it.
func (t *task) run(ctx context.Context) FileResult {
	st := &TransferState{
		Entry:       t.entry,
		LocalPath:   t.store.FinalPath(t.entry.Name),
		PartialPath: t.store.PartialPath(t.entry.Name),
		Status:      StatusNotStarted,
		TotalBytes:  t.entry.Size,
	}
	t.publish(st, nil)

	st.Status = StatusChecking
	t.publish(st, nil)
	existing, finalExists, err := t.store.ExistingBytes(t.entry.Name)
	if err != nil {
		st.Status, st.LastErr = StatusFailed, err
		return t.finish(st)
	}
	if finalExists && t.acceptExistingFinal(st, existing) {
		st.Status = StatusVerified
		st.BytesConfirmed, st.ReusedBytes = existing, existing
		t.log.Debug().Str("file", t.entry.Name).Int64("size", existing).Msg("Existing file verified, skipping download")
		return t.finish(st)
	}

	// A shard with no published size gets one probe so progress and size
	// checks have something to work with; probe failure just means flying
	// blind until EOF.
	expected := t.entry.Size
	if !t.entry.SizeKnown() {
		if size, err := t.fetcher.Probe(ctx, t.entry.URL); err == nil {
			expected = size
			st.TotalBytes = size
		} else {
			t.log.Debug().Err(err).Str("file", t.entry.Name).Msg("Size probe failed, continuing without a total")
		}
	}

	for attempt := 1; attempt <= t.maxAttempts; attempt++ {
		st.Attempts = attempt
		err := t.attemptOnce(ctx, st, expected)
		if err == nil {
			st.Status, st.LastErr = StatusVerified, nil
			return t.finish(st)
		}
		st.LastErr = err
		if ctx.Err() != nil || !utils.IsRetryable(err) {
			break
		}
		if attempt < t.maxAttempts {
			st.Status = StatusRetrying
			t.publish(st, nil)
			t.log.Warn().Err(err).Str("file", t.entry.Name).Int("attempt", attempt).Msg("Attempt failed, backing off before retry")
			if !sleepBackoff(ctx, t.retryDelay, attempt) {
				break
			}
		}
	}

	if ctx.Err() != nil {
		st.Status = StatusCancelled
		if st.LastErr == nil {
			st.LastErr = ctx.Err()
		}
	} else {
		st.Status = StatusFailed
		t.log.Error().Err(st.LastErr).Str("file", t.entry.Name).Int("attempts", st.Attempts).Msg("Giving up on file")
	}
	return t.finish(st)
}

// acceptExistingFinal decides whether a file already at its final path can
// be trusted. With a digest the answer is definitive. Without one, a size
// match is the best available signal and the result carries an unverified
// flag; a size mismatch means the file cannot be right. Untrusted finals
// are removed so the download path starts clean.
func (t *task) acceptExistingFinal(st *TransferState, size int64) bool {
	if t.entry.Digest != "" {
		ok, err := verify.Verify(st.LocalPath, t.entry.Digest)
		if err == nil && ok {
			return true
		}
		if err != nil {
			t.log.Warn().Err(err).Str("file", t.entry.Name).Msg("Could not read existing file, re-downloading")
		} else {
			t.log.Warn().Str("file", t.entry.Name).Msg("Existing file fails digest check, re-downloading")
		}
	} else if !t.entry.SizeKnown() || size == t.entry.Size {
		st.Unverified = true
		return true
	} else {
		t.log.Warn().Str("file", t.entry.Name).Int64("size", size).Int64("expected", t.entry.Size).Msg("Existing file has wrong size, re-downloading")
	}
	st.Status = StatusCorrupt
	t.publish(st, nil)
	if err := t.store.RemoveFinal(t.entry.Name); err != nil {
		t.log.Warn().Err(err).Str("file", t.entry.Name).Msg("Could not remove untrusted file")
	}
	return false
}

// attemptOnce runs a single download attempt: resume or start the staging
// file, stream, promote, verify. Range rejections restart once from zero
// inside the same attempt.
func (t *task) attemptOnce(ctx context.Context, st *TransferState, expected int64) error {
	name := t.entry.Name
	st.LastErr = nil
	offset, finalExists, err := t.store.ExistingBytes(name)
	if err != nil {
		return err
	}
	if finalExists {
		offset = 0
	}
	if expected >= 0 && offset > expected {
		// The staging file overshoots the expected size; it cannot be right.
		if err := t.store.Discard(name); err != nil {
			return err
		}
		offset = 0
	}

	if expected != 0 {
		st.BytesConfirmed = offset
		if offset > 0 {
			if st.FetchedBytes == 0 {
				// Nothing fetched this run yet, so these bytes are from a
				// previous session.
				st.ReusedBytes = offset
			}
			st.Status = StatusResuming
			t.log.Debug().Str("file", name).Int64("resumeOffset", offset).Msg("Resuming incomplete download")
		} else {
			st.Status = StatusDownloading
		}
		t.publish(st, nil)

		_, ferr := t.fetchInto(ctx, st, offset, expected)
		if errors.Is(ferr, utils.ErrRangeIgnored) || errors.Is(ferr, utils.ErrRangeNotSatisfiable) {
			t.log.Warn().Err(ferr).Str("file", name).Msg("Resume rejected, restarting from zero")
			if err := t.store.Discard(name); err != nil {
				return err
			}
			st.BytesConfirmed, st.ReusedBytes = 0, 0
			st.Status = StatusDownloading
			t.publish(st, nil)
			_, ferr = t.fetchInto(ctx, st, 0, expected)
		}
		if ferr != nil {
			var sizeErr *utils.SizeError
			if errors.As(ferr, &sizeErr) {
				// Poisoned bytes must not survive into the next attempt.
				st.Status = StatusCorrupt
				t.publish(st, nil)
				if err := t.store.Discard(name); err != nil {
					return err
				}
				st.BytesConfirmed, st.ReusedBytes = 0, 0
			}
			return ferr
		}
	} else {
		// Zero-byte files need no request at all, just an empty staging file.
		sink, err := t.store.OpenAppend(name)
		if err != nil {
			return err
		}
		sink.Close()
		st.BytesConfirmed = 0
		t.publish(st, nil)
	}

	st.Status = StatusVerifying
	t.publish(st, nil)
	if err := t.store.Promote(name); err != nil {
		return err
	}
	if t.entry.Digest != "" {
		actual, err := verify.Digest(st.LocalPath)
		if err != nil {
			return err
		}
		if want := verify.Normalize(t.entry.Digest); actual != want {
			st.Status = StatusCorrupt
			t.publish(st, nil)
			if err := t.store.RemoveFinal(name); err != nil {
				return err
			}
			st.BytesConfirmed, st.ReusedBytes = 0, 0
			return &utils.DigestError{Name: name, Want: want, Got: actual}
		}
	} else {
		st.Unverified = true
	}
	return nil
}

// fetchInto opens the staging file and streams into it, forwarding chunk
// deltas into the event stream as they land.
func (t *task) fetchInto(ctx context.Context, st *TransferState, offset, expected int64) (int64, error) {
	sink, err := t.store.OpenAppend(t.entry.Name)
	if err != nil {
		return 0, err
	}
	progressCh := make(chan int64, 100)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for delta := range progressCh {
			st.BytesConfirmed += delta
			st.FetchedBytes += delta
			t.publish(st, nil)
		}
	}()
	written, ferr := t.fetcher.Fetch(ctx, t.entry.URL, sink, offset, expected, progressCh)
	close(progressCh)
	<-done
	if cerr := sink.Close(); cerr != nil && ferr == nil {
		ferr = cerr
	}
	return written, ferr
}

func sleepBackoff(ctx context.Context, base time.Duration, attempt int) bool {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base * (1 << (attempt - 1))
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
