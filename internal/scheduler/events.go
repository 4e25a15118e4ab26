// Package scheduler runs the per-file download state machines under a
// class-priority worker pool and publishes a pure event stream for
// observers.
package scheduler

import (
	"time"

	"github.com/tanq16/hanzo/internal/manifest"
)

type Status string

const (
	StatusNotStarted  Status = "not started"
	StatusChecking    Status = "checking existing"
	StatusResuming    Status = "resuming"
	StatusDownloading Status = "downloading"
	StatusVerifying   Status = "verifying"
	StatusCorrupt     Status = "corrupt"
	StatusRetrying    Status = "retrying"
	StatusVerified    Status = "verified"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusVerified || s == StatusFailed || s == StatusCancelled
}

// TransferState is the live record of one file's download. It is owned
// exclusively by the task running that file; everyone else sees copies
// through events and the final summary.
type TransferState struct {
	Entry          manifest.Entry
	LocalPath      string
	PartialPath    string
	Status         Status
	BytesConfirmed int64
	TotalBytes     int64 // manifest size, probed when unknown; -1 when nobody knows
	ReusedBytes    int64 // satisfied from disk without network
	FetchedBytes   int64 // pulled over the network this run
	Attempts       int
	Unverified     bool // completed without a digest to check against
	LastErr        error
}

// ProgressEvent is a point-in-time snapshot published on the coordinator's
// event stream. TotalBytes is -1 for files of unknown size, which also stay
// out of the overall denominator.
type ProgressEvent struct {
	File            string
	Class           manifest.Class
	Status          Status
	BytesConfirmed  int64
	TotalBytes      int64
	OverallBytes    int64
	OverallKnown    int64
	OverallFraction float64
	Err             error
}

// FileResult is the terminal outcome of one file.
type FileResult struct {
	Name       string
	Class      manifest.Class
	Status     Status
	Bytes      int64
	Reused     int64
	Fetched    int64
	Attempts   int
	Unverified bool
	Err        error
}

type Summary struct {
	SessionID    string
	Bundle       string
	Results      []FileResult
	Elapsed      time.Duration
	TotalFetched int64
	TotalReused  int64
	OK           bool // every file verified
}

// update is what tasks push to the coordinator's aggregation loop. Byte
// counts are absolute for the file so resets on retry need no bookkeeping.
type update struct {
	file    string
	class   manifest.Class
	status  Status
	bytes   int64
	total   int64
	counted bool // file participates in the overall denominator
	err     error
	final   *FileResult // set exactly once, when the task finishes
}
