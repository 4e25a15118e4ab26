package utils

import (
	"context"
	"io"
	"time"
)

var Version = "dev"

var ToolUserAgent = "Hanzo/" + Version

type HTTPClientConfig struct {
	Timeout   time.Duration
	KATimeout time.Duration
	ProxyURL  string
	UserAgent string
	Token     string // bearer credential, attached to every request
	Headers   map[string]string
}

// Fetcher streams remote bytes for one URL scheme into a local sink.
type Fetcher interface {
	// Probe reports the remote size without transferring content.
	Probe(ctx context.Context, rawURL string) (int64, error)
	// Fetch appends the remote content from resumeFrom onward into sink and
	// returns the number of bytes written this call. expectedSize < 0 means
	// unknown (read until EOF). Each fully written chunk is reported on
	// progressCh as a delta before the next read.
	Fetch(ctx context.Context, rawURL string, sink io.Writer, resumeFrom, expectedSize int64, progressCh chan<- int64) (int64, error)
}
