package hanzohttp

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tanq16/hanzo/utils"
)

type Fetcher struct {
	client *http.Client
	config utils.HTTPClientConfig
}

func NewFetcher(client *http.Client, config utils.HTTPClientConfig) *Fetcher {
	return &Fetcher{client: client, config: config}
}

// Fetch appends the remote content from resumeFrom onward into sink. A
// positive resumeFrom turns into a Range request; the server answering with
// full content instead of a partial surfaces as ErrRangeIgnored so the
// caller can drop its partial bytes and restart from zero.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, sink io.Writer, resumeFrom, expectedSize int64, progressCh chan<- int64) (int64, error) {
	log := utils.GetLogger("http-fetch")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating GET request: %w", err)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		log.Debug().Int64("resumeOffset", resumeFrom).Str("url", rawURL).Msg("Setting Range header for resume")
	}
	utils.ApplyHeaders(req, f.config)
	req.Header.Set("Connection", "keep-alive")
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error executing GET request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		return 0, utils.ErrRangeNotSatisfiable
	case resumeFrom > 0 && resp.StatusCode == http.StatusOK:
		log.Warn().Str("url", rawURL).Msg("Server ignored range request, restart from zero required")
		return 0, utils.ErrRangeIgnored
	case resumeFrom > 0 && resp.StatusCode != http.StatusPartialContent:
		return 0, &utils.HTTPStatusError{Status: resp.StatusCode}
	case resumeFrom == 0 && resp.StatusCode != http.StatusOK:
		return 0, &utils.HTTPStatusError{Status: resp.StatusCode}
	}

	written, err := utils.CopyChunks(ctx, sink, resp.Body, resumeFrom, expectedSize, progressCh, rawURL)
	if err != nil {
		return written, err
	}
	log.Debug().Int64("resumeOffset", resumeFrom).Int64("downloadedThisAttempt", written).Str("url", rawURL).Msg("Fetch completed")
	return written, nil
}
