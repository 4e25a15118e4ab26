package hanzohttp

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tanq16/hanzo/utils"
)

// Probe asks the server for the remote size without transferring content.
// Missing range support is only logged; the fetch path finds out for real
// when a resume gets answered with full content.
func (f *Fetcher) Probe(ctx context.Context, rawURL string) (int64, error) {
	log := utils.GetLogger("http-probe")
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("error creating HEAD request: %w", err)
	}
	utils.ApplyHeaders(req, f.config)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("error executing HEAD request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &utils.HTTPStatusError{Status: resp.StatusCode}
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		log.Debug().Str("url", rawURL).Msg("Server does not advertise range support")
	}
	if resp.ContentLength < 0 {
		return 0, errors.New("server did not report a content length")
	}
	return resp.ContentLength, nil
}
