package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tanq16/hanzo/utils"
)

type indexEntry struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Size   *int64 `json:"size"`
	Digest string `json:"digest"`
	Class  string `json:"class"`
}

type indexDocument struct {
	Name    string       `json:"name"`
	BaseURL string       `json:"base_url"`
	Files   []indexEntry `json:"files"`
}

// FetchIndex downloads a bundle index JSON from a model hub and builds the
// manifest from it. The client carries the bearer credential; user agent and
// custom headers are applied here like on every other request.
func FetchIndex(ctx context.Context, client *http.Client, rawURL string, cfg utils.HTTPClientConfig) (*Manifest, error) {
	log := utils.GetLogger("manifest")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("error building index request: %w", err)
	}
	utils.ApplyHeaders(req, cfg)
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching bundle index: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &utils.HTTPStatusError{Status: resp.StatusCode}
	}
	var doc indexDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("error parsing bundle index: %w", err)
	}
	m := &Manifest{Name: doc.Name, Files: make([]Entry, 0, len(doc.Files))}
	for _, e := range doc.Files {
		size := SizeUnknown
		if e.Size != nil {
			size = *e.Size
		}
		m.Files = append(m.Files, normalize(Entry{
			Name:   e.Name,
			URL:    e.URL,
			Size:   size,
			Digest: e.Digest,
			Class:  Class(e.Class),
		}, doc.BaseURL))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("bundle", m.Name).Int("count", len(m.Files)).Str("index", rawURL).Msg("Manifest fetched from index")
	return m, nil
}
