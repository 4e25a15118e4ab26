package manifest

import (
	"fmt"
	"os"

	"github.com/tanq16/hanzo/utils"
	"gopkg.in/yaml.v3"
)

type yamlEntry struct {
	Name   string `yaml:"name"`
	URL    string `yaml:"url"`
	Size   *int64 `yaml:"size"`
	Digest string `yaml:"digest"`
	Class  string `yaml:"class"`
}

type yamlManifest struct {
	Name    string      `yaml:"name"`
	BaseURL string      `yaml:"base_url"`
	Files   []yamlEntry `yaml:"files"`
}

// Load reads a bundle manifest from a local YAML file.
func Load(filePath string) (*Manifest, error) {
	log := utils.GetLogger("manifest")
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest file: %w", err)
	}
	var raw yamlManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing manifest file: %w", err)
	}
	m := &Manifest{Name: raw.Name, Files: make([]Entry, 0, len(raw.Files))}
	for _, e := range raw.Files {
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
		}, raw.BaseURL))
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("bundle", m.Name).Int("count", len(m.Files)).Msg("Manifest entries loaded")
	return m, nil
}
