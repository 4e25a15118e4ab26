// Package manifest describes the file list of a model bundle and loads it
// from local YAML files or remote JSON indexes.
package manifest

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
)

type Class string

const (
	// ClassEssential covers the small files a runtime needs before weights
	// are useful: config, tokenizer, generation settings.
	ClassEssential Class = "essential"
	// ClassParameter covers the large quantized weight shards.
	ClassParameter Class = "parameter"
)

// SizeUnknown marks entries whose remote size was not published.
const SizeUnknown int64 = -1

type Entry struct {
	Name   string // bundle-relative path, may contain '/'
	URL    string
	Size   int64 // SizeUnknown when not published
	Digest string
	Class  Class
}

func (e Entry) SizeKnown() bool {
	return e.Size >= 0
}

type Manifest struct {
	Name  string
	Files []Entry
}

// Classify assigns a default class from the file name when a manifest omits
// one: weight shard extensions are parameter-class, everything else
// (config.json, tokenizer files, metadata) is essential-class.
func Classify(name string) Class {
	switch strings.ToLower(path.Ext(name)) {
	case ".bin", ".safetensors", ".gguf":
		return ClassParameter
	}
	return ClassEssential
}

func (m *Manifest) Validate() error {
	if len(m.Files) == 0 {
		return fmt.Errorf("manifest %q has no files", m.Name)
	}
	seen := make(map[string]bool, len(m.Files))
	for i, e := range m.Files {
		if e.Name == "" {
			return fmt.Errorf("missing name for entry %d", i+1)
		}
		if e.URL == "" {
			return fmt.Errorf("missing URL for %s", e.Name)
		}
		if filepath.IsAbs(e.Name) || strings.HasPrefix(path.Clean(e.Name), "..") {
			return fmt.Errorf("entry name %q escapes the destination root", e.Name)
		}
		if strings.HasSuffix(e.Name, ".part") {
			return fmt.Errorf("entry name %q uses the reserved staging suffix", e.Name)
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate entry name %q", e.Name)
		}
		seen[e.Name] = true
		switch e.Class {
		case ClassEssential, ClassParameter:
		default:
			return fmt.Errorf("entry %s has unknown class %q", e.Name, e.Class)
		}
	}
	return nil
}

// Split partitions the files by class, preserving manifest order within
// each slice.
func (m *Manifest) Split() (essential, parameter []Entry) {
	for _, e := range m.Files {
		if e.Class == ClassParameter {
			parameter = append(parameter, e)
		} else {
			essential = append(essential, e)
		}
	}
	return essential, parameter
}

// KnownTotal sums the published sizes and counts entries whose size is
// unknown; unknown entries stay out of any progress denominator.
func (m *Manifest) KnownTotal() (total int64, unknown int) {
	for _, e := range m.Files {
		if e.SizeKnown() {
			total += e.Size
		} else {
			unknown++
		}
	}
	return total, unknown
}

// joinURL resolves a bundle-relative name against a base URL, escaping each
// path segment but keeping separators.
func joinURL(base, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.Join(segments, "/")
}

// normalize fills derived fields on a raw entry: URL from the base when
// absent, class from the name when absent.
func normalize(e Entry, baseURL string) Entry {
	if e.URL == "" && baseURL != "" {
		e.URL = joinURL(baseURL, e.Name)
	}
	if e.Class == "" {
		e.Class = Classify(e.Name)
	}
	return e
}
