// Package repo loads the package-repository fixture that is handed to every synced node.
package repo

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ghodss/yaml"
)

//go:embed fixtures/repos_ubuntu.json
var fixtures embed.FS

const defaultFixture = "fixtures/repos_ubuntu.json"

var errInvalidRepo = errors.New("invalid repository descriptor")

// Repo describes one Debian package repository.
type Repo struct {
	Name     string                 `json:"name"`
	URI      string                 `json:"uri"`
	Suite    string                 `json:"suite"`
	Section  string                 `json:"section"`
	Priority *int                   `json:"priority"`
	Meta     map[string]interface{} `json:"meta,omitempty"`
}

// Default returns the built in Ubuntu repositories.
func Default() ([]Repo, error) {
	b, err := fixtures.ReadFile(defaultFixture)
	if err != nil {
		return nil, err
	}

	return Parse(b)
}

// Load reads repositories from a YAML or JSON file. An empty path means Default.
func Load(path string) ([]Repo, error) {
	if path == "" {
		return Default()
	}
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read repositories file %q: %w", path, err)
	}

	return Parse(b)
}

// Parse decodes a list of repository descriptors. The "type" field of each
// descriptor is dropped; any other unknown field is an error.
func Parse(b []byte) ([]Repo, error) {
	var raw []map[string]interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", err, errInvalidRepo)
	}

	repos := make([]Repo, 0, len(raw))
	for i, r := range raw {
		delete(r, "type")
		j, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("repository %d: %w", i, err)
		}
		dec := json.NewDecoder(bytes.NewReader(j))
		dec.DisallowUnknownFields()
		var repo Repo
		if err := dec.Decode(&repo); err != nil {
			return nil, fmt.Errorf("repository %d: %w: %w", i, err, errInvalidRepo)
		}
		if repo.Name == "" || repo.URI == "" {
			return nil, fmt.Errorf("repository %d: name and uri are required: %w", i, errInvalidRepo)
		}
		repos = append(repos, repo)
	}

	return repos, nil
}

// Copy returns a deep enough copy of repos for handing out to a single node.
func Copy(repos []Repo) []Repo {
	if repos == nil {
		return nil
	}
	out := make([]Repo, len(repos))
	for i, r := range repos {
		out[i] = r
		if r.Priority != nil {
			p := *r.Priority
			out[i].Priority = &p
		}
		if r.Meta != nil {
			out[i].Meta = make(map[string]interface{}, len(r.Meta))
			for k, v := range r.Meta {
				out[i].Meta[k] = v
			}
		}
	}

	return out
}
