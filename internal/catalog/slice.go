// Package catalog loads task slices and the example configurations they
// reference.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/spachava753/deskeval/internal/models"
)

// sliceAliases maps well-known slice names to the files tried, in order.
var sliceAliases = map[string][]string{
	"small":          {"test_small.json", "verified_small.json", "test_all.json"},
	"test_small":     {"test_small.json", "verified_small.json", "test_all.json"},
	"all":            {"test_all.json", "verified_all.json"},
	"test_all":       {"test_all.json", "verified_all.json"},
	"verified_small": {"verified_small.json", "test_small.json", "test_all.json"},
	"verified_all":   {"verified_all.json", "test_all.json"},
	"nodrive":        {"test_nodrive.json", "test_small.json", "test_all.json"},
	"test_nodrive":   {"test_nodrive.json", "test_small.json", "test_all.json"},
}

// SliceCandidates returns the catalog files tried for a slice name.
func SliceCandidates(name string) []string {
	if files, ok := sliceAliases[strings.ToLower(name)]; ok {
		return files
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".toml":
		return []string{name}
	}
	return []string{name + ".json", name + ".toml"}
}

// ErrSliceNotFound is returned when no candidate file exists.
var ErrSliceNotFound = errors.New("slice not found")

// LoadSlice resolves name against root and parses it. Names starting with
// http:// or https:// are fetched.
func LoadSlice(ctx context.Context, root, name string) (models.Slice, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		data, err := fetch(ctx, name)
		if err != nil {
			return models.Slice{}, err
		}
		domains, err := parseSlice(path.Base(name), data)
		if err != nil {
			return models.Slice{}, err
		}
		return models.Slice{Name: name, Source: name, Domains: domains}, nil
	}

	var tried []string
	for _, candidate := range SliceCandidates(name) {
		p := candidate
		if !filepath.IsAbs(p) {
			p = filepath.Join(root, candidate)
		}
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			tried = append(tried, p)
			continue
		}
		if err != nil {
			return models.Slice{}, fmt.Errorf("reading slice %s: %w", p, err)
		}
		domains, err := parseSlice(p, data)
		if err != nil {
			return models.Slice{}, err
		}
		return models.Slice{Name: name, Source: p, Domains: domains}, nil
	}
	return models.Slice{}, fmt.Errorf("%w: %q (tried %s)", ErrSliceNotFound, name, strings.Join(tried, ", "))
}

func fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching slice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching slice: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return data, nil
}

func parseSlice(name string, data []byte) ([]models.DomainEntry, error) {
	var (
		domains []models.DomainEntry
		err     error
	)
	if strings.EqualFold(filepath.Ext(name), ".toml") {
		domains, err = parseTOMLSlice(data)
	} else {
		domains, err = parseJSONSlice(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing slice %s: %w", name, err)
	}
	return domains, nil
}

// parseJSONSlice decodes {"domain": ["id", ...], ...} keeping key order,
// which encoding/json maps do not preserve.
func parseJSONSlice(data []byte) ([]models.DomainEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("slice must be a JSON object of domain to example ids")
	}

	var domains []models.DomainEntry
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		domain := tok.(string)
		var ids []string
		if err := dec.Decode(&ids); err != nil {
			return nil, fmt.Errorf("domain %s: %w", domain, err)
		}
		if seen[domain] {
			return nil, fmt.Errorf("domain %s listed twice", domain)
		}
		seen[domain] = true
		domains = append(domains, models.DomainEntry{Domain: domain, ExampleIDs: ids})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return domains, nil
}

// parseTOMLSlice decodes a TOML table of domain = ["id", ...]; order comes
// from the decoder's key metadata.
func parseTOMLSlice(data []byte) ([]models.DomainEntry, error) {
	var raw map[string][]string
	md, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, err
	}
	var domains []models.DomainEntry
	for _, key := range md.Keys() {
		if len(key) != 1 {
			continue
		}
		domain := key[0]
		domains = append(domains, models.DomainEntry{Domain: domain, ExampleIDs: raw[domain]})
	}
	return domains, nil
}
