// Package config loads and validates the two YAML rule documents (feed
// sources and keyword sets) and the environment-supplied runtime settings.
//
// Everything here is loaded once at startup into immutable values that are
// passed explicitly through the pipeline. A configuration problem is fatal
// and must surface before any external effect.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Error marks a configuration problem. The CLI maps it to the command-error
// exit code and never attempts the run.
type Error struct {
	Detail string
}

func (e *Error) Error() string { return e.Detail }

func errorf(format string, args ...any) *Error {
	return &Error{Detail: fmt.Sprintf(format, args...)}
}

// Source describes one feed endpoint.
type Source struct {
	ID           string
	Name         string
	Organization string
	URL          string
	Enabled      bool
	TimeoutSec   int
	Retries      int
}

// KeywordSet is one named matching rule. Required terms gate eligibility
// (MinRequiredMatches of them must hit), boost terms only add score, exclude
// terms veto unless an exclude-exception also matches. TopN caps how many
// items the set may deliver per run.
type KeywordSet struct {
	ID                 string
	Name               string
	Enabled            bool
	MinRequiredMatches int
	Required           []string
	Boost              []string
	Exclude            []string
	ExcludeExceptions  []string
	TopN               int
}

type sourcesDoc struct {
	Sources []sourceNode `yaml:"sources"`
}

type sourceNode struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Organization string `yaml:"organization"`
	URL          string `yaml:"url"`
	Enabled      *bool  `yaml:"enabled"`
	TimeoutSec   *int   `yaml:"timeout_sec"`
	Retries      *int   `yaml:"retries"`
}

type keywordSetsDoc struct {
	KeywordSets []keywordSetNode `yaml:"keyword_sets"`
}

type keywordSetNode struct {
	ID                 string   `yaml:"id"`
	Name               string   `yaml:"name"`
	Enabled            *bool    `yaml:"enabled"`
	MinRequiredMatches *int     `yaml:"min_required_matches"`
	Required           []string `yaml:"required"`
	Boost              []string `yaml:"boost"`
	Exclude            []string `yaml:"exclude"`
	ExcludeExceptions  []string `yaml:"exclude_exceptions"`
	TopN               *int     `yaml:"top_n"`
}

// LoadSources reads and validates sources.yaml.
func LoadSources(path string) ([]Source, error) {
	var doc sourcesDoc
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	if len(doc.Sources) == 0 {
		return nil, errorf("%s: sources must be a non-empty list", path)
	}

	seen := make(map[string]bool, len(doc.Sources))
	parsed := make([]Source, 0, len(doc.Sources))
	for i, raw := range doc.Sources {
		node := fmt.Sprintf("sources[%d]", i)
		id, err := requireString(raw.ID, node, "id")
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, errorf("duplicate source id: %s", id)
		}
		seen[id] = true
		name, err := requireString(raw.Name, node, "name")
		if err != nil {
			return nil, err
		}
		org, err := requireString(raw.Organization, node, "organization")
		if err != nil {
			return nil, err
		}
		url, err := requireString(raw.URL, node, "url")
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
			return nil, errorf("%s.url must start with http:// or https://", node)
		}
		timeout, err := optionalInt(raw.TimeoutSec, 20, 1, node, "timeout_sec")
		if err != nil {
			return nil, err
		}
		retries, err := optionalInt(raw.Retries, 2, 0, node, "retries")
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, Source{
			ID:           id,
			Name:         name,
			Organization: org,
			URL:          url,
			Enabled:      optionalBool(raw.Enabled, true),
			TimeoutSec:   timeout,
			Retries:      retries,
		})
	}
	return parsed, nil
}

// LoadKeywordSets reads and validates keyword_sets.yaml. Set order in the
// document is preserved; the pipeline spends its global budget in this order.
func LoadKeywordSets(path string) ([]KeywordSet, error) {
	var doc keywordSetsDoc
	if err := readYAML(path, &doc); err != nil {
		return nil, err
	}
	if len(doc.KeywordSets) == 0 {
		return nil, errorf("%s: keyword_sets must be a non-empty list", path)
	}

	seen := make(map[string]bool, len(doc.KeywordSets))
	parsed := make([]KeywordSet, 0, len(doc.KeywordSets))
	for i, raw := range doc.KeywordSets {
		node := fmt.Sprintf("keyword_sets[%d]", i)
		id, err := requireString(raw.ID, node, "id")
		if err != nil {
			return nil, err
		}
		if seen[id] {
			return nil, errorf("duplicate keyword set id: %s", id)
		}
		seen[id] = true
		name, err := requireString(raw.Name, node, "name")
		if err != nil {
			return nil, err
		}
		minRequired, err := optionalInt(raw.MinRequiredMatches, 2, 1, node, "min_required_matches")
		if err != nil {
			return nil, err
		}
		topN, err := optionalInt(raw.TopN, 10, 1, node, "top_n")
		if err != nil {
			return nil, err
		}
		required, err := requireStringList(raw.Required, node, "required")
		if err != nil {
			return nil, err
		}
		boost, err := requireStringList(raw.Boost, node, "boost")
		if err != nil {
			return nil, err
		}
		exclude, err := requireStringList(raw.Exclude, node, "exclude")
		if err != nil {
			return nil, err
		}
		exceptions, err := optionalStringList(raw.ExcludeExceptions, node, "exclude_exceptions")
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, KeywordSet{
			ID:                 id,
			Name:               name,
			Enabled:            optionalBool(raw.Enabled, true),
			MinRequiredMatches: minRequired,
			Required:           required,
			Boost:              boost,
			Exclude:            exclude,
			ExcludeExceptions:  exceptions,
			TopN:               topN,
		})
	}
	return parsed, nil
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errorf("read config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return errorf("parse config %s: %v", path, err)
	}
	return nil
}

func requireString(value, node, key string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", errorf("%s.%s must be a non-empty string", node, key)
	}
	return trimmed, nil
}

func requireStringList(values []string, node, key string) ([]string, error) {
	if len(values) == 0 {
		return nil, errorf("%s.%s must be a non-empty list of strings", node, key)
	}
	return trimStringList(values, node, key)
}

func optionalStringList(values []string, node, key string) ([]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	return trimStringList(values, node, key)
}

func trimStringList(values []string, node, key string) ([]string, error) {
	out := make([]string, 0, len(values))
	for i, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, errorf("%s.%s[%d] must be a non-empty string", node, key, i)
		}
		out = append(out, trimmed)
	}
	return out, nil
}

func optionalBool(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func optionalInt(value *int, fallback, minimum int, node, key string) (int, error) {
	if value == nil {
		return fallback, nil
	}
	if *value < minimum {
		return 0, errorf("%s.%s must be an int >= %d", node, key, minimum)
	}
	return *value, nil
}
