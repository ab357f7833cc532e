package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/edgeproxy/internal/errors"
)

// Parse decodes and validates a rule file for domain. Unknown fields are
// rejected.
func Parse(domain string, data []byte) (*RuleSet, error) {
	var specs []Spec
	if err := yaml.UnmarshalWithOptions(data, &specs, yaml.DisallowUnknownField()); err != nil {
		return nil, fmt.Errorf("decode rules for %s: %w", domain, err)
	}
	set := &RuleSet{Domain: normalizeDomain(domain), Rules: make([]*Rule, 0, len(specs))}
	for i, s := range specs {
		r, err := Compile(domain+"#"+strconv.Itoa(i+1), s)
		if err != nil {
			return nil, err
		}
		set.Rules = append(set.Rules, r)
	}
	return set, nil
}

// LoadFile loads one rule file, naming the domain after the file.
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Config(path, err)
	}
	set, err := Parse(domainFromFile(path), data)
	if err != nil {
		return nil, errors.Config(path, err)
	}
	return set, nil
}

// LoadDir loads every <domain>.yaml or <domain>.yml file in dir. Any
// malformed file fails the whole load. An empty dir yields an engine with
// no rule sets.
func LoadDir(dir string) (*Engine, error) {
	if dir == "" {
		return NewEngine(), nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Config(dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	sets := make([]*RuleSet, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		set, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[set.Domain]; dup {
			return nil, errors.Configf(path, "domain %s already defined by %s", set.Domain, prev)
		}
		seen[set.Domain] = name
		sets = append(sets, set)
	}
	return NewEngine(sets...), nil
}

func domainFromFile(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
