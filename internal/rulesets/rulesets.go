// Package rulesets loads markdown guidance documents that are injected
// into run prompts.
package rulesets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Ruleset is a parsed ruleset file.
type Ruleset struct {
	Name    string   // Filename without .md extension
	Tags    []string // From frontmatter
	Global  bool     // Applies to every run
	Content string   // Markdown with frontmatter stripped
}

type frontmatter struct {
	Tags   []string `yaml:"tags"`
	Global bool     `yaml:"global"`
}

// Loader reads rulesets from a directory.
type Loader struct {
	dir string
}

// NewLoader creates a loader for dir. An empty dir loads nothing.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir}
}

// LoadAll reads every .md file in name order.
func (l *Loader) LoadAll() ([]Ruleset, error) {
	if l.dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rulesets dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var out []Ruleset
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(l.dir, f))
		if err != nil {
			return nil, fmt.Errorf("read ruleset %s: %w", f, err)
		}
		meta, content, err := parseFrontmatter(string(data))
		if err != nil {
			return nil, fmt.Errorf("ruleset %s: %w", f, err)
		}
		out = append(out, Ruleset{
			Name:    strings.TrimSuffix(f, ".md"),
			Tags:    meta.Tags,
			Global:  meta.Global,
			Content: strings.TrimSpace(content),
		})
	}
	return out, nil
}

// Select splits rulesets into the global rules and those requested by
// name or tag. Requested names that match nothing are ignored.
func Select(all []Ruleset, requested []string) (rules, global []string) {
	want := make(map[string]bool, len(requested))
	for _, r := range requested {
		want[strings.TrimSpace(r)] = true
	}
	for _, rs := range all {
		if rs.Content == "" {
			continue
		}
		if rs.Global {
			global = append(global, rs.Content)
			continue
		}
		if want[rs.Name] {
			rules = append(rules, rs.Content)
			continue
		}
		for _, tag := range rs.Tags {
			if want[tag] {
				rules = append(rules, rs.Content)
				break
			}
		}
	}
	return rules, global
}

// parseFrontmatter splits an optional YAML block delimited by "---"
// lines from the body. Text without a complete block is all body.
func parseFrontmatter(raw string) (frontmatter, string, error) {
	var meta frontmatter
	if !strings.HasPrefix(raw, "---") {
		return meta, raw, nil
	}

	rest := strings.TrimLeft(raw[3:], " \t")
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	default:
		return meta, raw, nil
	}

	var block, content string
	if strings.HasPrefix(rest, "---") {
		content = rest[3:]
	} else {
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return meta, raw, nil
		}
		block, content = rest[:end], rest[end+4:]
	}

	if err := yaml.Unmarshal([]byte(block), &meta); err != nil {
		return meta, raw, fmt.Errorf("parse frontmatter: %w", err)
	}
	return meta, strings.TrimLeft(content, "\r\n"), nil
}

// LoadPersona reads a persona file. An empty path yields no persona.
func LoadPersona(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read persona: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}
