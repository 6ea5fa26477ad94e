package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/nugget/wayfinder/internal/defaults"
)

// runInit initializes a Wayfinder working directory with the bundled
// starter config, persona, and rulesets. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Wayfinder workspace in %s\n", dir)

	for _, sub := range []string{"data", "rulesets", "workflows"} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	// The config may hold API keys.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	personaPath := filepath.Join(dir, "persona.md")
	if err := writeIfMissing(personaPath, defaults.PersonaMD, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", personaPath)

	err := fs.WalkDir(defaults.Rulesets, "rulesets", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || path.Ext(p) != ".md" {
			return nil
		}
		content, err := defaults.Rulesets.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		dest := filepath.Join(dir, "rulesets", d.Name())
		if err := writeIfMissing(dest, content, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(w, "  ✓ %s\n", dest)
		return nil
	})
	if err != nil {
		return fmt.Errorf("install rulesets: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your decision model and tool engines.")
	return nil
}

// writeIfMissing writes content to p only if the file does not exist.
func writeIfMissing(p string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	if err := os.WriteFile(p, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	return nil
}
