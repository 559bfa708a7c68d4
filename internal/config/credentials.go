package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadCredentials merges inline keys with the key file, preserving order and
// dropping duplicates. The file format is one key per line; blank lines and
// lines starting with '#' are skipped.
func (c *Config) LoadCredentials() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}

	for _, s := range c.Credentials.Inline {
		add(s)
	}

	if path := strings.TrimSpace(c.Credentials.File); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("credentials file: %w", err)
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			add(line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("credentials file: %w", err)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no credentials found")
	}
	return out, nil
}
