// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package secrets loads credentials from a directory of plain-text files.
// Each file is one secret: the filename is the key and the trimmed contents
// are the value. docbatch reads anthropic-api-key from .secrets/.
package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// AnthropicAPIKey is the key file holding the remote API key.
const AnthropicAPIKey = "anthropic-api-key"

// Store maps secret names to values.
type Store map[string]string

// Load reads all files in dir. A missing directory is not an error; Load
// returns an empty store. Unreadable files are logged and skipped.
func Load(dir string) (Store, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Store{}, nil
		}
		return nil, fmt.Errorf("reading secrets directory %s: %w", dir, err)
	}

	s := make(Store)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			slog.Warn("skipping unreadable secret", "name", name, "error", err)
			continue
		}
		if value := strings.TrimSpace(string(data)); value != "" {
			s[name] = value
		}
	}
	return s, nil
}

// Resolve returns fallback when it is set, otherwise the secret for key.
// Explicit configuration always wins over the secrets directory.
func (s Store) Resolve(key, fallback string) string {
	if fallback != "" {
		return fallback
	}
	return s[key]
}

// Keys returns the loaded secret names in sorted order, never the values.
func (s Store) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
