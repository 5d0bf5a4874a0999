package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// EnvFile is the masked configuration surface over a KEY=value environment
// file. Reads expose only masked values; writes rewrite the whole file
// atomically (write-to-temp-then-rename) so a crash never leaves a truncated
// secrets file behind.
//
// EnvFile is safe for concurrent use.
type EnvFile struct {
	path string
	keys []string

	mu sync.Mutex // serialises writes
}

// NewEnvFile creates a surface over the file at path exposing the given keys.
func NewEnvFile(path string, keys []string) *EnvFile {
	return &EnvFile{path: path, keys: append([]string(nil), keys...)}
}

// Keys returns the configuration keys this surface exposes, sorted.
func (e *EnvFile) Keys() []string {
	out := append([]string(nil), e.keys...)
	sort.Strings(out)
	return out
}

// UnknownKeyError reports an update to a key outside the exposed set.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("envfile: key %q is not a known configuration key", e.Key)
}

// KeyStatus is the masked representation of one configuration value.
type KeyStatus struct {
	Present bool   `json:"present"`
	Masked  string `json:"masked"`
}

// Status returns, for each exposed key, whether a value is present and its
// masked form. A key set in the process environment but absent from the file
// still reports present. Full values never leave this method.
func (e *EnvFile) Status() (map[string]KeyStatus, error) {
	values, err := e.parse()
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	out := make(map[string]KeyStatus, len(e.keys))
	for _, key := range e.keys {
		v, ok := values[key]
		if !ok {
			v, ok = os.LookupEnv(key)
		}
		out[key] = KeyStatus{Present: ok && v != "", Masked: Mask(v)}
	}
	return out, nil
}

// Set updates the given keys and persists the file atomically. Keys outside
// the exposed set are rejected. Values already in the file but absent from
// updates are preserved; comment lines are not.
func (e *EnvFile) Set(updates map[string]string) error {
	allowed := make(map[string]bool, len(e.keys))
	for _, k := range e.keys {
		allowed[k] = true
	}
	for k := range updates {
		if !allowed[k] {
			return &UnknownKeyError{Key: k}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	values, err := e.parse()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if values == nil {
		values = map[string]string{}
	}
	for k, v := range updates {
		values[k] = v
	}

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values[k])
		sb.WriteByte('\n')
	}

	dir := filepath.Dir(e.path)
	tmp, err := os.CreateTemp(dir, ".env-*")
	if err != nil {
		return fmt.Errorf("envfile: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("envfile: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("envfile: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, e.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("envfile: rename into place: %w", err)
	}
	return nil
}

// parse reads the env file into a key → value map. Blank lines and lines
// starting with '#' are skipped; values may be single- or double-quoted.
func (e *EnvFile) parse() (map[string]string, error) {
	f, err := os.Open(e.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("envfile: read %q: %w", e.path, err)
	}
	return values, nil
}

// Mask elides the middle of a secret, keeping the first three and last two
// characters. Values too short to mask safely are rendered as asterisks
// only; the empty value masks to the empty string.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 7 {
		return strings.Repeat("*", len(value))
	}
	return value[:3] + "…" + value[len(value)-2:]
}
