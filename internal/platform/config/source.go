package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// source is the merged key/value view Load reads from.
type source map[string]string

func newSource(o loaderOptions) (source, error) {
	dotenv, err := readDotEnv(o.envFile)
	if err != nil {
		return nil, err
	}
	merged := source{}
	for k, v := range dotenv {
		merged[k] = v
	}
	if o.useSystemEnv {
		for _, entry := range os.Environ() {
			k, v, ok := strings.Cut(entry, "=")
			if k = strings.TrimSpace(k); ok && k != "" {
				merged[k] = v
			}
		}
	}
	for k, v := range o.envMap {
		merged[k] = v
	}
	return merged, nil
}

func (s source) values() map[string]string {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func (s source) str(key, fallback string) string {
	if v := s[key]; v != "" {
		return v
	}
	return fallback
}

// integer and duration fall back on unparsable values; validate catches what matters.
func (s source) integer(key string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(s[key])); err == nil {
		return n
	}
	return fallback
}

func (s source) duration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s[key])); err == nil {
		return d
	}
	return fallback
}

// list splits a comma separated value, dropping blanks.
func (s source) list(key string) []string {
	out := []string{}
	for _, part := range strings.Split(s[key], ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// pairs parses "env=value,env=value" with lower-cased keys.
func (s source) pairs(key string) map[string]string {
	out := map[string]string{}
	for _, entry := range s.list(key) {
		k, v, ok := strings.Cut(entry, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if ok && k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

// readDotEnv parses KEY=VALUE lines, allowing comments, an "export " prefix and quoted values.
// A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	values := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		k, v, ok := strings.Cut(line, "=")
		if k = strings.TrimSpace(k); !ok || k == "" {
			continue
		}
		values[k] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return values, nil
}
