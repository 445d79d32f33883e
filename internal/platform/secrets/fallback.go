package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// loadFallbackFile reads "secret://name=value" lines used when Secret Manager is not reachable,
// typically on a developer machine. Values are not versioned. A missing file yields an empty set.
func loadFallbackFile(path string) (map[string]string, error) {
	values := make(map[string]string)
	path = strings.TrimSpace(path)
	if path == "" {
		return values, nil
	}
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return values, fmt.Errorf("secrets: open fallback file %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		ref, err := ParseReference(name)
		if err != nil {
			continue
		}
		values[ref.Name] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return values, fmt.Errorf("secrets: read fallback file %s: %w", path, err)
	}
	return values, nil
}
