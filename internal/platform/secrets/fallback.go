package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

const defaultFallbackPath = ".secrets.local"

// fallbackFile serves KEY=VALUE lines, KEY being a secret reference, for machines without Secret
// Manager access. The file is read once, on first use. A missing file is empty.
type fallbackFile struct {
	path   string
	values func() (map[string]string, error)
}

func newFallbackFile(path string) *fallbackFile {
	f := &fallbackFile{path: path}
	f.values = sync.OnceValues(f.read)
	return f
}

// lookup prefers a line pinned to ref's version over an unpinned one.
func (f *fallbackFile) lookup(ref Reference) (string, bool, error) {
	values, err := f.values()
	if err != nil {
		return "", false, err
	}
	if value, ok := values[ref.cacheKey()]; ok {
		return value, true, nil
	}
	value, ok := values[ref.String()]
	return value, ok, nil
}

func (f *fallbackFile) read() (map[string]string, error) {
	values := make(map[string]string)
	if f.path == "" {
		return values, nil
	}
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: open fallback file %s: %w", f.path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitEntry(line)
		if !ok {
			continue
		}
		ref, err := ParseReference(key)
		if err != nil {
			continue
		}
		slot := ref.String()
		if ref.pinned {
			slot = ref.cacheKey()
		}
		values[slot] = strings.TrimSpace(value)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("secrets: read fallback file %s: %w", f.path, err)
	}
	return values, nil
}

// splitEntry finds the '=' that ends the key. Inside a query each name=value pair owns one '='.
func splitEntry(line string) (string, string, bool) {
	eq := strings.IndexByte(line, '=')
	q := strings.IndexByte(line, '?')
	if eq < 0 || q < 0 || q > eq {
		return strings.Cut(line, "=")
	}
	i := eq + 1
	for {
		next := strings.IndexAny(line[i:], "&=")
		if next < 0 {
			return "", "", false
		}
		i += next
		if line[i] == '=' {
			return line[:i], line[i+1:], true
		}
		pair := strings.IndexByte(line[i:], '=')
		if pair < 0 {
			return "", "", false
		}
		i += pair + 1
	}
}
