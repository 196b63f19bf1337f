package credential

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/xkilldash9x/trialkey-cli/api/schemas"
)

// UpsertLine sets key=value in line-oriented KEY=value content. The first line
// whose trimmed text starts with "key=" is replaced and later ones are dropped;
// if none exists the entry is appended. Every other line keeps its text, order
// and line ending. It reports whether the content changed.
func UpsertLine(content, key, value string) (string, bool) {
	eol := "\n"
	if strings.Contains(content, "\r\n") {
		eol = "\r\n"
	}
	trailing := content == "" || strings.HasSuffix(content, "\n")
	entry := key + "=" + value
	prefix := key + "="

	lines := strings.SplitAfter(content, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	var b strings.Builder
	b.Grow(len(content) + len(entry) + len(eol))
	found := false
	for _, line := range lines {
		text, ending := splitEnding(line)
		if !strings.HasPrefix(strings.TrimSpace(text), prefix) {
			b.WriteString(line)
			continue
		}
		if found {
			continue
		}
		found = true
		b.WriteString(entry)
		b.WriteString(ending)
	}

	if !found {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString(eol)
		}
		b.WriteString(entry)
		if trailing {
			b.WriteString(eol)
		}
	}

	out := b.String()
	return out, out != content
}

func splitEnding(line string) (text, ending string) {
	switch {
	case strings.HasSuffix(line, "\r\n"):
		return line[:len(line)-2], "\r\n"
	case strings.HasSuffix(line, "\n"):
		return line[:len(line)-1], "\n"
	default:
		return line, ""
	}
}

// ensureExists fails with NotFoundError when path is absent. The file is never created.
func ensureExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &schemas.NotFoundError{Path: path, Err: err}
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// UpdateSharedConfig rewrites the file at path with key set to value.
func UpdateSharedConfig(path, key, value string) (bool, error) {
	if strings.ContainsAny(value, "\r\n") {
		return false, fmt.Errorf("value for %s must be a single line", key)
	}
	if err := ensureExists(path); err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read shared config %s: %w", path, err)
	}

	updated, changed := UpsertLine(string(data), key, value)
	if !changed {
		return false, nil
	}
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(updated))); err != nil {
		return false, fmt.Errorf("failed to write shared config %s: %w", path, err)
	}
	return true, nil
}
