package modules

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Prop is the strictly parsed content of a module.prop file. Every field
// has a defined default; unknown keys are dropped.
type Prop struct {
	ID          string
	Name        string
	Version     string
	VersionCode int64
	Author      string
	Description string
}

// ParseProp reads key=value lines. Blank lines and '#' comments are
// skipped. A line without '=' or a non-numeric versionCode is a structural
// error.
func ParseProp(r io.Reader) (*Prop, error) {
	p := &Prop{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected key=value", lineNo)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "id":
			p.ID = value
		case "name":
			p.Name = value
		case "version":
			p.Version = value
		case "versionCode":
			if value == "" {
				continue
			}
			code, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: versionCode %q is not an integer", lineNo, value)
			}
			p.VersionCode = code
		case "author":
			p.Author = value
		case "description":
			p.Description = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read module.prop: %w", err)
	}
	return p, nil
}
