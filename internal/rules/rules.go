// Package rules resolves the effective mount mode of module paths.
//
// Every module has one ModuleRules value: a default mode plus overrides keyed
// by module-root-relative paths ("system/fonts"). A directory override also
// applies to everything below it. Resolution is pure and in-memory; the Store
// is the only way rules reach disk.
package rules

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/danieljhkim/metahybrid/internal/fsops"
)

// ErrValidation indicates rules or identifiers failed validation.
var ErrValidation = errors.New("validation failed")

var moduleIDPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]+$`)

// ValidationError describes a rejected module id, path key or mode.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ValidateModuleID checks a module id against the allowed pattern.
func ValidateModuleID(id string) error {
	if !moduleIDPattern.MatchString(id) {
		return &ValidationError{Field: "module id", Value: id, Reason: "must match " + moduleIDPattern.String()}
	}
	return nil
}

// ModuleRules is the per-module mount policy.
type ModuleRules struct {
	// DefaultMode applies to every path without a matching override
	DefaultMode Mode `json:"default_mode"`

	// Paths maps module-relative paths to a mode override
	Paths map[string]Mode `json:"paths"`
}

// Default returns rules with overlay as default and no overrides.
func Default() *ModuleRules {
	return &ModuleRules{
		DefaultMode: Overlay,
		Paths:       map[string]Mode{},
	}
}

// Resolve returns the effective mode for a module-relative path: the exact
// override, else the override of the nearest ancestor directory, else the
// default mode.
func (r *ModuleRules) Resolve(p string) Mode {
	p = cleanKey(p)
	if m, ok := r.Paths[p]; ok {
		return m
	}
	for dir := path.Dir(p); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if m, ok := r.Paths[dir]; ok {
			return m
		}
	}
	return r.DefaultMode
}

// Uniform reports whether every path at or below prefix resolves to the same
// mode, and returns that mode.
func (r *ModuleRules) Uniform(prefix string) (Mode, bool) {
	prefix = cleanKey(prefix)
	m := r.Resolve(prefix)
	for key, v := range r.Paths {
		if strings.HasPrefix(key, prefix+"/") && v != m {
			return m, false
		}
	}
	return m, true
}

// Validate checks the default mode, every override key and every override
// mode. Keys must be clean relative paths that cannot leave the module root.
func (r *ModuleRules) Validate() error {
	if !r.DefaultMode.Valid() {
		return &ValidationError{Field: "default_mode", Value: r.DefaultMode.String(), Reason: "unknown mode"}
	}
	keys := make([]string, 0, len(r.Paths))
	for k := range r.Paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fsops.ValidateRelPath(k); err != nil {
			return &ValidationError{Field: "path", Value: k, Reason: err.Error()}
		}
		if !r.Paths[k].Valid() {
			return &ValidationError{Field: "mode", Value: r.Paths[k].String(), Reason: "unknown mode for " + k}
		}
	}
	return nil
}

// Normalize cleans every override key in place. Two keys that clean to the
// same path are rejected rather than silently merged.
func (r *ModuleRules) Normalize() error {
	if r.Paths == nil {
		r.Paths = map[string]Mode{}
		return nil
	}
	cleaned := make(map[string]Mode, len(r.Paths))
	for k, v := range r.Paths {
		ck := cleanKey(k)
		if prev, dup := cleaned[ck]; dup && prev != v {
			return &ValidationError{Field: "path", Value: k, Reason: "duplicates " + ck}
		}
		cleaned[ck] = v
	}
	r.Paths = cleaned
	return nil
}

// cleanKey keeps leading "/" and ".." visible so validation still sees them.
func cleanKey(p string) string {
	if p == "" {
		return p
	}
	c := path.Clean(p)
	return strings.TrimPrefix(c, "./")
}
