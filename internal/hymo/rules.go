// Package hymo compiles stealth redirection rules and hands them to the
// external Hymo enforcer.
//
// Key concepts:
//   - Spec: the operator's rules file (hymo_rules.yaml)
//   - RuleSet: the compiled, validated, versioned form sent to the enforcer
//   - Protocol: each rule kind needs a minimum enforcer protocol; a push
//     never sends a set the enforcer cannot fully apply
//   - Config version: bumped only when the enforcer acknowledges a push
package hymo

import (
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danieljhkim/metahybrid/internal/fsops"
	"github.com/danieljhkim/metahybrid/internal/rules"
)

// Minimum enforcer protocol per rule kind.
const (
	ProtocolRedirect        = 1
	ProtocolHide            = 2
	ProtocolInject          = 3
	ProtocolSymlinkRedirect = 4
	ProtocolXattrSBS        = 6
)

// RedirectType distinguishes what a redirect points at.
type RedirectType string

const (
	RedirectFile      RedirectType = "file"
	RedirectDirectory RedirectType = "directory"
	RedirectSymlink   RedirectType = "symlink"
)

// Redirect sends lookups of Src to Target.
type Redirect struct {
	Src    string       `yaml:"src" json:"src"`
	Target string       `yaml:"target" json:"target"`
	Type   RedirectType `yaml:"type,omitempty" json:"type"`
}

// Spec is the rules file as written by the operator.
type Spec struct {
	Redirects []Redirect `yaml:"redirects"`
	Hides     []string   `yaml:"hides"`
	Injects   []string   `yaml:"injects"`
	XattrSBS  []string   `yaml:"xattr_sbs"`
}

// RuleSet is a compiled rule set.
type RuleSet struct {
	// ProtocolVersion is the minimum enforcer protocol the set needs
	ProtocolVersion int `json:"protocol_version"`

	// ConfigVersion is assigned at push time
	ConfigVersion uint64 `json:"config_version"`

	Redirects []Redirect `json:"redirects"`
	Hides     []string   `json:"hides"`
	Injects   []string   `json:"injects"`
	XattrSBS  []string   `json:"xattr_sbs"`
}

// LoadSpec reads the rules file. A missing file is an empty spec.
func LoadSpec(fs fsops.FS, p string) (*Spec, error) {
	data, err := fs.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &Spec{}, nil
		}
		return nil, fmt.Errorf("failed to read hymo rules: %w", err)
	}
	return ParseSpec(data)
}

// ParseSpec decodes a YAML rules document.
func ParseSpec(data []byte) (*Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, &rules.ValidationError{Field: "hymo_rules", Reason: err.Error()}
	}
	return &spec, nil
}

// Compile validates spec and produces a RuleSet. Sets are deduplicated and
// sorted; redirect order is kept.
func Compile(spec *Spec) (*RuleSet, error) {
	rs := &RuleSet{
		Redirects: []Redirect{},
		Hides:     []string{},
		Injects:   []string{},
		XattrSBS:  []string{},
	}
	if spec == nil {
		return rs, nil
	}

	seen := make(map[string]Redirect)
	for _, r := range spec.Redirects {
		if r.Type == "" {
			r.Type = RedirectFile
		}
		switch r.Type {
		case RedirectFile, RedirectDirectory:
			rs.require(ProtocolRedirect)
		case RedirectSymlink:
			rs.require(ProtocolSymlinkRedirect)
		default:
			return nil, &rules.ValidationError{Field: "redirects.type", Value: string(r.Type), Reason: "must be file, directory or symlink"}
		}
		src, err := absPath("redirects.src", r.Src)
		if err != nil {
			return nil, err
		}
		target, err := absPath("redirects.target", r.Target)
		if err != nil {
			return nil, err
		}
		r.Src, r.Target = src, target
		if prev, dup := seen[src]; dup {
			if prev != r {
				return nil, &rules.ValidationError{Field: "redirects.src", Value: src, Reason: "redirected more than once"}
			}
			continue
		}
		seen[src] = r
		rs.Redirects = append(rs.Redirects, r)
	}

	var err error
	if rs.Hides, err = pathSet("hides", spec.Hides); err != nil {
		return nil, err
	}
	if len(rs.Hides) > 0 {
		rs.require(ProtocolHide)
	}
	if rs.Injects, err = pathSet("injects", spec.Injects); err != nil {
		return nil, err
	}
	if len(rs.Injects) > 0 {
		rs.require(ProtocolInject)
	}

	tokens := make(map[string]bool)
	for _, tok := range spec.XattrSBS {
		t := strings.ToLower(strings.TrimSpace(tok))
		if t == "" || len(t)%2 != 0 {
			return nil, &rules.ValidationError{Field: "xattr_sbs", Value: tok, Reason: "must be a non-empty even-length hex string"}
		}
		if _, err := hex.DecodeString(t); err != nil {
			return nil, &rules.ValidationError{Field: "xattr_sbs", Value: tok, Reason: "not valid hex"}
		}
		tokens[t] = true
	}
	for t := range tokens {
		rs.XattrSBS = append(rs.XattrSBS, t)
	}
	sort.Strings(rs.XattrSBS)
	if len(rs.XattrSBS) > 0 {
		rs.require(ProtocolXattrSBS)
	}
	return rs, nil
}

func (rs *RuleSet) require(v int) {
	if v > rs.ProtocolVersion {
		rs.ProtocolVersion = v
	}
}

// Empty reports whether the set holds no rules.
func (rs *RuleSet) Empty() bool {
	return len(rs.Redirects) == 0 && len(rs.Hides) == 0 && len(rs.Injects) == 0 && len(rs.XattrSBS) == 0
}

func absPath(field, p string) (string, error) {
	if p == "" || !strings.HasPrefix(p, "/") {
		return "", &rules.ValidationError{Field: field, Value: p, Reason: "must be an absolute path"}
	}
	if strings.ContainsRune(p, 0) {
		return "", &rules.ValidationError{Field: field, Value: p, Reason: "contains NUL"}
	}
	for _, part := range strings.Split(p, "/") {
		if part == ".." {
			return "", &rules.ValidationError{Field: field, Value: p, Reason: "must not contain '..'"}
		}
	}
	return path.Clean(p), nil
}

func pathSet(field string, in []string) ([]string, error) {
	set := make(map[string]bool, len(in))
	for _, p := range in {
		clean, err := absPath(field, p)
		if err != nil {
			return nil, err
		}
		set[clean] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
