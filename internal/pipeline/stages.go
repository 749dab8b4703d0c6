package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// Stage describes one queue/domain of the enrichment pipeline: its payload
// schema, how idempotent job ids are derived from business keys, and its
// retry posture. The aggregator and dispatcher take a Registry at
// construction so new stages require no change to either.
type Stage struct {
	Name           string
	Root           bool
	RequiredFields []string
	BaseBackoff    time.Duration
	MaxAttempts    int
	DeriveID       func(payload map[string]any) string
}

// Registry holds the known stages in pipeline order.
type Registry struct {
	stages map[string]Stage
	order  []string
}

func NewRegistry(stages ...Stage) *Registry {
	r := &Registry{stages: make(map[string]Stage, len(stages))}
	for _, s := range stages {
		if s.MaxAttempts == 0 {
			s.MaxAttempts = 5
		}
		if s.BaseBackoff == 0 {
			s.BaseBackoff = time.Second
		}
		r.stages[s.Name] = s
		r.order = append(r.order, s.Name)
	}
	return r
}

// Get returns the stage definition for a queue name.
func (r *Registry) Get(name string) (Stage, bool) {
	s, ok := r.stages[name]
	return s, ok
}

// Names returns stage names in pipeline order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// RootStages returns the names of stages whose jobs anchor a workflow.
func (r *Registry) RootStages() []string {
	var out []string
	for _, name := range r.order {
		if r.stages[name].Root {
			out = append(out, name)
		}
	}
	return out
}

// Pipeline stage names.
const (
	StageCompanyDiscovery   = "company-discovery"
	StageSiteVerification   = "site-verification"
	StagePersonLookup       = "person-lookup"
	StageOwnershipDiscovery = "ownership-discovery"
)

// Default returns the four enrichment stages with their payload schemas and
// id derivations.
func Default() *Registry {
	return NewRegistry(
		Stage{
			Name:           StageCompanyDiscovery,
			Root:           true,
			RequiredFields: []string{"companyNumber"},
			BaseBackoff:    2 * time.Second,
			DeriveID: func(p map[string]any) string {
				return "co:" + str(p["companyNumber"])
			},
		},
		Stage{
			Name:           StageSiteVerification,
			RequiredFields: []string{"companyNumber", "candidateURL"},
			BaseBackoff:    time.Second,
			DeriveID: func(p map[string]any) string {
				return fmt.Sprintf("site:%s:%s", str(p["companyNumber"]), NormalizeURL(str(p["candidateURL"])))
			},
		},
		Stage{
			Name:           StagePersonLookup,
			RequiredFields: []string{"companyNumber", "contactRef"},
			BaseBackoff:    time.Second,
			DeriveID: func(p map[string]any) string {
				return fmt.Sprintf("person:%s:%s", str(p["companyNumber"]), str(p["contactRef"]))
			},
		},
		Stage{
			Name:           StageOwnershipDiscovery,
			RequiredFields: []string{"address"},
			BaseBackoff:    2 * time.Second,
			DeriveID: func(p map[string]any) string {
				return "prop:" + AddressKey(str(p["address"]))
			},
		},
	)
}

// Slug lowercases a message and maps runs of non-alphanumerics to single
// dashes, truncated to 48 characters. Used for derived event codes.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 48 {
		out = strings.TrimSuffix(out[:48], "-")
	}
	return out
}

// AddressKey normalizes a postal address into a stable business key so the
// same property always derives the same ownership job id.
func AddressKey(addr string) string {
	return Slug(addr)
}

// NormalizeURL strips scheme, leading www and trailing slashes so candidate
// URLs that differ only cosmetically collapse to one verification job.
func NormalizeURL(raw string) string {
	u := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"https://", "http://"} {
		u = strings.TrimPrefix(u, prefix)
	}
	u = strings.TrimPrefix(u, "www.")
	return strings.TrimRight(u, "/")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
