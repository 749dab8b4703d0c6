package pipeline

import (
	"testing"
)

func TestSlug(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"found 3 candidates", "found-3-candidates"},
		{"Job failed: timeout!", "job-failed-timeout"},
		{"  spaced  out  ", "spaced-out"},
		{"", ""},
	}
	for _, c := range cases {
		if got := Slug(c.in); got != c.want {
			t.Errorf("Slug(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSlugTruncates(t *testing.T) {
	long := "this is a very long message that keeps going and going and going"
	got := Slug(long)
	if len(got) > 48 {
		t.Fatalf("slug too long (%d): %q", len(got), got)
	}
	if got[len(got)-1] == '-' {
		t.Fatalf("slug ends with dash: %q", got)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://www.Acme.Example/", "acme.example"},
		{"http://acme.example/about/", "acme.example/about"},
		{"acme.example", "acme.example"},
	}
	for _, c := range cases {
		if got := NormalizeURL(c.in); got != c.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDefaultRegistryDerivesStableIDs(t *testing.T) {
	reg := Default()

	cases := []struct {
		stage   string
		payload map[string]any
		want    string
	}{
		{StageCompanyDiscovery, map[string]any{"companyNumber": "123"}, "co:123"},
		{StageSiteVerification, map[string]any{"companyNumber": "123", "candidateURL": "https://www.acme.example/"}, "site:123:acme.example"},
		{StagePersonLookup, map[string]any{"companyNumber": "123", "contactRef": "off-9"}, "person:123:off-9"},
		{StageOwnershipDiscovery, map[string]any{"address": "1 High Street, Springfield"}, "prop:1-high-street-springfield"},
	}
	for _, c := range cases {
		stage, ok := reg.Get(c.stage)
		if !ok {
			t.Fatalf("stage %s not registered", c.stage)
		}
		if got := stage.DeriveID(c.payload); got != c.want {
			t.Errorf("%s: derived %q, want %q", c.stage, got, c.want)
		}
		// Same business keys always derive the same id.
		if again := stage.DeriveID(c.payload); again != c.want {
			t.Errorf("%s: derivation not stable: %q", c.stage, again)
		}
	}
}

func TestDefaultRegistryRoots(t *testing.T) {
	reg := Default()
	roots := reg.RootStages()
	if len(roots) != 1 || roots[0] != StageCompanyDiscovery {
		t.Fatalf("unexpected root stages: %v", roots)
	}
	if len(reg.Names()) != 4 {
		t.Fatalf("expected 4 stages, got %v", reg.Names())
	}
}
