// Package enrich defines the external collaborators the pipeline stages call
// out to, plus HTTP-backed default implementations. The decision logic of
// those services (scraping heuristics, matching) lives on the other side of
// the wire; this package only transports and classifies their answers.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Candidate is a possible website for a company.
type Candidate struct {
	URL        string  `json:"url"`
	Confidence float64 `json:"confidence"`
}

// Profile is a company's registry record plus discovered candidate sites.
type Profile struct {
	CompanyNumber  string      `json:"companyNumber"`
	Name           string      `json:"name"`
	CandidateSites []Candidate `json:"candidateSites"`
}

// Officer is a person attached to a company in the registry.
type Officer struct {
	ContactRef  string     `json:"contactRef"`
	FullName    string     `json:"fullName"`
	Role        string     `json:"role"`
	Address     string     `json:"address"`
	AppointedOn *time.Time `json:"appointedOn,omitempty"`
}

// SiteVerdict is the outcome of verifying one candidate site.
type SiteVerdict struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// PersonMatch resolves a contact reference to a person and their addresses.
type PersonMatch struct {
	ContactRef string   `json:"contactRef"`
	FullName   string   `json:"fullName"`
	Addresses  []string `json:"addresses"`
}

// Owner is one party on a property title.
type Owner struct {
	Name  string `json:"name"`
	Share string `json:"share"`
}

// Title is a land-registry title for an address.
type Title struct {
	TitleNumber string  `json:"titleNumber"`
	Address     string  `json:"address"`
	Owners      []Owner `json:"owners"`
}

// CompanyRegistry looks up company profiles and officers. Quota-bound:
// callers must hold a rate-limiter slot per call.
type CompanyRegistry interface {
	Profile(ctx context.Context, companyNumber string) (Profile, error)
	Officers(ctx context.Context, companyNumber string) ([]Officer, error)
}

// SiteProber decides whether a candidate URL really belongs to a company.
type SiteProber interface {
	Verify(ctx context.Context, candidateURL, companyName string) (SiteVerdict, error)
}

// PersonDirectory resolves contact references to people.
type PersonDirectory interface {
	Lookup(ctx context.Context, companyNumber, contactRef string) (PersonMatch, error)
}

// LandRegistry returns ownership titles for an address.
type LandRegistry interface {
	TitlesFor(ctx context.Context, address string) ([]Title, error)
}

// httpAPI is the shared transport for the collaborator clients.
type httpAPI struct {
	baseURL string
	client  *http.Client
}

func newHTTPAPI(baseURL string, timeout time.Duration) httpAPI {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return httpAPI{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

// getJSON performs one GET and decodes the body. Rate-limited and
// server-side responses stay retryable; any other client error is wrapped
// as permanent so the worker does not burn attempts on it.
func (a httpAPI) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Permanent(fmt.Errorf("call %s: status %d: %s", path, resp.StatusCode, body))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// RegistryClient talks to the company-registry API.
type RegistryClient struct {
	api httpAPI
}

func NewRegistryClient(baseURL string, timeout time.Duration) *RegistryClient {
	return &RegistryClient{api: newHTTPAPI(baseURL, timeout)}
}

func (c *RegistryClient) Profile(ctx context.Context, companyNumber string) (Profile, error) {
	var p Profile
	err := c.api.getJSON(ctx, "/companies/"+url.PathEscape(companyNumber), nil, &p)
	return p, err
}

func (c *RegistryClient) Officers(ctx context.Context, companyNumber string) ([]Officer, error) {
	var out struct {
		Officers []Officer `json:"officers"`
	}
	err := c.api.getJSON(ctx, "/companies/"+url.PathEscape(companyNumber)+"/officers", nil, &out)
	return out.Officers, err
}

// ProberClient talks to the site-verification service.
type ProberClient struct {
	api httpAPI
}

func NewProberClient(baseURL string, timeout time.Duration) *ProberClient {
	return &ProberClient{api: newHTTPAPI(baseURL, timeout)}
}

func (c *ProberClient) Verify(ctx context.Context, candidateURL, companyName string) (SiteVerdict, error) {
	var v SiteVerdict
	q := url.Values{"url": {candidateURL}, "company": {companyName}}
	err := c.api.getJSON(ctx, "/verify", q, &v)
	return v, err
}

// DirectoryClient talks to the person directory.
type DirectoryClient struct {
	api httpAPI
}

func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{api: newHTTPAPI(baseURL, timeout)}
}

func (c *DirectoryClient) Lookup(ctx context.Context, companyNumber, contactRef string) (PersonMatch, error) {
	var m PersonMatch
	q := url.Values{"company": {companyNumber}, "ref": {contactRef}}
	err := c.api.getJSON(ctx, "/people/lookup", q, &m)
	return m, err
}

// LandRegistryClient talks to the land-registry API.
type LandRegistryClient struct {
	api httpAPI
}

func NewLandRegistryClient(baseURL string, timeout time.Duration) *LandRegistryClient {
	return &LandRegistryClient{api: newHTTPAPI(baseURL, timeout)}
}

func (c *LandRegistryClient) TitlesFor(ctx context.Context, address string) ([]Title, error) {
	var out struct {
		Titles []Title `json:"titles"`
	}
	q := url.Values{"address": {address}}
	err := c.api.getJSON(ctx, "/titles", q, &out)
	return out.Titles, err
}
