package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"enrichment-pipeline/internal/enrich"
	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/pipeline"
	"enrichment-pipeline/internal/queue"
	"enrichment-pipeline/internal/telemetry"
)

// Limiter meters outbound calls to the quota-bound registry API. One slot
// per call; grants are FIFO across every handler in the process.
type Limiter interface {
	Schedule(ctx context.Context, task func() error) error
}

// Submitter spawns downstream stage jobs.
type Submitter interface {
	Submit(ctx context.Context, stage, task string, payload map[string]any) (string, bool, error)
}

// RecordSink persists the business data a stage produces.
type RecordSink interface {
	InsertSiteCandidate(ctx context.Context, rootJobID, companyNumber, url string, confidence float64) error
	MarkCandidateVerified(ctx context.Context, rootJobID, url string, verified bool) error
	UpsertOfficer(ctx context.Context, rootJobID, companyNumber, contactRef, fullName, address string) (int64, error)
	AddAppointment(ctx context.Context, officerID int64, role string, appointedOn *time.Time) error
	UpsertProperty(ctx context.Context, rootJobID, addressKey, address, titleNumber string) (int64, error)
	AddOwner(ctx context.Context, propertyID int64, ownerName, share string) error
}

// Handlers implements the four enrichment stages. Each handler runs inside a
// worker slot, meters its registry calls, logs progress events, writes
// business records, and tags spawned children with the workflow's root id.
type Handlers struct {
	companies enrich.CompanyRegistry
	prober    enrich.SiteProber
	directory enrich.PersonDirectory
	land      enrich.LandRegistry

	limiter   Limiter
	submitter Submitter
	records   RecordSink
	progress  Progress
	log       *zap.Logger
}

func NewHandlers(
	companies enrich.CompanyRegistry,
	prober enrich.SiteProber,
	directory enrich.PersonDirectory,
	land enrich.LandRegistry,
	limiter Limiter,
	submitter Submitter,
	records RecordSink,
	progress Progress,
	log *zap.Logger,
) *Handlers {
	return &Handlers{
		companies: companies,
		prober:    prober,
		directory: directory,
		land:      land,
		limiter:   limiter,
		submitter: submitter,
		records:   records,
		progress:  progress,
		log:       log,
	}
}

// Register binds every stage handler onto the processor.
func (h *Handlers) Register(p *Processor) {
	p.RegisterHandler(pipeline.StageCompanyDiscovery, h.CompanyDiscovery)
	p.RegisterHandler(pipeline.StageSiteVerification, h.SiteVerification)
	p.RegisterHandler(pipeline.StagePersonLookup, h.PersonLookup)
	p.RegisterHandler(pipeline.StageOwnershipDiscovery, h.OwnershipDiscovery)
}

// withSlot runs task behind a registry API slot and records the wait.
func (h *Handlers) withSlot(ctx context.Context, task func() error) error {
	start := time.Now()
	return h.limiter.Schedule(ctx, func() error {
		telemetry.LimiterWait.Observe(time.Since(start).Seconds())
		return task()
	})
}

// CompanyDiscovery fetches a company's registry profile and officers, then
// fans out site-verification and person-lookup children.
func (h *Handlers) CompanyDiscovery(ctx context.Context, env queue.Envelope) (map[string]any, error) {
	companyNumber := stringField(env.Payload, "companyNumber")
	rootID := rootOf(env)

	var profile enrich.Profile
	if err := h.withSlot(ctx, func() error {
		var err error
		profile, err = h.companies.Profile(ctx, companyNumber)
		return err
	}); err != nil {
		return nil, fmt.Errorf("fetch profile for %s: %w", companyNumber, err)
	}

	var officers []enrich.Officer
	if err := h.withSlot(ctx, func() error {
		var err error
		officers, err = h.companies.Officers(ctx, companyNumber)
		return err
	}); err != nil {
		return nil, fmt.Errorf("fetch officers for %s: %w", companyNumber, err)
	}

	_ = h.progress.LogEvent(ctx, env.JobID, models.LevelInfo,
		fmt.Sprintf("found %d candidate sites and %d officers", len(profile.CandidateSites), len(officers)),
		map[string]any{"companyNumber": companyNumber})

	for _, c := range profile.CandidateSites {
		if err := h.records.InsertSiteCandidate(ctx, rootID, companyNumber, c.URL, c.Confidence); err != nil {
			return nil, err
		}
		if _, _, err := h.submitter.Submit(ctx, pipeline.StageSiteVerification, "verify-site", map[string]any{
			"companyNumber": companyNumber,
			"companyName":   profile.Name,
			"candidateURL":  c.URL,
			"rootJobId":     rootID,
		}); err != nil {
			return nil, fmt.Errorf("spawn site verification: %w", err)
		}
	}

	for _, o := range officers {
		officerID, err := h.records.UpsertOfficer(ctx, rootID, companyNumber, o.ContactRef, o.FullName, o.Address)
		if err != nil {
			return nil, err
		}
		if o.Role != "" {
			if err := h.records.AddAppointment(ctx, officerID, o.Role, o.AppointedOn); err != nil {
				return nil, err
			}
		}
		if _, _, err := h.submitter.Submit(ctx, pipeline.StagePersonLookup, "lookup-person", map[string]any{
			"companyNumber": companyNumber,
			"contactRef":    o.ContactRef,
			"rootJobId":     rootID,
		}); err != nil {
			return nil, fmt.Errorf("spawn person lookup: %w", err)
		}
	}

	return map[string]any{
		"companyName": profile.Name,
		"candidates":  len(profile.CandidateSites),
		"officers":    len(officers),
	}, nil
}

// SiteVerification records the prober's verdict on one candidate URL.
func (h *Handlers) SiteVerification(ctx context.Context, env queue.Envelope) (map[string]any, error) {
	candidateURL := stringField(env.Payload, "candidateURL")
	companyName := stringField(env.Payload, "companyName")
	rootID := rootOf(env)

	verdict, err := h.prober.Verify(ctx, candidateURL, companyName)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", candidateURL, err)
	}
	if err := h.records.MarkCandidateVerified(ctx, rootID, candidateURL, verdict.Verified); err != nil {
		return nil, err
	}

	level := models.LevelInfo
	if !verdict.Verified {
		level = models.LevelWarn
	}
	_ = h.progress.LogEvent(ctx, env.JobID, level,
		fmt.Sprintf("site %s verified=%t", candidateURL, verdict.Verified),
		map[string]any{"confidence": verdict.Confidence, "reason": verdict.Reason})

	return map[string]any{"verified": verdict.Verified, "confidence": verdict.Confidence}, nil
}

// PersonLookup resolves an officer's contact reference and fans out
// ownership discovery for each known address.
func (h *Handlers) PersonLookup(ctx context.Context, env queue.Envelope) (map[string]any, error) {
	companyNumber := stringField(env.Payload, "companyNumber")
	contactRef := stringField(env.Payload, "contactRef")
	rootID := rootOf(env)

	match, err := h.directory.Lookup(ctx, companyNumber, contactRef)
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", companyNumber, contactRef, err)
	}

	_ = h.progress.LogEvent(ctx, env.JobID, models.LevelInfo,
		fmt.Sprintf("resolved %s to %d addresses", match.FullName, len(match.Addresses)), nil)

	for _, addr := range match.Addresses {
		if _, _, err := h.submitter.Submit(ctx, pipeline.StageOwnershipDiscovery, "discover-ownership", map[string]any{
			"address":   addr,
			"rootJobId": rootID,
		}); err != nil {
			return nil, fmt.Errorf("spawn ownership discovery: %w", err)
		}
	}

	return map[string]any{"fullName": match.FullName, "addresses": len(match.Addresses)}, nil
}

// OwnershipDiscovery records titles and owners for one address.
func (h *Handlers) OwnershipDiscovery(ctx context.Context, env queue.Envelope) (map[string]any, error) {
	address := stringField(env.Payload, "address")
	rootID := rootOf(env)

	titles, err := h.land.TitlesFor(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("titles for %q: %w", address, err)
	}

	owners := 0
	for _, t := range titles {
		propertyID, err := h.records.UpsertProperty(ctx, rootID, pipeline.AddressKey(t.Address), t.Address, t.TitleNumber)
		if err != nil {
			return nil, err
		}
		for _, o := range t.Owners {
			if err := h.records.AddOwner(ctx, propertyID, o.Name, o.Share); err != nil {
				return nil, err
			}
			owners++
		}
	}

	_ = h.progress.LogEvent(ctx, env.JobID, models.LevelInfo,
		fmt.Sprintf("recorded %d titles and %d owners", len(titles), owners), nil)

	return map[string]any{"titles": len(titles), "owners": owners}, nil
}

// rootOf resolves the workflow a job belongs to: its tagged root, or itself
// for root-stage jobs.
func rootOf(env queue.Envelope) string {
	if v, ok := env.Payload["rootJobId"].(string); ok && v != "" {
		return v
	}
	return env.JobID
}

func stringField(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
