// Package records persists the business data produced by enrichment stages.
// Every row carries the root job id of the workflow that produced it, which
// is what lets workflow cleanup remove a run's full footprint.
package records

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertSiteCandidate records a candidate website found for a company.
// Re-running discovery upserts rather than duplicating.
func (s *Store) InsertSiteCandidate(ctx context.Context, rootJobID, companyNumber, url string, confidence float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO site_candidates (root_job_id, company_number, url, confidence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (root_job_id, url) DO UPDATE SET confidence = EXCLUDED.confidence, updated_at = NOW()
	`, rootJobID, companyNumber, url, confidence)
	if err != nil {
		return fmt.Errorf("insert site candidate: %w", err)
	}
	return nil
}

// MarkCandidateVerified stores the verdict of site verification.
func (s *Store) MarkCandidateVerified(ctx context.Context, rootJobID, url string, verified bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE site_candidates SET verified = $3, updated_at = NOW()
		WHERE root_job_id = $1 AND url = $2
	`, rootJobID, url, verified)
	if err != nil {
		return fmt.Errorf("mark candidate verified: %w", err)
	}
	return nil
}

// UpsertOfficer records a company officer and returns its row id.
func (s *Store) UpsertOfficer(ctx context.Context, rootJobID, companyNumber, contactRef, fullName, address string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO company_officers (root_job_id, company_number, contact_ref, full_name, address)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (root_job_id, contact_ref) DO UPDATE SET full_name = EXCLUDED.full_name, address = EXCLUDED.address
		RETURNING id
	`, rootJobID, companyNumber, contactRef, fullName, address).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert officer: %w", err)
	}
	return id, nil
}

// AddAppointment attaches a role to an officer.
func (s *Store) AddAppointment(ctx context.Context, officerID int64, role string, appointedOn *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO officer_appointments (officer_id, role, appointed_on)
		VALUES ($1, $2, $3)
	`, officerID, role, appointedOn)
	if err != nil {
		return fmt.Errorf("add appointment: %w", err)
	}
	return nil
}

// UpsertProperty records a property and returns its row id.
func (s *Store) UpsertProperty(ctx context.Context, rootJobID, addressKey, address, titleNumber string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO property_records (root_job_id, address_key, address, title_number)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (root_job_id, address_key) DO UPDATE SET address = EXCLUDED.address, title_number = EXCLUDED.title_number
		RETURNING id
	`, rootJobID, addressKey, address, titleNumber).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert property: %w", err)
	}
	return id, nil
}

// AddOwner attaches an ownership record to a property.
func (s *Store) AddOwner(ctx context.Context, propertyID int64, ownerName, share string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ownership_records (property_id, owner_name, share)
		VALUES ($1, $2, $3)
	`, propertyID, ownerName, share)
	if err != nil {
		return fmt.Errorf("add owner: %w", err)
	}
	return nil
}
