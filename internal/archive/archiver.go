// Package archive writes workflow snapshots to durable storage before
// cleanup purges them, so an operator-triggered delete is not the only copy
// of a run's history.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"enrichment-pipeline/internal/models"
)

type uploader interface {
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archiver serializes a workflow's jobs and events to JSON and stores the
// snapshot locally or in S3.
type Archiver struct {
	store uploader
}

type snapshot struct {
	RootJobID string         `json:"rootJobId"`
	TakenAt   time.Time      `json:"takenAt"`
	Jobs      []models.Job   `json:"jobs"`
	Events    []models.Event `json:"events"`
}

// NewLocal archives under baseDir.
func NewLocal(baseDir string) *Archiver {
	return &Archiver{store: &localStore{baseDir: baseDir}}
}

// NewS3 archives to the given bucket using the ambient AWS config.
func NewS3(ctx context.Context, bucket, region string) (*Archiver, error) {
	if bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Archiver{store: &s3Store{client: s3.NewFromConfig(awsCfg), bucket: bucket}}, nil
}

// Snapshot writes one immutable JSON document for the workflow and returns
// where it landed.
func (a *Archiver) Snapshot(ctx context.Context, rootJobID string, jobs []models.Job, events []models.Event) (string, error) {
	doc := snapshot{
		RootJobID: rootJobID,
		TakenAt:   time.Now().UTC(),
		Jobs:      jobs,
		Events:    events,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	key := fmt.Sprintf("workflows/%s/%s.json", sanitizeKey(rootJobID), uuid.New().String())
	return a.store.Put(ctx, key, body, "application/json")
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return strings.ReplaceAll(key, ":", "_")
}

type localStore struct {
	baseDir string
}

func (l *localStore) Put(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Store struct {
	client *s3.Client
	bucket string
}

func (s *s3Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
