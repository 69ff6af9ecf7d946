package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
)

var ErrReportNotFound = errors.New("run report not found")

// ObjectStore is the subset of the MinIO client the archive needs.
type ObjectStore interface {
	UploadBytes(ctx context.Context, bucketName, objectName string, data []byte, contentType string) error
	DownloadBytes(ctx context.Context, bucketName, objectName string) ([]byte, error)
	ListKeys(ctx context.Context, bucketName, prefix string) ([]string, error)
}

// RunReportArchive keeps one JSON report per run under
// <farm>/<observation date>/<run id>.json.
type RunReportArchive struct {
	store  ObjectStore
	bucket string
}

func NewRunReportArchive(store ObjectStore, bucket string) *RunReportArchive {
	return &RunReportArchive{store: store, bucket: bucket}
}

func reportKey(farmExternalID, date string, runID uuid.UUID) string {
	return path.Join(farmExternalID, date, runID.String()+".json")
}

// Save uploads the run report and returns its object key.
func (a *RunReportArchive) Save(ctx context.Context, result *RunResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %w", err)
	}
	key := reportKey(result.FarmExternalID, result.ObservationDate.Format("2006-01-02"), result.RunID)
	if err := a.store.UploadBytes(ctx, a.bucket, key, data, "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Get finds a run report by farm and run id.
func (a *RunReportArchive) Get(ctx context.Context, farmExternalID string, runID uuid.UUID) (*RunResult, error) {
	keys, err := a.store.ListKeys(ctx, a.bucket, farmExternalID+"/")
	if err != nil {
		return nil, err
	}
	suffix := "/" + runID.String() + ".json"
	idx := slices.IndexFunc(keys, func(k string) bool { return strings.HasSuffix(k, suffix) })
	if idx < 0 {
		return nil, fmt.Errorf("%w: run %s of farm %s", ErrReportNotFound, runID, farmExternalID)
	}

	data, err := a.store.DownloadBytes(ctx, a.bucket, keys[idx])
	if err != nil {
		return nil, err
	}
	var result RunResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode run report %s: %w", keys[idx], err)
	}
	return &result, nil
}
