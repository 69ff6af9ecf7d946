package providers

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// CatalogQueryError is a failed search. The provider contributes nothing for
// the run.
type CatalogQueryError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *CatalogQueryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s catalog query failed with status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s catalog query failed: %s", e.Provider, e.Message)
}

func (e *CatalogQueryError) Unwrap() error { return e.Err }

// AuthenticationError means credentials are absent or were rejected.
type AuthenticationError struct {
	Provider string
	Message  string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed: %s", e.Provider, e.Message)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ActivationTimeoutError is returned when an asset did not become active
// within the wait budget. Only that scene is skipped.
type ActivationTimeoutError struct {
	ItemID    string
	AssetType string
	Timeout   time.Duration
}

func (e *ActivationTimeoutError) Error() string {
	return fmt.Sprintf("asset %s of item %s not active after %s", e.AssetType, e.ItemID, e.Timeout)
}

// ErrAssetUnavailable matches every AssetUnavailableError.
var ErrAssetUnavailable = errors.New("asset not available for item")

// AssetUnavailableError means one item cannot be delivered: its asset is
// missing, its activation failed or its download was refused. Only that
// scene is skipped.
type AssetUnavailableError struct {
	Provider  string
	ItemID    string
	AssetType string
	Reason    string
}

func (e *AssetUnavailableError) Error() string {
	if e.AssetType == "" {
		return fmt.Sprintf("%s item %s unavailable: %s", e.Provider, e.ItemID, e.Reason)
	}
	return fmt.Sprintf("%s asset %s of item %s unavailable: %s", e.Provider, e.AssetType, e.ItemID, e.Reason)
}

func (e *AssetUnavailableError) Unwrap() error { return ErrAssetUnavailable }

// QuotaExceededError covers rate limiting and permission denials. Callers
// stop using the provider for the rest of the run.
type QuotaExceededError struct {
	Provider string
	Message  string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: %s", e.Provider, e.Message)
}

// isQuotaStatus reports the statuses treated as quota exhaustion.
func isQuotaStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusForbidden
}
