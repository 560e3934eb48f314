package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// HTTPResolver resolves room keys against a map-service endpoint.
type HTTPResolver struct {
	base   string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPResolver creates a resolver for the given base URL.
//
// Precondition: base must be a valid URL; timeout must be positive.
func NewHTTPResolver(base string, timeout time.Duration, logger *zap.Logger) *HTTPResolver {
	return &HTTPResolver{
		base:   base,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Resolve implements Resolver. A 404 maps to ErrNotFound; transport faults
// and server errors map to ErrUnavailable so the caller can degrade.
func (r *HTTPResolver) Resolve(ctx context.Context, roomKey string) (Metadata, error) {
	u, err := url.Parse(r.base)
	if err != nil {
		return Metadata{}, fmt.Errorf("parsing resolver url %q: %w", r.base, err)
	}
	q := u.Query()
	q.Set("roomKey", roomKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("building resolver request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("map resolver unreachable", zap.String("roomKey", roomKey), zap.Error(err))
		return Metadata{}, fmt.Errorf("resolving room %q: %w", roomKey, ErrUnavailable)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Metadata{}, fmt.Errorf("resolving room %q: %w", roomKey, ErrNotFound)
	case resp.StatusCode >= 500:
		r.logger.Warn("map resolver failing", zap.String("roomKey", roomKey), zap.Int("status", resp.StatusCode))
		return Metadata{}, fmt.Errorf("resolving room %q: status %d: %w", roomKey, resp.StatusCode, ErrUnavailable)
	case resp.StatusCode != http.StatusOK:
		return Metadata{}, fmt.Errorf("resolving room %q: unexpected status %d", roomKey, resp.StatusCode)
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return Metadata{}, fmt.Errorf("decoding resolver response for %q: %w", roomKey, err)
	}
	return meta, nil
}
