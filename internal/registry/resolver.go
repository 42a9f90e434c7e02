package registry

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"trust-bridge/backend/internal/apperr"
)

// Resolver maps institution identifiers to backend base URLs. Successful resolutions are cached
// for the lifetime of the Resolver; Clear is the only invalidation.
type Resolver struct {
	registry Registry
	logger   *zap.Logger
	tracer   trace.Tracer

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver returns a Resolver reading from reg. logger may be nil.
func NewResolver(reg Registry, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		registry: reg,
		logger:   logger,
		tracer:   otel.Tracer("trust-bridge/registry"),
		cache:    make(map[string]string),
	}
}

// Resolve returns the backend URL for institutionID and whether one is registered. A blank id
// is not found and never reaches the registry. Subdomains fall back to their base domain
// (mail.uned.es → uned.es). Errors are registry read failures only.
func (r *Resolver) Resolve(ctx context.Context, institutionID string) (string, bool, error) {
	original := strings.TrimSpace(institutionID)
	id := strings.ToLower(original)
	if id == "" {
		return "", false, nil
	}
	if url, ok := r.cached(original, id); ok {
		return url, true, nil
	}

	ctx, span := r.tracer.Start(ctx, "registry.Resolve", trace.WithAttributes(attribute.String("institution.id", id)))
	defer span.End()

	raw, err := r.lookup(ctx, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "registry lookup failed")
		return "", false, err
	}
	base := BaseDomain(id)
	viaBase := false
	if raw == "" && base != id {
		if raw, err = r.lookup(ctx, base); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "registry lookup failed")
			return "", false, err
		}
		viaBase = raw != ""
	}
	url := NormalizeBackendURL(raw)
	if url == "" {
		span.SetAttributes(attribute.Bool("registry.found", false))
		return "", false, nil
	}
	span.SetAttributes(attribute.Bool("registry.found", true), attribute.Bool("registry.base_domain", viaBase))

	r.mu.Lock()
	r.cache[original] = url
	r.cache[id] = url
	if viaBase {
		r.cache[base] = url
	}
	r.mu.Unlock()
	r.logger.Debug("institution backend resolved",
		zap.String("institution_id", id),
		zap.String("backend_url", url),
		zap.Bool("base_domain", viaBase),
	)
	return url, true, nil
}

func (r *Resolver) lookup(ctx context.Context, id string) (string, error) {
	raw, err := r.registry.BackendOf(ctx, id)
	if err != nil {
		if apperr.CodeOf(err) != "" {
			return "", err
		}
		r.logger.Warn("registry read failed", zap.String("institution_id", id), zap.Error(err))
		return "", apperr.Wrap(err, apperr.CodeBackendUnreachable, "institution registry lookup failed")
	}
	return strings.TrimSpace(raw), nil
}

func (r *Resolver) cached(keys ...string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, k := range keys {
		if url, ok := r.cache[k]; ok {
			return url, true
		}
	}
	return "", false
}

// Clear drops every cached resolution.
func (r *Resolver) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
}

// Len returns the number of cache keys.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// BaseDomain returns the last two dot-separated labels of id, or id itself when it has fewer.
func BaseDomain(id string) string {
	labels := strings.Split(id, ".")
	if len(labels) <= 2 {
		return id
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// NormalizeBackendURL trims whitespace and trailing slashes and drops a trailing /auth segment.
func NormalizeBackendURL(raw string) string {
	url := strings.TrimRight(strings.TrimSpace(raw), "/")
	if len(url) >= len("/auth") && strings.EqualFold(url[len(url)-len("/auth"):], "/auth") {
		url = strings.TrimRight(url[:len(url)-len("/auth")], "/")
	}
	return url
}
