// Package secrets resolves secret:// references in configuration against Google Secret Manager,
// with a local file for development machines.
package secrets

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const meterName = "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/secrets"

// Where a resolved value came from, recorded on the latency histogram.
const (
	sourceCache    = "cache"
	sourceRemote   = "remote"
	sourceFallback = "fallback"
	sourceError    = "error"
)

var secretManagerClientFactory = func(ctx context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
	return secretmanager.NewClient(ctx, opts...)
}

type secretManagerClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver caches resolved values for the life of the process. Concurrent lookups of one
// reference share a single Secret Manager call.
type Resolver struct {
	client  secretManagerClient
	owned   bool
	project string
	local   *fallbackFile
	logger  *zap.Logger
	latency metric.Float64Histogram

	mu     sync.RWMutex
	values map[string]string
	group  singleflight.Group
}

type settings struct {
	logger     *zap.Logger
	project    string
	fallback   string
	client     secretManagerClient
	clientOpts []option.ClientOption
}

type Option func(*settings)

func WithLogger(logger *zap.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDefaultProject is used for references without ?project=.
func WithDefaultProject(projectID string) Option {
	return func(s *settings) { s.project = strings.TrimSpace(projectID) }
}

// WithFallbackFile replaces .secrets.local. An empty path disables the fallback.
func WithFallbackFile(path string) Option {
	return func(s *settings) { s.fallback = strings.TrimSpace(path) }
}

// WithSecretManagerClient supplies the client; the resolver will not close it.
func WithSecretManagerClient(client secretManagerClient) Option {
	return func(s *settings) { s.client = client }
}

// WithClientOptions is passed to the Secret Manager client NewResolver creates.
func WithClientOptions(opts ...option.ClientOption) Option {
	return func(s *settings) { s.clientOpts = append(s.clientOpts, opts...) }
}

// OptionsFromEnvironment reads COMMERCE_SECRETS_DEFAULT_PROJECT (falling back to the Firestore
// project), COMMERCE_SECRETS_FALLBACK_FILE and COMMERCE_SECRETS_ENDPOINT, a regional Secret
// Manager endpoint such as secretmanager.asia-northeast1.rep.googleapis.com:443.
func OptionsFromEnvironment(env map[string]string) []Option {
	var opts []Option
	for _, key := range []string{"COMMERCE_SECRETS_DEFAULT_PROJECT", "COMMERCE_FIRESTORE_PROJECT_ID"} {
		if project := strings.TrimSpace(env[key]); project != "" {
			opts = append(opts, WithDefaultProject(project))
			break
		}
	}
	if path := strings.TrimSpace(env["COMMERCE_SECRETS_FALLBACK_FILE"]); path != "" {
		opts = append(opts, WithFallbackFile(path))
	}
	if endpoint := strings.TrimSpace(env["COMMERCE_SECRETS_ENDPOINT"]); endpoint != "" {
		opts = append(opts, WithClientOptions(option.WithEndpoint(endpoint)))
	}
	return opts
}

// NewResolver never fails for lack of credentials: without a Secret Manager client every
// reference is answered from the fallback file.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	s := settings{logger: zap.NewNop(), fallback: defaultFallbackPath}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	r := &Resolver{
		client:  s.client,
		project: s.project,
		local:   newFallbackFile(s.fallback),
		logger:  s.logger,
		values:  make(map[string]string),
	}
	latency, err := otel.GetMeterProvider().Meter(meterName).Float64Histogram("secrets.resolve.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Secret resolution latency by source"))
	if err != nil {
		s.logger.Warn("secrets: latency histogram unavailable", zap.Error(err))
	} else {
		r.latency = latency
	}

	if r.client == nil {
		client, err := secretManagerClientFactory(ctx, s.clientOpts...)
		if err != nil {
			s.logger.Warn("secrets: secret manager unavailable, serving the fallback file only", zap.Error(err))
			return r, nil
		}
		r.client, r.owned = client, true
	}
	return r, nil
}

// Close closes the Secret Manager client if NewResolver created it.
func (r *Resolver) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

// ResolveSecret implements config.SecretResolver.
func (r *Resolver) ResolveSecret(ctx context.Context, raw string) (string, error) {
	started := time.Now()
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	key := ref.cacheKey()

	r.mu.RLock()
	value, cached := r.values[key]
	r.mu.RUnlock()
	if cached {
		r.observe(ctx, started, sourceCache)
		return value, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		value, source, err := r.fetch(ctx, ref)
		if err != nil {
			r.observe(ctx, started, sourceError)
			return "", err
		}
		r.mu.Lock()
		r.values[key] = value
		r.mu.Unlock()
		r.observe(ctx, started, source)
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate forgets every cached version of the secret raw names.
func (r *Resolver) Invalidate(raw string) {
	ref, err := ParseReference(raw)
	if err != nil {
		return
	}
	prefix := ref.String() + "#"
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.values {
		if strings.HasPrefix(key, prefix) {
			delete(r.values, key)
		}
	}
}

// fetch asks Secret Manager first. Only access and availability failures fall through to the
// local file; a secret that does not exist stays an error.
func (r *Resolver) fetch(ctx context.Context, ref Reference) (string, string, error) {
	if name := ref.resource(r.project); name != "" && r.client != nil {
		resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
		switch {
		case err == nil && resp.GetPayload() == nil:
			return "", "", fmt.Errorf("secrets: empty payload for %s", name)
		case err == nil:
			return string(resp.GetPayload().GetData()), sourceRemote, nil
		case !unreachable(err):
			return "", "", fmt.Errorf("secrets: access %s: %w", name, err)
		}
		r.logger.Debug("secrets: secret manager unreachable, trying fallback file",
			zap.Stringer("ref", ref), zap.Error(err))
	}

	value, ok, err := r.local.lookup(ref)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("secrets: %s not found in fallback file", ref)
	}
	return value, sourceFallback, nil
}

func (r *Resolver) observe(ctx context.Context, started time.Time, source string) {
	if r.latency == nil {
		return
	}
	ms := float64(time.Since(started)) / float64(time.Millisecond)
	r.latency.Record(ctx, ms, metric.WithAttributes(attribute.String("source", source)))
}

func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
