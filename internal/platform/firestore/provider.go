// Package firestore wraps the Cloud Firestore client shared by the order repositories. Transactions
// travel on the context so nested repository calls join them.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/config"
)

const dialTimeout = 10 * time.Second

// ErrProviderClosed is returned by every call made after Close.
var ErrProviderClosed = errors.New("firestore: provider is closed")

// Provider hands out the shared client, dialling it on first use.
type Provider struct {
	cfg config.FirestoreConfig

	dialing singleflight.Group
	mu      sync.RWMutex
	client  *firestore.Client
	closed  bool
}

func NewProvider(cfg config.FirestoreConfig) *Provider {
	return &Provider{cfg: cfg}
}

// Client waits for the shared client. Concurrent first callers share one dial, and a caller that
// gives up does not cancel it.
func (p *Provider) Client(ctx context.Context) (*firestore.Client, error) {
	if client, err := p.ready(); client != nil || err != nil {
		return client, err
	}
	ch := p.dialing.DoChan("dial", func() (any, error) {
		return p.dial(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*firestore.Client), nil
	}
}

func (p *Provider) ready() (*firestore.Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	return p.client, nil
}

func (p *Provider) dial(ctx context.Context) (*firestore.Client, error) {
	if client, err := p.ready(); client != nil || err != nil {
		return client, err
	}
	project := firstNonBlank(p.cfg.ProjectID, os.Getenv("GOOGLE_CLOUD_PROJECT"))
	if project == "" {
		return nil, errors.New("firestore: project id is required")
	}
	var opts []option.ClientOption
	if host := firstNonBlank(p.cfg.EmulatorHost, os.Getenv("FIRESTORE_EMULATOR_HOST")); host != "" {
		opts = append(opts,
			option.WithEndpoint(host),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}

	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	client, err := firestore.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: dial project %s: %w", project, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = client.Close()
		return nil, ErrProviderClosed
	}
	p.client = client
	return client, nil
}

// Close is idempotent. It gives up waiting on the client when ctx ends.
func (p *Provider) Close(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	client := p.client
	p.client, p.closed = nil, true
	p.mu.Unlock()
	if client == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- client.Close() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping is the readiness probe: a read of counters/readiness, which normally does not exist.
func (p *Provider) Ping(ctx context.Context) error {
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if _, err := client.Collection("counters").Doc("readiness").Get(ctx); err != nil && status.Code(err) != codes.NotFound {
		return WrapError("firestore.ping", err)
	}
	return nil
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
