package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const stripeResource = "projects/test/secrets/stripe_api_key/versions/latest"

func writeFallback(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".secrets.local")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed writing fallback file: %v", err)
	}
	return path
}

func TestResolveCachesRemoteSecret(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[stripeResource] = "remote-secret"

	resolver, err := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("test"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	defer resolver.Close()

	for i := 0; i < 2; i++ {
		got, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key")
		if err != nil {
			t.Fatalf("ResolveSecret returned error: %v", err)
		}
		if got != "remote-secret" {
			t.Fatalf("expected remote-secret, got %s", got)
		}
	}
	if calls := client.callCount(stripeResource); calls != 1 {
		t.Fatalf("expected remote fetch once, got %d", calls)
	}

	resolver.Invalidate("secret://stripe_api_key")
	if _, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key"); err != nil {
		t.Fatalf("ResolveSecret after invalidate: %v", err)
	}
	if calls := client.callCount(stripeResource); calls != 2 {
		t.Fatalf("expected refetch after invalidate, got %d calls", calls)
	}
}

func TestResolveSharesConcurrentLookups(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values[stripeResource] = "remote-secret"
	client.gate = make(chan struct{})

	resolver, err := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("test"))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key"); err != nil {
				t.Errorf("ResolveSecret: %v", err)
			}
		}()
	}
	client.waitForCall()
	close(client.gate)
	wg.Wait()

	if calls := client.callCount(stripeResource); calls > 4 || calls < 1 {
		t.Fatalf("unexpected call count %d", calls)
	}
}

func TestResolvePinnedVersionAndProjectOverride(t *testing.T) {
	ctx := context.Background()
	client := newFakeSecretClient()
	client.values["projects/other/secrets/stripe_api_key/versions/5"] = "version-5"

	resolver, err := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("test"))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key?version=5&project=other")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "version-5" {
		t.Fatalf("expected version-5, got %s", got)
	}
}

func TestResolveFallsBackWhenSecretManagerUnavailable(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "# local overrides\nsm://stripe_api_key=local-secret\n")

	client := newFakeSecretClient()
	client.errors[stripeResource] = status.Error(codes.PermissionDenied, "denied")

	resolver, err := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("test"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	got, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key")
	if err != nil {
		t.Fatalf("ResolveSecret returned error: %v", err)
	}
	if got != "local-secret" {
		t.Fatalf("expected fallback secret local-secret, got %s", got)
	}
}

func TestResolveDoesNotFallbackOnNotFound(t *testing.T) {
	ctx := context.Background()
	path := writeFallback(t, "secret://stripe_api_key=local-secret\n")

	client := newFakeSecretClient()
	client.errors[stripeResource] = status.Error(codes.NotFound, "missing")

	resolver, err := NewResolver(ctx, WithSecretManagerClient(client), WithDefaultProject("test"), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	if _, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key"); err == nil {
		t.Fatal("expected error when secret is missing")
	}
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		raw     string
		want    Reference
		wantErr bool
	}{
		{raw: "secret://stripe_api_key", want: Reference{Name: "stripe_api_key", Version: "latest"}},
		{raw: " sm://stripe_api_key ", want: Reference{Name: "stripe_api_key", Version: "latest"}},
		{raw: "secret://stripe_api_key?version=5&project=other", want: Reference{Name: "stripe_api_key", Version: "5", Project: "other", pinned: true}},
		{raw: "", wantErr: true},
		{raw: "https://stripe", wantErr: true},
		{raw: "secret://", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseReference(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseReference(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseReference(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseReference(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}

	ref, _ := ParseReference("secret://stripe_api_key?version=5")
	if got := ref.resource("test"); got != "projects/test/secrets/stripe_api_key/versions/5" {
		t.Fatalf("unexpected resource %s", got)
	}
	if got := ref.resource(""); got != "" {
		t.Fatalf("expected no resource without a project, got %s", got)
	}
}

func TestFallbackPrefersPinnedVersion(t *testing.T) {
	path := writeFallback(t, strings.Join([]string{
		"secret://stripe_api_key=unpinned",
		"secret://stripe_api_key?version=3=pinned",
		"not a reference=ignored",
		"no separator",
	}, "\n"))
	resolver, err := NewResolver(context.Background(), WithSecretManagerClient(newFakeSecretClient()), WithFallbackFile(path))
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}

	for ref, want := range map[string]string{
		"secret://stripe_api_key":           "unpinned",
		"secret://stripe_api_key?version=3": "pinned",
		"secret://stripe_api_key?version=4": "unpinned",
	} {
		got, err := resolver.ResolveSecret(context.Background(), ref)
		if err != nil || got != want {
			t.Fatalf("ResolveSecret(%s) = %q, %v; want %q", ref, got, err, want)
		}
	}
	if _, err := resolver.ResolveSecret(context.Background(), "secret://webhook_secret"); err == nil {
		t.Fatal("expected error for a secret missing from the fallback file")
	}
}

func TestOptionsFromEnvironment(t *testing.T) {
	client := newFakeSecretClient()
	client.values["projects/orders-prod/secrets/stripe_api_key/versions/latest"] = "from-firestore-project"
	env := map[string]string{
		"COMMERCE_FIRESTORE_PROJECT_ID":  "orders-prod",
		"COMMERCE_SECRETS_FALLBACK_FILE": writeFallback(t, "secret://webhook_secret=local\n"),
	}

	opts := append(OptionsFromEnvironment(env), WithSecretManagerClient(client))
	resolver, err := NewResolver(context.Background(), opts...)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	if got, err := resolver.ResolveSecret(context.Background(), "secret://stripe_api_key"); err != nil || got != "from-firestore-project" {
		t.Fatalf("expected Firestore project to be the default, got %q err=%v", got, err)
	}
	if got, err := resolver.ResolveSecret(context.Background(), "secret://webhook_secret"); err != nil || got != "local" {
		t.Fatalf("expected fallback file from environment, got %q err=%v", got, err)
	}

	if opts := OptionsFromEnvironment(map[string]string{}); len(opts) != 0 {
		t.Fatalf("expected no options from an empty environment, got %d", len(opts))
	}
}

func TestNewResolverWithoutCredentialsUsesFallback(t *testing.T) {
	ctx := context.Background()

	var clientOpts []option.ClientOption
	originalFactory := secretManagerClientFactory
	secretManagerClientFactory = func(_ context.Context, opts ...option.ClientOption) (*secretmanager.Client, error) {
		clientOpts = opts
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() {
		secretManagerClientFactory = originalFactory
	})

	env := map[string]string{
		"COMMERCE_SECRETS_DEFAULT_PROJECT": "test",
		"COMMERCE_SECRETS_FALLBACK_FILE":   writeFallback(t, "secret://stripe_api_key=local-secret\n"),
		"COMMERCE_SECRETS_ENDPOINT":        "secretmanager.asia-northeast1.rep.googleapis.com:443",
	}
	resolver, err := NewResolver(ctx, OptionsFromEnvironment(env)...)
	if err != nil {
		t.Fatalf("NewResolver returned error: %v", err)
	}
	defer resolver.Close()
	if len(clientOpts) != 1 {
		t.Fatalf("expected the regional endpoint to reach the client factory, got %d options", len(clientOpts))
	}

	value, err := resolver.ResolveSecret(ctx, "secret://stripe_api_key")
	if err != nil || value != "local-secret" {
		t.Fatalf("expected local secret, got %q err=%v", value, err)
	}
}

type fakeSecretClient struct {
	mu      sync.Mutex
	values  map[string]string
	errors  map[string]error
	counter map[string]int
	gate    chan struct{}
	called  chan struct{}
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{
		values:  make(map[string]string),
		errors:  make(map[string]error),
		counter: make(map[string]int),
		called:  make(chan struct{}, 16),
	}
}

func (f *fakeSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.called <- struct{}{}
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.GetName()
	f.counter[name]++
	if err, ok := f.errors[name]; ok && err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) waitForCall() {
	<-f.called
}

func (f *fakeSecretClient) Close() error {
	return nil
}

func (f *fakeSecretClient) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counter[name]
}
