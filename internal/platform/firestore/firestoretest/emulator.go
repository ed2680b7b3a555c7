// Package firestoretest provides Firestore emulator wiring for integration tests.
package firestoretest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/ryu-qqq/setof-commerce-sub006/internal/platform/config"
	pfirestore "github.com/ryu-qqq/setof-commerce-sub006/internal/platform/firestore"
)

const (
	emulatorImage   = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"
	emulatorHostEnv = "FIRESTORE_EMULATOR_HOST"
	startupTimeout  = 45 * time.Second
)

var projectSuffix = regexp.MustCompile(`[^a-z0-9-]+`)

// NewProvider returns a provider bound to a Firestore emulator. A running emulator named by
// FIRESTORE_EMULATOR_HOST is reused, with a project per test so data does not leak between tests;
// otherwise one is started with docker and stopped when the test ends. The test is skipped when
// neither is available.
func NewProvider(t testing.TB, projectID string) *pfirestore.Provider {
	t.Helper()
	if testing.Short() {
		t.Skip("firestore emulator tests skipped in short mode")
	}

	host := strings.TrimSpace(os.Getenv(emulatorHostEnv))
	if host != "" {
		projectID = projectID + "-" + strings.Trim(projectSuffix.ReplaceAllString(strings.ToLower(t.Name()), "-"), "-")
	} else {
		host = startEmulator(t)
	}

	provider := pfirestore.NewProvider(config.FirestoreConfig{ProjectID: projectID, EmulatorHost: host})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Close(ctx)
	})
	return provider
}

func startEmulator(t testing.TB) string {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	if err := docker(context.Background(), "info"); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	out, err := exec.Command("docker", "run", "-d", "--rm", "-p", "127.0.0.1::8080", emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet").CombinedOutput()
	if err != nil {
		t.Fatalf("start firestore emulator: %v: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = docker(ctx, "stop", id)
	})

	mapped, err := exec.Command("docker", "port", id, "8080/tcp").Output()
	if err != nil {
		t.Fatalf("read emulator port: %v", err)
	}
	host := strings.TrimSpace(strings.SplitN(string(mapped), "\n", 2)[0])
	if err := waitReady(host); err != nil {
		t.Fatalf("firestore emulator at %s: %v", host, err)
	}
	return host
}

func docker(ctx context.Context, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "docker", args...).Run()
}

// waitReady polls the emulator's HTTP root, which answers 200 once it accepts requests.
func waitReady(host string) error {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/", nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("not ready after %s", startupTimeout)
		case <-ticker.C:
		}
	}
}
