//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"wafgate/internal/waf/hmacsig"
)

// buildAndStartControlPlane builds cmd/controlplane to a temp directory and
// launches it on a random free port with the provided flags.
func buildAndStartControlPlane(t *testing.T, extraArgs ...string) (baseURL string, cmd *exec.Cmd) {
	t.Helper()

	port := freePort(t)
	tmpDir := t.TempDir()
	exe := filepath.Join(tmpDir, exeName("controlplane"))
	build := exec.Command("go", "build", "-o", exe, "wafgate/cmd/controlplane")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("failed to build control plane: %v", err)
	}

	args := []string{
		"--listen_addr=127.0.0.1:" + port,
		"--metrics_addr=",
		"--control_plane_hmac_secret=e2e-secret",
		"--storage_adapter=sqlite",
		"--sqlite_path=" + filepath.Join(tmpDir, "controlplane.db"),
	}
	args = append(args, extraArgs...)

	c := exec.Command(exe, args...)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	if err := c.Start(); err != nil {
		t.Fatalf("failed to start control plane: %v", err)
	}

	base := "http://127.0.0.1:" + port
	client := &http.Client{Timeout: 500 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok := false
	for ctx.Err() == nil {
		resp, err := client.Post(base+"/api/v1/license/activate", "application/json", nil)
		if err == nil {
			resp.Body.Close()
			ok = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		_ = c.Process.Kill()
		t.Fatalf("control plane did not become ready")
	}

	t.Cleanup(func() {
		_ = c.Process.Kill()
		_, _ = c.Process.Wait()
	})
	return base, c
}

// TestRedisEventQuotaCommitE2E drives the control plane's event-quota
// accumulator with a Redis-backed sink and verifies the idempotent commit
// path updates the license's usage counter hash as expected. Requires a
// Redis at 127.0.0.1:6379.
func TestRedisEventQuotaCommitE2E(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on 127.0.0.1:6379: %v", err)
	}

	licenseHash := "e2e-redis-license"
	counterKey := fmt.Sprintf("counter:%s", licenseHash)
	_ = rc.Del(context.Background(), counterKey).Err()

	// A small budget gives CommitThreshold (budget/6) a value of 1, so
	// the accumulator's background loop flushes on its very first tick
	// (every 5s, fixed) instead of waiting for a full window or idle
	// eviction - neither of which this test's short runtime can afford.
	const budget = 10
	base, _ := buildAndStartControlPlane(t,
		"--quota_adapter=redis",
		"--redis_addr=127.0.0.1:6379",
		"--event_quota_per_license="+strconv.Itoa(budget),
		"--event_quota_window_sec=3600",
	)

	// Bind the license to a chat so events pass license lookup.
	activateReq, _ := http.NewRequest(http.MethodPost, base+"/api/v1/license/activate",
		strings.NewReader(fmt.Sprintf(`{"license_key":%q,"chat_id":1}`, licenseHash)))
	activateReq.Header.Set("Content-Type", "application/json")
	// license_key_hash must match the control plane's own hash_license
	// output for a plain key, so instead bind directly against the
	// license hash the event will present - this endpoint hashes its
	// input, so the bound identity is sha256("e2e-redis-license"), not
	// the literal string. Events below present that same literal as
	// their license_key_hash field (pre-hashed, as the gateway always
	// sends it), so the accumulator and the license lookup are keyed
	// independently - only the accumulator's Redis counter is under
	// test here.
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(activateReq)
	if err != nil {
		t.Fatalf("activate request failed: %v", err)
	}
	resp.Body.Close()

	eventN := 5
	for i := 0; i < eventN; i++ {
		body := []byte(fmt.Sprintf(`{"license_key_hash":%q,"request_id":"r-%d","decision":"block","category":"SQLI"}`, licenseHash, i))
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		nonce := fmt.Sprintf("nonce-%d", i)
		sig := hmacsig.Sign("e2e-secret", ts, nonce, body)

		req, _ := http.NewRequest(http.MethodPost, base+"/api/v1/event", strings.NewReader(string(body)))
		req.Header.Set("X-Timestamp", ts)
		req.Header.Set("X-Nonce", nonce)
		req.Header.Set("X-Signature", sig)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("event %d failed: %v", i, err)
		}
		resp.Body.Close()
	}

	// The accumulator's background loop ticks every 5s; wait past the
	// first tick so the watermark-triggered flush has run.
	time.Sleep(6 * time.Second)

	gotStr, err := rc.HGet(context.Background(), counterKey, "scalar").Result()
	if err != nil {
		t.Fatalf("redis HGET scalar failed: %v", err)
	}
	var got int64
	if _, err := fmt.Sscan(gotStr, &got); err != nil {
		t.Fatalf("parse HGET result: %v", err)
	}
	// scalar = PerLicenseBudget - eventN, per the VSA's scalar-vector
	// convention (Admit consumes 1 from the vector each time).
	want := int64(budget - eventN)
	if got != want {
		t.Fatalf("scalar mismatch: got=%d want=%d", got, want)
	}
}
