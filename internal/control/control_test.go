package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cok/internal/model"
	"cok/internal/registry"
)

type fakeRegistry struct {
	mu      sync.Mutex
	knocks  []*model.Descriptor
	halted  bool
	saveErr error
}

func (f *fakeRegistry) SetKnock(d *model.Descriptor) model.SetResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.halted || d.Validate() != nil {
		return model.SetError
	}
	for _, k := range f.knocks {
		if k.Equal(d) {
			k.Update(d)
			return model.SetOverridden
		}
	}
	f.knocks = append(f.knocks, d.Clone())
	return model.SetNew
}

func (f *fakeRegistry) RemoveKnock(d *model.Descriptor) model.RemoveResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, k := range f.knocks {
		if k.Equal(d) {
			f.knocks = append(f.knocks[:i], f.knocks[i+1:]...)
			return model.RemoveRemoved
		}
	}
	return model.RemoveError
}

func (f *fakeRegistry) ListKnocks() []*model.Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.Descriptor, len(f.knocks))
	for i, k := range f.knocks {
		out[i] = k.Clone()
	}
	return out
}

func (f *fakeRegistry) Halt(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.halted {
		return registry.ErrHalted
	}
	f.halted = true
	return f.saveErr
}

func newTestAPI(t *testing.T, token string) (*fakeRegistry, *httptest.Server) {
	t.Helper()
	reg := &fakeRegistry{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(NewServer(reg, token, logger))
	t.Cleanup(srv.Close)
	return reg, srv
}

func portSeq(ports ...uint16) *model.Descriptor {
	return model.NewPortSequence(ports, 5000, model.RuleSet{"__LOG__ opened for __SRC_IP__"}, nil, nil)
}

func TestClientSetListRemove(t *testing.T) {
	// This test drives the full knock lifecycle through the client.
	_, srv := newTestAPI(t, "")
	c := NewClient(srv.URL, "", srv.Client())
	ctx := context.Background()

	if res, err := c.Set(ctx, portSeq(1000, 2000)); err != nil || res != model.SetNew {
		t.Fatalf("expected new, got %v (%v)", res, err)
	}
	if res, err := c.Set(ctx, portSeq(1000, 2000)); err != nil || res != model.SetOverridden {
		t.Fatalf("expected overridden, got %v (%v)", res, err)
	}
	knocks, err := c.List(ctx)
	if err != nil {
		t.Fatalf("expected no error listing, got %v", err)
	}
	if len(knocks) != 1 || knocks[0].Desc() != "PortSeq_1000_2000_5000" {
		t.Fatalf("unexpected knocks %v", knocks)
	}
	if res, err := c.Remove(ctx, portSeq(1000, 2000)); err != nil || res != model.RemoveRemoved {
		t.Fatalf("expected removed, got %v (%v)", res, err)
	}
	if res, err := c.Remove(ctx, portSeq(1000, 2000)); err != nil || res != model.RemoveError {
		t.Fatalf("expected error result for unknown knock, got %v (%v)", res, err)
	}
}

func TestSetRejectsInvalidDescriptor(t *testing.T) {
	// This test checks that validation failures are reported as SetError.
	_, srv := newTestAPI(t, "")
	c := NewClient(srv.URL, "", srv.Client())
	res, err := c.Set(context.Background(), portSeq())
	if err != nil || res != model.SetError {
		t.Fatalf("expected SetError without transport error, got %v (%v)", res, err)
	}
}

func TestMalformedBodyIsBadRequest(t *testing.T) {
	// This test validates that undecodable bodies never reach the registry.
	_, srv := newTestAPI(t, "")
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/knocks", strings.NewReader("{not json"))
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestBearerToken(t *testing.T) {
	// This test checks that a configured token is enforced on every route.
	_, srv := newTestAPI(t, "s3cret")
	ctx := context.Background()

	if _, err := NewClient(srv.URL, "", srv.Client()).List(ctx); err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	if _, err := NewClient(srv.URL, "wrong", srv.Client()).List(ctx); err == nil {
		t.Fatalf("expected rejection with wrong token")
	}
	if _, err := NewClient(srv.URL, "s3cret", srv.Client()).List(ctx); err != nil {
		t.Fatalf("expected access with token, got %v", err)
	}
}

func TestHalt(t *testing.T) {
	// This test validates halt and the conflict reported on a second halt.
	reg, srv := newTestAPI(t, "")
	c := NewClient(srv.URL, "", srv.Client())
	ctx := context.Background()

	if err := c.Halt(ctx); err != nil {
		t.Fatalf("expected halt to succeed, got %v", err)
	}
	if !reg.halted {
		t.Fatalf("expected registry to be halted")
	}
	err := c.Halt(ctx)
	if err == nil || !strings.Contains(err.Error(), "409") {
		t.Fatalf("expected conflict on second halt, got %v", err)
	}
	if res, _ := c.Set(ctx, portSeq(1, 2)); res != model.SetError {
		t.Fatalf("expected SetError after halt, got %v", res)
	}
}

func TestHaltReportsSaveFailure(t *testing.T) {
	// This test checks that a failed save surfaces as an error to the caller.
	reg, srv := newTestAPI(t, "")
	reg.saveErr = fmt.Errorf("failed to save knocks: %w", errors.New("disk full"))
	err := NewClient(srv.URL, "", srv.Client()).Halt(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected save failure, got %v", err)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	// This test validates that Prometheus metrics are served.
	_, srv := newTestAPI(t, "")
	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("unexpected metrics response %d", resp.StatusCode)
	}
}

func TestNewClientAddsScheme(t *testing.T) {
	// This test checks host:port addresses are accepted.
	c := NewClient("127.0.0.1:7070/", "", nil)
	if c.baseURL != "http://127.0.0.1:7070" {
		t.Fatalf("unexpected base URL %q", c.baseURL)
	}
}
