package pool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"liuproxy_rotator/internal/shared/settings"
)

type mockRecorder struct {
	leases atomic.Int64
}

func (m *mockRecorder) RecordLease() {
	m.leases.Add(1)
}

// fakeUpstream 模拟一个被租出去的 HTTP 代理：对任何经由它的 GET 探测返回
// 指定状态码，并统计被探测的次数。
type fakeUpstream struct {
	server *httptest.Server
	status atomic.Int32
	hits   atomic.Int64
}

func newFakeUpstream() *fakeUpstream {
	f := &fakeUpstream{}
	f.status.Store(http.StatusOK)
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		w.WriteHeader(int(f.status.Load()))
	}))
	return f
}

func (f *fakeUpstream) addr() string {
	return strings.TrimPrefix(f.server.URL, "http://")
}

// newLeaseServer 模拟租用服务，返回固定的 "ip:port" 并统计调用次数。
func newLeaseServer(endpoint string, hits *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, endpoint)
	}))
}

func newTestPool(cfg Config, rec *mockRecorder) *Pool {
	p := New(cfg, rec)
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil } // no backoff in tests
	return p
}

func TestGetValidEndpoint_AcquiresAndRecordsLease(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	var leaseHits atomic.Int64
	leaseSrv := newLeaseServer(upstream.addr(), &leaseHits)
	defer leaseSrv.Close()

	rec := &mockRecorder{}
	p := newTestPool(Config{
		APIURL:             leaseSrv.URL,
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  2 * time.Second,
		ValidationInterval: 60 * time.Second,
	}, rec)

	ep := p.GetValidEndpoint(context.Background())
	if ep == nil {
		t.Fatal("GetValidEndpoint() = nil, want an endpoint")
	}
	if ep.Addr() != upstream.addr() {
		t.Errorf("endpoint = %s, want %s", ep.Addr(), upstream.addr())
	}
	if got := rec.leases.Load(); got != 1 {
		t.Errorf("recorded leases = %d, want 1", got)
	}
	if got := leaseHits.Load(); got != 1 {
		t.Errorf("lease service hits = %d, want 1", got)
	}
}

func TestGetValidEndpoint_CachedWithinValidationInterval(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	var leaseHits atomic.Int64
	leaseSrv := newLeaseServer(upstream.addr(), &leaseHits)
	defer leaseSrv.Close()

	p := newTestPool(Config{
		APIURL:             leaseSrv.URL,
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  2 * time.Second,
		ValidationInterval: 60 * time.Second,
	}, &mockRecorder{})

	if ep := p.GetValidEndpoint(context.Background()); ep == nil {
		t.Fatal("initial acquisition failed")
	}
	probesAfterAcquire := upstream.hits.Load()

	// 验证间隔内的第二次调用必须直接复用，不得发出探测请求
	if ep := p.GetValidEndpoint(context.Background()); ep == nil {
		t.Fatal("cached lookup failed")
	}
	if got := upstream.hits.Load(); got != probesAfterAcquire {
		t.Errorf("probe hits = %d after cached lookup, want %d (no network call)", got, probesAfterAcquire)
	}
	if got := leaseHits.Load(); got != 1 {
		t.Errorf("lease service hits = %d, want 1", got)
	}
}

func TestGetValidEndpoint_RevalidatesAfterInterval(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	var leaseHits atomic.Int64
	leaseSrv := newLeaseServer(upstream.addr(), &leaseHits)
	defer leaseSrv.Close()

	p := newTestPool(Config{
		APIURL:             leaseSrv.URL,
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  2 * time.Second,
		ValidationInterval: 60 * time.Second,
	}, &mockRecorder{})

	base := time.Now()
	p.now = func() time.Time { return base }

	if ep := p.GetValidEndpoint(context.Background()); ep == nil {
		t.Fatal("initial acquisition failed")
	}
	probesAfterAcquire := upstream.hits.Load()

	// 超过验证间隔后必须重新探测，但探测成功时不换端点
	p.now = func() time.Time { return base.Add(61 * time.Second) }
	ep := p.GetValidEndpoint(context.Background())
	if ep == nil {
		t.Fatal("revalidation lookup failed")
	}
	if got := upstream.hits.Load(); got != probesAfterAcquire+1 {
		t.Errorf("probe hits = %d, want %d (one revalidation)", got, probesAfterAcquire+1)
	}
	if got := leaseHits.Load(); got != 1 {
		t.Errorf("lease service hits = %d, want 1 (endpoint kept)", got)
	}
	if !ep.LastValidatedAt.Equal(base.Add(61 * time.Second)) {
		t.Errorf("LastValidatedAt not refreshed after successful revalidation")
	}
}

func TestGetValidEndpoint_ExpiredEndpointForcesRefresh(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	var leaseHits atomic.Int64
	leaseSrv := newLeaseServer(upstream.addr(), &leaseHits)
	defer leaseSrv.Close()

	p := newTestPool(Config{
		APIURL:             leaseSrv.URL,
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  2 * time.Second,
		ValidationInterval: 60 * time.Second,
		Expiration:         1 * time.Second,
	}, &mockRecorder{})

	base := time.Now()
	p.now = func() time.Time { return base }

	if ep := p.GetValidEndpoint(context.Background()); ep == nil {
		t.Fatal("initial acquisition failed")
	}

	// 超过绝对失效时间：即使仍在验证缓存期内也必须强制换新
	p.now = func() time.Time { return base.Add(2 * time.Second) }
	ep := p.GetValidEndpoint(context.Background())
	if ep == nil {
		t.Fatal("refresh acquisition failed")
	}
	if got := leaseHits.Load(); got != 2 {
		t.Errorf("lease service hits = %d, want 2 (stale endpoint discarded)", got)
	}
	if !ep.AcquiredAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("AcquiredAt = %v, want refresh time", ep.AcquiredAt)
	}
}

func TestGetValidEndpoint_FailedValidationDiscardsEndpoint(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	var leaseHits atomic.Int64
	leaseSrv := newLeaseServer(upstream.addr(), &leaseHits)
	defer leaseSrv.Close()

	p := newTestPool(Config{
		APIURL:             leaseSrv.URL,
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  2 * time.Second,
		ValidationInterval: 60 * time.Second,
	}, &mockRecorder{})

	base := time.Now()
	p.now = func() time.Time { return base }

	if ep := p.GetValidEndpoint(context.Background()); ep == nil {
		t.Fatal("initial acquisition failed")
	}

	// 探测开始返回非 200：旧端点作废，重新租用后验证成功才被采用
	upstream.status.Store(http.StatusBadGateway)
	p.now = func() time.Time { return base.Add(61 * time.Second) }
	if ep := p.GetValidEndpoint(context.Background()); ep != nil {
		t.Fatal("expected no endpoint while probes keep failing")
	}

	upstream.status.Store(http.StatusOK)
	if ep := p.GetValidEndpoint(context.Background()); ep == nil {
		t.Fatal("expected a fresh endpoint once probes recover")
	}
	if got := leaseHits.Load(); got < 2 {
		t.Errorf("lease service hits = %d, want at least 2", got)
	}
}

func TestGetValidEndpoint_ExhaustsAttemptsAndReturnsNil(t *testing.T) {
	var leaseHits atomic.Int64
	leaseSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		leaseHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer leaseSrv.Close()

	p := newTestPool(Config{
		APIURL:             leaseSrv.URL,
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  time.Second,
		ValidationInterval: 60 * time.Second,
	}, &mockRecorder{})

	if ep := p.GetValidEndpoint(context.Background()); ep != nil {
		t.Fatalf("GetValidEndpoint() = %v, want nil", ep)
	}
	if got := leaseHits.Load(); got != int64(acquireAttempts) {
		t.Errorf("lease attempts = %d, want %d", got, acquireAttempts)
	}
}

func TestGetValidEndpoint_PlaceholderAPIURL(t *testing.T) {
	p := newTestPool(Config{
		APIURL:             "http://api.example/fetch?token=YOUR_TOKEN",
		ValidationURL:      "http://probe.test/",
		ValidationTimeout:  time.Second,
		ValidationInterval: 60 * time.Second,
	}, &mockRecorder{})

	if ep := p.GetValidEndpoint(context.Background()); ep != nil {
		t.Fatalf("GetValidEndpoint() = %v, want nil for unconfigured api_url", ep)
	}
}

func TestOnSettingsUpdate_DropsEndpointOnRelevantChange(t *testing.T) {
	upstream := newFakeUpstream()
	defer upstream.server.Close()

	var leaseHits atomic.Int64
	leaseSrv := newLeaseServer(upstream.addr(), &leaseHits)
	defer leaseSrv.Close()

	base := &settings.UpstreamSettings{
		APIURL:                    leaseSrv.URL,
		ValidationURL:             "http://probe.test/",
		ValidationTimeoutSeconds:  2,
		ValidationIntervalSeconds: 60,
	}
	p := newTestPool(ConfigFromSettings(base), &mockRecorder{})

	acquire := func() {
		t.Helper()
		if ep := p.GetValidEndpoint(context.Background()); ep == nil {
			t.Fatal("acquisition failed")
		}
	}

	// 无关变更（超时时长）保留当前端点
	acquire()
	next := *base
	next.ValidationTimeoutSeconds = 3
	if err := p.OnSettingsUpdate("upstream", &next); err != nil {
		t.Fatalf("OnSettingsUpdate() failed: %v", err)
	}
	if p.Current() == nil {
		t.Error("timeout-only change dropped the current endpoint")
	}

	// 探测地址变更作废端点：旧的存活结论是对旧目标做出的
	next = *base
	next.ValidationURL = "http://other-probe.test/"
	if err := p.OnSettingsUpdate("upstream", &next); err != nil {
		t.Fatalf("OnSettingsUpdate() failed: %v", err)
	}
	if p.Current() != nil {
		t.Error("validation-url change kept the stale endpoint")
	}

	// API 地址变更同样作废
	p.cfg = ConfigFromSettings(base)
	acquire()
	next = *base
	next.APIURL = leaseSrv.URL + "?token=new"
	if err := p.OnSettingsUpdate("upstream", &next); err != nil {
		t.Fatalf("OnSettingsUpdate() failed: %v", err)
	}
	if p.Current() != nil {
		t.Error("api-url change kept the stale endpoint")
	}
}

func TestParseEndpointLine(t *testing.T) {
	cases := []struct {
		in     string
		ip     string
		port   int
		wantOK bool
	}{
		{"1.2.3.4:8080", "1.2.3.4", 8080, true},
		{" 1.2.3.4:8080 \n", "1.2.3.4", 8080, true},
		{"1.2.3.4", "", 0, false},
		{"1.2.3.4:0", "", 0, false},
		{"1.2.3.4:abc", "", 0, false},
		{"1.2.3.4:80:90", "", 0, false},
		{":8080", "", 0, false},
		{"", "", 0, false},
	}
	for _, c := range cases {
		ip, port, err := parseEndpointLine(c.in)
		if c.wantOK {
			if err != nil {
				t.Errorf("parseEndpointLine(%q) returned error: %v", c.in, err)
				continue
			}
			if ip != c.ip || port != c.port {
				t.Errorf("parseEndpointLine(%q) = (%s, %d), want (%s, %d)", c.in, ip, port, c.ip, c.port)
			}
		} else if err == nil {
			t.Errorf("parseEndpointLine(%q) succeeded, want error", c.in)
		}
	}
}
