package apiserver

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/acorn-io/acorn-ddns/pkg/db"
	"github.com/acorn-io/acorn-ddns/pkg/model"
	"github.com/acorn-io/acorn-ddns/pkg/propagation"
	"github.com/acorn-io/acorn-ddns/pkg/resolver"
	"github.com/acorn-io/acorn-ddns/pkg/signal"
	"github.com/acorn-io/acorn-ddns/pkg/updater"
	ghandlers "github.com/gorilla/handlers"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

const (
	testZone      = "dyn.example.com"
	testDashToken = "dash-secret"
)

type testEnv struct {
	db       db.Database
	updates  *updater.Service
	resolver *resolver.Resolver
	handler  http.Handler
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d, err := db.New(ctx, "sqlite", filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("db.New() error: %v", err)
	}

	signals := signal.NewMemory()
	updates := updater.New(d, signals, nil, updater.Options{Zone: testZone}, testLogger())
	res := resolver.New(d, resolver.Config{Zone: testZone, CacheTTL: time.Minute}, testLogger())
	updates.OnChange(res.Invalidate)
	streams := propagation.New(d, signals, updates.FQDN, propagation.Options{
		FastInterval: 20 * time.Millisecond,
		SlowInterval: time.Hour,
	}, testLogger())

	if cfg.DashboardToken == "" {
		cfg.DashboardToken = testDashToken
	}
	a := NewAPIServer(ctx, testLogger(), cfg, updates, streams)
	t.Cleanup(updates.Wait)
	return &testEnv{db: d, updates: updates, resolver: res, handler: a.Router()}
}

func (e *testEnv) addHost(t *testing.T, h db.Host) db.Host {
	t.Helper()
	if err := e.db.CreateHost(context.Background(), &h); err != nil {
		t.Fatalf("CreateHost() error: %v", err)
	}
	return h
}

type call struct {
	method   string
	target   string
	callerIP string
	user     string
	password string
}

func (e *testEnv) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	if c.method == "" {
		c.method = http.MethodGet
	}
	req := httptest.NewRequest(c.method, c.target, nil)
	req.RemoteAddr = "10.0.0.1:40000"
	if c.callerIP != "" {
		req.Header.Set("X-Forwarded-For", c.callerIP+", 10.0.0.254")
	}
	if c.user != "" {
		req.SetBasicAuth(c.user, c.password)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type dnsRecorder struct {
	dns.ResponseWriter
	msg *dns.Msg
}

func (r *dnsRecorder) WriteMsg(m *dns.Msg) error {
	r.msg = m
	return nil
}

func (r *dnsRecorder) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.53"), Port: 5353}
}

func (e *testEnv) lookupA(t *testing.T, name string) *dns.Msg {
	t.Helper()
	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), dns.TypeA)
	rec := &dnsRecorder{}
	e.resolver.ServeDNS(rec, req)
	if rec.msg == nil {
		t.Fatalf("no dns response for %s", name)
	}
	return rec.msg
}

func assertResponse(t *testing.T, rec *httptest.ResponseRecorder, status int, body string) {
	t.Helper()
	if rec.Code != status {
		t.Errorf("status = %d, want %d (body %q)", rec.Code, status, rec.Body.String())
	}
	if got := rec.Body.String(); got != body {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestUpdateEndToEnd(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	host := env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", TTL: 60, Active: true})

	rec := env.do(t, call{target: "/v1/update?token=T", callerIP: "198.51.100.7"})
	assertResponse(t, rec, http.StatusOK, `{"ipv4":"198.51.100.7","ipv6":null}`)
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	m := env.lookupA(t, "home."+testZone)
	if m.Rcode != dns.RcodeSuccess || len(m.Answer) != 1 {
		t.Fatalf("dns rcode = %s answers = %d", dns.RcodeToString[m.Rcode], len(m.Answer))
	}
	if a := m.Answer[0].(*dns.A); a.A.String() != "198.51.100.7" || a.Hdr.Ttl != 60 {
		t.Errorf("A = %s ttl %d, want 198.51.100.7 ttl 60", a.A, a.Hdr.Ttl)
	}

	rec = env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.7"})
	assertResponse(t, rec, http.StatusOK, "nochg 198.51.100.7")

	entries, err := env.db.ListUpdateLog(context.Background(), host.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("got %d audit entries, want 1", len(entries))
	}

	rec = env.do(t, call{method: http.MethodPost, target: "/update?token=T&myip=203.0.113.9", callerIP: "198.51.100.7"})
	assertResponse(t, rec, http.StatusOK, "good 203.0.113.9")

	// The in-process invalidation makes the new address visible at once.
	m = env.lookupA(t, "home."+testZone)
	if a := m.Answer[0].(*dns.A); a.A.String() != "203.0.113.9" {
		t.Errorf("A after update = %s, want 203.0.113.9", a.A)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", Active: true})
	env.addHost(t, db.Host{Subdomain: "off", OwnerID: "acct-1", Token: "OFF", Active: false})

	tests := []struct {
		name   string
		target string
		status int
		body   string
	}{
		{name: "missing token", target: "/v1/update", status: http.StatusUnauthorized, body: "badauth"},
		{name: "unknown token", target: "/v1/update?token=nope", status: http.StatusUnauthorized, body: "badauth"},
		{name: "inactive host", target: "/v1/update?token=OFF", status: http.StatusUnauthorized, body: "badauth"},
		{name: "text unknown token", target: "/update?token=nope", status: http.StatusUnauthorized, body: "badauth"},
		{name: "text bad ip", target: "/update?token=T&myip=300.1.1.1", status: http.StatusBadRequest, body: "badip"},
		{name: "text bad prefix", target: "/update?token=T&ip6=2001:db8::/56", status: http.StatusBadRequest, body: "badip"},
		{name: "text bad myip6 prefix", target: "/update?token=T&myip6=" + url.QueryEscape("2001:db8:1234::/56"), status: http.StatusBadRequest, body: "badip"},
		{name: "text bad myipv6", target: "/update?token=T&myipv6=2001:db8::zz", status: http.StatusBadRequest, body: "badip"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertResponse(t, env.do(t, call{target: tt.target, callerIP: "198.51.100.7"}), tt.status, tt.body)
		})
	}

	for _, target := range []string{
		"/v1/update?token=T&ip=999.0.0.1",
		"/v1/update?token=T&myip6=" + url.QueryEscape("2001:db8:1234::/56"),
	} {
		rec := env.do(t, call{target: target, callerIP: "198.51.100.7"})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", target, rec.Code)
		}
		var e model.ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
			t.Fatalf("%s: decoding error body: %v", target, err)
		}
		if e.Status != http.StatusBadRequest || e.Message == "" {
			t.Errorf("%s: error body = %+v", target, e)
		}
	}

	// A rejected prefix leaves the stored state untouched.
	rec := env.do(t, call{target: "/v1/status?token=T"})
	var view model.HostView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.IPv4 != nil || view.IPv6 != nil {
		t.Errorf("stored addresses = %v, %v, want none", model.StringValue(view.IPv4), model.StringValue(view.IPv6))
	}
}

func TestLegacyEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", Active: true})

	hash, err := bcrypt.GenerateFromPassword([]byte("shared"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.db.CreateCredentialGroup(context.Background(), &db.CredentialGroup{Login: "family", OwnerID: "acct-1", PasswordHash: string(hash)}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		call call
		code int
		body string
	}{
		{
			name: "owner and token",
			call: call{target: "/nic/update?hostname=home.dyn.example.com&myip=203.0.113.9", user: "acct-1", password: "T"},
			code: http.StatusOK, body: "good 203.0.113.9",
		},
		{
			name: "repeat is nochg",
			call: call{target: "/nic/update?hostname=home.dyn.example.com&myip=203.0.113.9", user: "acct-1", password: "T"},
			code: http.StatusOK, body: "nochg 203.0.113.9",
		},
		{
			name: "group login falls back to caller address",
			call: call{target: "/nic/update?hostname=home.dyn.example.com", user: "family", password: "shared", callerIP: "198.51.100.20"},
			code: http.StatusOK, body: "good 198.51.100.20",
		},
		{
			name: "myip6 prefix",
			call: call{target: "/nic/update?hostname=home.dyn.example.com&myip=203.0.113.9&myip6=" + url.QueryEscape("2001:db8:77::/64"), user: "acct-1", password: "T"},
			code: http.StatusOK, body: "good 203.0.113.9",
		},
		{
			name: "myip6 bad prefix length",
			call: call{target: "/nic/update?hostname=home.dyn.example.com&myip6=" + url.QueryEscape("2001:db8:77::/56"), user: "acct-1", password: "T"},
			code: http.StatusBadRequest, body: "badip",
		},
		{
			name: "wrong password",
			call: call{target: "/nic/update?hostname=home.dyn.example.com", user: "acct-1", password: "wrong"},
			code: http.StatusUnauthorized, body: "badauth",
		},
		{
			name: "no credentials",
			call: call{target: "/nic/update?hostname=home.dyn.example.com"},
			code: http.StatusUnauthorized, body: "badauth",
		},
		{
			name: "missing hostname",
			call: call{target: "/nic/update", user: "acct-1", password: "T"},
			code: http.StatusBadRequest, body: "notfqdn",
		},
		{
			name: "foreign zone",
			call: call{target: "/nic/update?hostname=home.example.org", user: "acct-1", password: "T"},
			code: http.StatusBadRequest, body: "notfqdn",
		},
		{
			name: "bad address",
			call: call{target: "/nic/update?hostname=home&myip=not-an-ip", user: "acct-1", password: "T"},
			code: http.StatusBadRequest, body: "badip",
		},
		{
			name: "unknown host with group login",
			call: call{target: "/nic/update?hostname=nobody.dyn.example.com", user: "family", password: "shared"},
			code: http.StatusNotFound, body: "nohost",
		},
		{
			name: "unknown host with bad login",
			call: call{target: "/nic/update?hostname=nobody.dyn.example.com", user: "family", password: "wrong"},
			code: http.StatusUnauthorized, body: "badauth",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, tt.call)
			assertResponse(t, rec, tt.code, tt.body)
			if tt.code == http.StatusUnauthorized && tt.call.user == "" {
				if rec.Header().Get("WWW-Authenticate") == "" {
					t.Error("missing WWW-Authenticate challenge")
				}
			}
		})
	}
}

func TestDelegatedPrefixRoundTrip(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	env.addHost(t, db.Host{Subdomain: "lab", OwnerID: "acct-1", Token: "L", Active: true})

	rec := env.do(t, call{target: "/v1/update?token=L&ip6=" + url.QueryEscape("2001:db8:1234::/48"), callerIP: "198.51.100.7"})
	assertResponse(t, rec, http.StatusOK, `{"ipv4":"198.51.100.7","ipv6":"2001:db8:1234::/48"}`)

	// An IPv6 caller does not clobber the stored prefix.
	rec = env.do(t, call{target: "/v1/update?token=L", callerIP: "2001:db8:1234::99"})
	assertResponse(t, rec, http.StatusOK, `{"ipv4":"198.51.100.7","ipv6":"2001:db8:1234::/48"}`)

	rec = env.do(t, call{target: "/v1/status?token=L"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var view model.HostView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if model.StringValue(view.IPv6) != "2001:db8:1234::/48" {
		t.Errorf("stored ipv6 = %q, want the prefix verbatim", model.StringValue(view.IPv6))
	}
	if view.FQDN != "lab.dyn.example.com" {
		t.Errorf("fqdn = %q", view.FQDN)
	}
	if strings.Contains(rec.Body.String(), `"L"`) {
		t.Error("status response leaks the token")
	}

	rec = env.do(t, call{target: "/v1/status?token=nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", rec.Code)
	}

	// The dyndns style myip6 parameter is an alias of ip6 on every token endpoint.
	env.addHost(t, db.Host{Subdomain: "lab2", OwnerID: "acct-1", Token: "L2", Active: true})
	rec = env.do(t, call{target: "/v1/update?token=L2&myip6=" + url.QueryEscape("2001:db8:1234::/48"), callerIP: "198.51.100.7"})
	assertResponse(t, rec, http.StatusOK, `{"ipv4":"198.51.100.7","ipv6":"2001:db8:1234::/48"}`)

	rec = env.do(t, call{target: "/v1/status?token=L2"})
	view = model.HostView{}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if model.StringValue(view.IPv6) != "2001:db8:1234::/48" {
		t.Errorf("stored ipv6 via myip6 = %q, want the prefix verbatim", model.StringValue(view.IPv6))
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", Active: true})

	for _, ip := range []string{"192.0.2.1", "192.0.2.2", "192.0.2.3"} {
		if rec := env.do(t, call{target: "/v1/update?token=T&myip=" + ip}); rec.Code != http.StatusOK {
			t.Fatalf("update %s: status %d", ip, rec.Code)
		}
	}

	rec := env.do(t, call{target: "/v1/history?token=T&limit=2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp model.HistoryResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(resp.Entries))
	}
	if got := model.StringValue(resp.Entries[0].IPv4); got != "192.0.2.3" {
		t.Errorf("newest entry = %q, want 192.0.2.3", got)
	}

	if rec := env.do(t, call{target: "/v1/history?token=T&limit=zero"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true, UpdateRate: rate.Every(time.Hour), UpdateBurst: 1})
	env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", Active: true})

	assertResponse(t, env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.7"}), http.StatusOK, "good 198.51.100.7")
	assertResponse(t, env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.7"}), http.StatusTooManyRequests, "abuse")

	if rec := env.do(t, call{target: "/v1/update?token=T", callerIP: "198.51.100.7"}); rec.Code != http.StatusTooManyRequests {
		t.Errorf("native status = %d, want 429", rec.Code)
	}

	// Other callers have their own budget.
	assertResponse(t, env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.8"}), http.StatusOK, "good 198.51.100.8")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	rec := env.do(t, call{target: "/healthz"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "goVersion") {
		t.Errorf("body = %q, want version info", rec.Body.String())
	}
}

func TestOwnerStream(t *testing.T) {
	env := newTestEnv(t, Config{TrustProxy: true})
	env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", Active: true})

	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/v1/owners/acct-1/stream")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unauthenticated stream status = %d, want 403", resp.StatusCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/owners/acct-1/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testDashToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	frames := make(chan string, 16)
	go func() {
		defer close(frames)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				frames <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	next := func() []model.HostView {
		t.Helper()
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatal("stream closed")
			}
			var hosts []model.HostView
			if err := json.Unmarshal([]byte(f), &hosts); err != nil {
				t.Fatalf("decoding frame %q: %v", f, err)
			}
			return hosts
		case <-time.After(3 * time.Second):
			t.Fatal("no frame within 3s")
			return nil
		}
	}

	hosts := next()
	if len(hosts) != 1 || hosts[0].IPv4 != nil {
		t.Fatalf("initial snapshot = %+v", hosts)
	}

	if rec := env.do(t, call{target: "/v1/update?token=T", callerIP: "198.51.100.7"}); rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	env.updates.Wait()

	hosts = next()
	if got := model.StringValue(hosts[0].IPv4); got != "198.51.100.7" {
		t.Errorf("pushed ipv4 = %q, want 198.51.100.7", got)
	}
}

func TestRealIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		trusted bool
		want    string
	}{
		{name: "forwarded list", headers: map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}, remote: "10.0.0.2:1", trusted: true, want: "198.51.100.7"},
		{name: "forwarded no space", headers: map[string]string{"X-Forwarded-For": "2001:db8::1,10.0.0.1"}, remote: "10.0.0.2:1", trusted: true, want: "2001:db8::1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "203.0.113.5"}, remote: "10.0.0.2:1", trusted: true, want: "203.0.113.5"},
		{name: "forwarded ignored when untrusted", headers: map[string]string{"X-Forwarded-For": "198.51.100.7"}, remote: "10.0.0.2:1", want: "10.0.0.2"},
		{name: "real ip ignored when untrusted", headers: map[string]string{"X-Real-IP": "203.0.113.5"}, remote: "10.0.0.2:1", want: "10.0.0.2"},
		{name: "connection", remote: "192.0.2.10:5555", trusted: true, want: "192.0.2.10"},
		{name: "connection v6", remote: "[2001:db8::2]:5555", want: "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = realIP(r)
			})
			if tt.trusted {
				h = ghandlers.ProxyHeaders(h)
			}

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			if got != tt.want {
				t.Errorf("realIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitIgnoresForwardedHeadersByDefault(t *testing.T) {
	env := newTestEnv(t, Config{UpdateRate: rate.Every(time.Hour), UpdateBurst: 1})
	env.addHost(t, db.Host{Subdomain: "home", OwnerID: "acct-1", Token: "T", Active: true})

	// Every call shares RemoteAddr 10.0.0.1, so rotating the header does not
	// buy a fresh budget, and the header is not taken as the caller address.
	assertResponse(t, env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.7"}), http.StatusOK, "good 10.0.0.1")
	assertResponse(t, env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.8"}), http.StatusTooManyRequests, "abuse")
	assertResponse(t, env.do(t, call{target: "/update?token=T", callerIP: "198.51.100.9"}), http.StatusTooManyRequests, "abuse")
}

func TestSplitMyIP(t *testing.T) {
	v4, v6 := splitMyIP("203.0.113.9, 2001:db8::9")
	if v4 != "203.0.113.9" || v6 != "2001:db8::9" {
		t.Errorf("splitMyIP() = %q, %q", v4, v6)
	}
	v4, v6 = splitMyIP("")
	if v4 != "" || v6 != "" {
		t.Errorf("splitMyIP(\"\") = %q, %q", v4, v6)
	}
}
