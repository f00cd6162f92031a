package detrack

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestProxy(t *testing.T) *Proxy {
	t.Helper()
	return NewProxy("127.0.0.1:0", newTestHub(t))
}

// proxyRequest builds an absolute-URL proxy request the way a configured
// HTTP client would send it.
func proxyRequest(t *testing.T, method, rawURL string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, rawURL, nil)
	r.RemoteAddr = "127.0.0.1:54321"
	return r
}

func TestProxy_BlockedDomainGets403(t *testing.T) {
	p := newTestProxy(t)
	if err := p.Hub.AddTracker("ads.example.com"); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest(t, "GET", "http://ads.example.com/banner.js"))

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "ads.example.com") {
		t.Error("expected blocked host in the block page")
	}

	if got := p.Hub.BlockedCount(); got != 1 {
		t.Errorf("BlockedCount = %d, want 1", got)
	}
	if got := p.Hub.AllowedCount(); got != 0 {
		t.Errorf("AllowedCount = %d, want 0", got)
	}
	if got := p.Hub.BandwidthSaved(); got != DefaultBandwidthEstimate {
		t.Errorf("BandwidthSaved = %d, want %d", got, DefaultBandwidthEstimate)
	}
	if s := p.Hub.DomainStats()["ads.example.com"]; s.Requests != 1 || s.Blocked != 1 {
		t.Errorf("domain stat = %+v", s)
	}
}

func TestProxy_SuffixBlocking(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "upstream ok")
	}))
	defer upstream.Close()

	p := newTestProxy(t)
	if err := p.Hub.AddTracker("example.com"); err != nil {
		t.Fatal(err)
	}

	// Subdomain of a blocked entry is blocked.
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest(t, "GET", "http://cdn.example.com/lib.js"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("cdn.example.com: status = %d, want 403", rec.Code)
	}

	// An unblocked host forwards normally.
	req := proxyRequest(t, "GET", upstream.URL+"/page")
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("upstream forward: status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "upstream ok" {
		t.Errorf("body = %q, want upstream response", got)
	}
}

func TestProxy_DisabledReturns503(t *testing.T) {
	p := newTestProxy(t)
	if err := p.Hub.AddTracker("ads.example.com"); err != nil {
		t.Fatal(err)
	}
	p.Hub.DisableProxy()

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest(t, "GET", "http://ads.example.com/banner.js"))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	// The refusal is an operator choice, counted as allowed.
	if got := p.Hub.AllowedCount(); got != 1 {
		t.Errorf("AllowedCount = %d, want 1", got)
	}
	if got := p.Hub.BlockedCount(); got != 0 {
		t.Errorf("BlockedCount = %d, want 0", got)
	}
}

func TestProxy_ForwardsAndStripsHopByHop(t *testing.T) {
	var seen http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "created")
	}))
	defer upstream.Close()

	p := newTestProxy(t)

	req := proxyRequest(t, "GET", upstream.URL+"/resource")
	req.Header.Set("Proxy-Authorization", "Basic secret")
	req.Header.Set("X-Custom", "kept")

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream header relayed")
	}
	if rec.Body.String() != "created" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if seen.Get("Proxy-Authorization") != "" {
		t.Error("hop-by-hop header leaked upstream")
	}
	if seen.Get("X-Custom") != "kept" {
		t.Error("end-to-end header dropped")
	}
	if got := p.Hub.AllowedCount(); got != 1 {
		t.Errorf("AllowedCount = %d, want 1", got)
	}
}

func TestProxy_UpstreamFailureReturns502(t *testing.T) {
	// Grab a port that nothing listens on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadAddr := l.Addr().String()
	_ = l.Close()

	p := newTestProxy(t)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest(t, "GET", "http://"+deadAddr+"/x"))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "upstream request failed") {
		t.Errorf("body = %q", rec.Body.String())
	}
	// The failure happened after the allow decision.
	if got := p.Hub.AllowedCount(); got != 1 {
		t.Errorf("AllowedCount = %d, want 1", got)
	}
}

func TestProxy_SuggestsButForwards(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "pixel")
	}))
	defer upstream.Close()

	u, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatal(err)
	}
	host := u.Hostname()

	p := newTestProxy(t)

	rawURL := upstream.URL + "/pixel/track/123456789012?utm_source=a&fbclid=b&gclid=c"
	req := proxyRequest(t, "GET", rawURL)
	req.Header.Set("Referer", "https://news.site.org/article")

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	// A suggestion never blocks: the request still reaches the upstream.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "pixel" {
		t.Errorf("body = %q", rec.Body.String())
	}

	suggestions := p.Hub.Suggestions()
	if len(suggestions) != 1 || suggestions[0] != host {
		t.Errorf("Suggestions() = %v, want [%s]", suggestions, host)
	}
	detections, _, _ := p.Hub.Classifier().Stats()
	if detections != 1 {
		t.Errorf("detections = %d, want 1", detections)
	}

	var flagged bool
	for _, line := range p.Hub.Logs() {
		if strings.Contains(line, "AI flagged possible tracker: "+host) {
			flagged = true
		}
	}
	if !flagged {
		t.Error("expected suggestion log entry")
	}
}

func TestProxy_RequestLoggingToggle(t *testing.T) {
	p := newTestProxy(t)
	if err := p.Hub.AddTracker("ads.example.com"); err != nil {
		t.Fatal(err)
	}
	p.Hub.DisableLogging()

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest(t, "GET", "http://ads.example.com/banner.js"))

	for _, line := range p.Hub.Logs() {
		if strings.Contains(line, "GET ads.example.com") {
			t.Errorf("request logged while logging disabled: %q", line)
		}
	}

	p.Hub.EnableLogging()
	rec = httptest.NewRecorder()
	p.ServeHTTP(rec, proxyRequest(t, "GET", "http://ads.example.com/banner.js"))

	var logged bool
	for _, line := range p.Hub.Logs() {
		if strings.Contains(line, "GET ads.example.com /banner.js") {
			logged = true
		}
	}
	if !logged {
		t.Error("expected METHOD HOST PATH log line")
	}
}

func TestProxy_ConnectTunnel(t *testing.T) {
	upstream := startEchoServer(t)

	p := newTestProxy(t)
	srv := httptest.NewServer(p)
	defer srv.Close()

	conn := dialConnect(t, srv, upstream, http.StatusOK)
	defer func() { _ = conn.Close() }()

	// Bytes relay opaquely in both directions.
	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Errorf("echo = %q, want hello", buf)
	}

	if got := p.Hub.AllowedCount(); got != 1 {
		t.Errorf("AllowedCount = %d, want 1", got)
	}
}

func TestProxy_ConnectBlocked(t *testing.T) {
	upstream := startEchoServer(t)

	p := newTestProxy(t)
	host, _, err := net.SplitHostPort(upstream)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Hub.AddTracker(host); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(p)
	defer srv.Close()

	conn := dialConnect(t, srv, upstream, http.StatusForbidden)
	_ = conn.Close()

	if got := p.Hub.BlockedCount(); got != 1 {
		t.Errorf("BlockedCount = %d, want 1", got)
	}
}

func TestProxy_ConnectTunnelsWhileDisabled(t *testing.T) {
	upstream := startEchoServer(t)

	p := newTestProxy(t)
	p.Hub.DisableProxy()

	srv := httptest.NewServer(p)
	defer srv.Close()

	conn := dialConnect(t, srv, upstream, http.StatusOK)
	defer func() { _ = conn.Close() }()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}

	// Transparent passthrough records nothing.
	if got := p.Hub.AllowedCount() + p.Hub.BlockedCount(); got != 0 {
		t.Errorf("recorded %d requests while disabled", got)
	}
}

func TestProxy_LocalEndpoints(t *testing.T) {
	p := newTestProxy(t)
	p.Metrics = NewMetrics()
	p.HealthChecker = NewHealthChecker()
	p.HealthChecker.SetAlive(true)
	p.HealthChecker.SetReady(true)
	p.Admin = NewAdminAPI(p.Hub)

	tests := []struct {
		path string
		want int
	}{
		{"/metrics", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/api/status", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("GET", tt.path, nil)
			p.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.want)
			}
		})
	}
}

// startEchoServer runs a TCP echo server for tunnel tests and returns its
// address. It stops when the test ends.
func startEchoServer(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer func() { _ = c.Close() }()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()

	return l.Addr().String()
}

// dialConnect opens a raw connection to the proxy, issues a CONNECT for
// authority, and asserts the response status.
func dialConnect(t *testing.T, srv *httptest.Server, authority string, wantStatus int) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", authority, authority)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, &http.Request{Method: http.MethodConnect})
	if err != nil {
		_ = conn.Close()
		t.Fatalf("read CONNECT response: %v", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != wantStatus {
		_ = conn.Close()
		t.Fatalf("CONNECT status = %d, want %d", resp.StatusCode, wantStatus)
	}
	return conn
}
