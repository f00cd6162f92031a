package detrack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultBandwidthEstimate is the assumed transfer size of a blocked
// request, credited to the bandwidth-saved counter. Blocked responses are
// never fetched, so the true size is unknowable; this is a rough average
// for tracker/ad payloads.
const DefaultBandwidthEstimate = 50 * 1024

// Proxy is a forward HTTP/HTTPS proxy that blocks requests to known
// tracking domains. HTTPS traffic is tunneled opaquely via CONNECT and
// never decrypted; blocking decisions for tunnels are made on the CONNECT
// authority alone.
type Proxy struct {
	// Addr is the address to listen on (e.g., "127.0.0.1:8100").
	Addr string

	// Hub coordinates shared state between the proxy and the control
	// surface: toggles, logs, statistics, and the suggestion queue.
	Hub *Hub

	// BlockPage renders 403 bodies (optional, uses default if nil).
	BlockPage *BlockPage

	// Logger for proxy events.
	Logger *slog.Logger

	// Transport for outbound requests (optional, uses default if nil).
	Transport http.RoundTripper

	// TransportPool provides a connection-pooled transport (optional).
	// When set, its Transport() is used instead of the Transport field.
	TransportPool *TransportPool

	// Metrics collects Prometheus metrics (optional).
	Metrics *Metrics

	// HealthChecker provides /healthz and /readyz endpoints (optional).
	HealthChecker *HealthChecker

	// AccessLog writes structured access log entries (optional).
	AccessLog *AccessLogger

	// Admin provides REST endpoints for runtime control (optional).
	// Requests matching the AdminAPI.PathPrefix are routed to the admin
	// handler instead of being proxied.
	Admin *AdminAPI

	// BandwidthEstimate is the per-blocked-request byte credit for the
	// bandwidth-saved counter. Zero means DefaultBandwidthEstimate.
	BandwidthEstimate uint64

	listener net.Listener
	srv      *http.Server
}

// NewProxy creates a proxy wired to the given hub.
func NewProxy(addr string, hub *Hub) *Proxy {
	return &Proxy{
		Addr:   addr,
		Hub:    hub,
		Logger: slog.Default(),
	}
}

// ListenAndServe starts the proxy server.
func (p *Proxy) ListenAndServe() error {
	listener, err := net.Listen("tcp", p.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	p.listener = listener

	p.srv = &http.Server{
		Handler: p,
	}

	p.Logger.Info("proxy listening", "addr", p.Addr)
	p.Hub.AppendLog("Proxy server started on " + p.Addr)

	if p.HealthChecker != nil {
		p.HealthChecker.SetAlive(true)
		p.HealthChecker.SetReady(true)
	}

	return p.srv.Serve(listener)
}

// Shutdown gracefully stops the proxy.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.srv != nil {
		return p.srv.Shutdown(ctx)
	}
	return nil
}

// ServeHTTP handles incoming proxy requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Local endpoints take precedence over proxying for non-CONNECT
	// requests addressed to the proxy itself.
	if r.Method != http.MethodConnect {
		if p.Metrics != nil && r.URL.Path == "/metrics" && !r.URL.IsAbs() {
			p.Metrics.Handler().ServeHTTP(w, r)
			return
		}
		if p.HealthChecker != nil && !r.URL.IsAbs() {
			switch r.URL.Path {
			case "/healthz":
				p.HealthChecker.HandleHealthz(w, r)
				return
			case "/readyz":
				p.HealthChecker.HandleReadyz(w, r)
				return
			}
		}
		if p.Admin != nil && !r.URL.IsAbs() && strings.HasPrefix(r.URL.Path, p.Admin.PathPrefix) {
			p.Admin.ServeHTTP(w, r)
			return
		}
	}

	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

// targetHost extracts the hostname (without port) a request is addressed to.
func targetHost(r *http.Request) string {
	host := r.URL.Hostname()
	if host == "" {
		host = r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	if host == "" {
		return "unknown-host"
	}
	return strings.ToLower(host)
}

// logRequest appends a METHOD HOST PATH line to the hub's log buffer when
// request logging is enabled.
func (p *Proxy) logRequest(r *http.Request, host string) {
	if p.Hub.LoggingEnabled() {
		p.Hub.AppendLog(fmt.Sprintf("%s %s %s", r.Method, host, r.URL.Path))
	}
}

// suggest runs the heuristic classifier and, on a positive verdict,
// enqueues the host for human review. The verdict never blocks the request.
func (p *Proxy) suggest(rawURL, host, referer string) bool {
	c := p.Hub.Classifier()
	if c == nil || !c.Enabled() {
		return false
	}
	if !c.IsLikelyTracker(rawURL, host, referer) {
		return false
	}

	p.Hub.AddSuggestion(host)
	p.Hub.AppendLog("AI flagged possible tracker: " + host)
	if p.Metrics != nil {
		p.Metrics.RecordTrackerDetection()
		p.Metrics.SetSuggestionsPending(len(p.Hub.Suggestions()))
	}
	return true
}

// bandwidthPerBlock returns the byte credit for one blocked request.
func (p *Proxy) bandwidthPerBlock() uint64 {
	if p.BandwidthEstimate > 0 {
		return p.BandwidthEstimate
	}
	return DefaultBandwidthEstimate
}

// recordBlocked updates counters, logs, and metrics for a blocked request.
func (p *Proxy) recordBlocked(host string) {
	p.Hub.RecordRequest(host, true)
	p.Hub.TrackBandwidth(p.bandwidthPerBlock(), true)
	p.Hub.AppendLog("Blocked request to tracker: " + host)
	p.Logger.Info("blocked", "host", host)
	if p.Metrics != nil {
		p.Metrics.RecordBlocked()
		p.Metrics.RecordBandwidthSaved(p.bandwidthPerBlock())
	}
}

// writeBlockPage renders the 403 response body.
func (p *Proxy) writeBlockPage(w http.ResponseWriter, host, path string) {
	bp := p.BlockPage
	if bp == nil {
		bp = NewBlockPage()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_ = bp.Render(w, BlockPageData{
		Host:      host,
		Path:      path,
		Reason:    "known tracker",
		Timestamp: time.Now().Format(time.RFC1123),
	})
}

// handleConnect handles HTTPS CONNECT requests with an opaque bidirectional
// relay. Tunneled traffic is never inspected or decrypted.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := targetHost(r)
	authority := r.Host
	if authority == "" {
		http.Error(w, "CONNECT must name a host:port authority", http.StatusBadRequest)
		return
	}
	if !strings.Contains(authority, ":") {
		authority += ":443"
	}

	p.logRequest(r, host)

	// The disable toggle suspends blocking policy, not passthrough:
	// CONNECT traffic still tunnels while the proxy is on the wire.
	if p.Hub.ProxyEnabled() {
		if p.Hub.BlockList().IsBlocked(host) {
			p.recordBlocked(host)
			if p.AccessLog != nil {
				p.AccessLog.Log(AccessLogEntry{
					Timestamp:  time.Now(),
					Method:     r.Method,
					Host:       host,
					ClientAddr: r.RemoteAddr,
					Blocked:    true,
				})
			}
			http.Error(w, "Blocked request to tracker: "+host, http.StatusForbidden)
			return
		}

		suggested := p.suggest("https://"+host+"/", host, r.Header.Get("Referer"))
		p.Hub.RecordRequest(host, false)
		if p.Metrics != nil {
			p.Metrics.RecordRequest(r.Method, "tunneled")
		}
		if p.AccessLog != nil {
			p.AccessLog.Log(AccessLogEntry{
				Timestamp:  time.Now(),
				Method:     r.Method,
				Host:       host,
				ClientAddr: r.RemoteAddr,
				Tunnel:     true,
				Suggested:  suggested,
			})
		}
	} else if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "disabled")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		p.Logger.Error("hijack failed", "error", err)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		p.Logger.Error("write connect response", "error", err)
		_ = clientConn.Close()
		return
	}

	// The relay runs on its own goroutines so a long tunnel never blocks
	// accepting further connections.
	go p.tunnel(clientConn, authority)
}

// tunnel dials the authority and relays bytes in both directions until
// either side closes or errors. Closing both conns on the first error
// unblocks the opposite copy, so neither direction can hang.
func (p *Proxy) tunnel(clientConn net.Conn, authority string) {
	if p.Metrics != nil {
		p.Metrics.IncActiveTunnels()
		defer p.Metrics.DecActiveTunnels()
	}

	upstream, err := net.DialTimeout("tcp", authority, 30*time.Second)
	if err != nil {
		p.Logger.Error("tunnel dial failed", "authority", authority, "error", err)
		p.Hub.AppendLog(fmt.Sprintf("Tunnel error with %s: %v", authority, err))
		if p.Metrics != nil {
			p.Metrics.RecordTunnelError()
		}
		_ = clientConn.Close()
		return
	}

	done := make(chan struct{}, 2)
	relay := func(dst, src net.Conn) {
		_, err := io.Copy(dst, src)
		if err != nil {
			p.Logger.Debug("tunnel relay", "authority", authority, "error", err)
		}
		_ = dst.Close()
		_ = src.Close()
		done <- struct{}{}
	}

	go relay(upstream, clientConn)
	go relay(clientConn, upstream)
	<-done
	<-done
}

// handleHTTP handles plain HTTP requests (non-CONNECT).
func (p *Proxy) handleHTTP(w http.ResponseWriter, r *http.Request) {
	host := targetHost(r)

	p.logRequest(r, host)

	if !p.Hub.ProxyEnabled() {
		// Operator choice, not a block decision: counted as allowed.
		p.Hub.RecordRequest(host, false)
		if p.Metrics != nil {
			p.Metrics.RecordRequest(r.Method, "disabled")
		}
		http.Error(w, "Proxy is currently disabled", http.StatusServiceUnavailable)
		return
	}

	if p.Hub.BlockList().IsBlocked(host) {
		p.recordBlocked(host)
		if p.AccessLog != nil {
			p.AccessLog.Log(AccessLogEntry{
				Timestamp:  time.Now(),
				Method:     r.Method,
				Host:       host,
				Path:       r.URL.Path,
				ClientAddr: r.RemoteAddr,
				Blocked:    true,
			})
		}
		p.writeBlockPage(w, host, r.URL.Path)
		return
	}

	suggested := p.suggest(r.URL.String(), host, r.Header.Get("Referer"))

	p.Hub.RecordRequest(host, false)
	if p.Metrics != nil {
		p.Metrics.RecordRequest(r.Method, "allowed")
	}

	outReq := r.Clone(r.Context())
	if outReq.URL.Scheme == "" {
		outReq.URL.Scheme = "http"
	}
	if outReq.URL.Host == "" {
		outReq.URL.Host = r.Host
	}
	outReq.RequestURI = ""
	removeHopByHopHeaders(outReq.Header)

	start := time.Now()
	resp, err := p.transport().RoundTrip(outReq)
	if err != nil {
		p.Logger.Error("forward request", "host", host, "error", err)
		p.Hub.AppendLog(fmt.Sprintf("Failed to reach %s: %v", host, err))
		if p.Metrics != nil {
			p.Metrics.RecordUpstreamError(host)
		}
		http.Error(w, "upstream request failed: "+err.Error(), http.StatusBadGateway)
		if p.AccessLog != nil {
			p.AccessLog.Log(AccessLogEntry{
				Timestamp:  time.Now(),
				Method:     r.Method,
				Host:       host,
				Path:       r.URL.Path,
				StatusCode: http.StatusBadGateway,
				Duration:   time.Since(start),
				ClientAddr: r.RemoteAddr,
				Suggested:  suggested,
				Error:      err.Error(),
			})
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if p.Metrics != nil {
		p.Metrics.RecordRequestDuration(r.Method, resp.StatusCode, time.Since(start))
	}

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	written, _ := io.Copy(w, resp.Body)

	if p.AccessLog != nil {
		p.AccessLog.Log(AccessLogEntry{
			Timestamp:    time.Now(),
			Method:       r.Method,
			Host:         host,
			Path:         r.URL.Path,
			StatusCode:   resp.StatusCode,
			Duration:     time.Since(start),
			BytesWritten: written,
			ClientAddr:   r.RemoteAddr,
			Suggested:    suggested,
		})
	}
}

// transport returns the effective upstream RoundTripper.
func (p *Proxy) transport() http.RoundTripper {
	switch {
	case p.TransportPool != nil:
		return p.TransportPool.Transport()
	case p.Transport != nil:
		return p.Transport
	default:
		return http.DefaultTransport
	}
}

// Hop-by-hop headers that should not be forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(h http.Header) {
	for _, header := range hopByHopHeaders {
		h.Del(header)
	}
}
