package detrack

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"
)

// TransportPool provides a pooled HTTP transport for upstream forwarding.
// It wraps [http.Transport] with defaults suited to a forward proxy
// workload and bounds upstream connects and header reads with timeouts so a
// hung upstream cannot hold a request task indefinitely.
//
// The built transport sits behind an atomic pointer, so Transport is safe
// to call from concurrent request handlers.
type TransportPool struct {
	// MaxIdleConns is the total maximum number of idle connections
	// across all hosts. Zero means the default (100).
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum number of idle connections
	// per host. Zero means the default (2 per host).
	MaxIdleConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the
	// pool before being closed.
	IdleConnTimeout time.Duration

	// DialTimeout bounds upstream TCP dials.
	DialTimeout time.Duration

	// ResponseHeaderTimeout bounds the wait for upstream response
	// headers after the request has been written. Zero means no timeout.
	ResponseHeaderTimeout time.Duration

	transport atomic.Pointer[http.Transport]
}

// NewTransportPool creates a TransportPool with forward-proxy defaults.
func NewTransportPool() *TransportPool {
	return &TransportPool{
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		DialTimeout:           30 * time.Second,
		ResponseHeaderTimeout: 60 * time.Second,
	}
}

// Build constructs a transport from the current settings and installs it,
// replacing any previous one. Concurrent builds are safe; the replaced
// transport has its idle connections closed.
func (tp *TransportPool) Build() *http.Transport {
	dialTimeout := tp.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 30 * time.Second
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          tp.MaxIdleConns,
		MaxIdleConnsPerHost:   tp.MaxIdleConnsPerHost,
		IdleConnTimeout:       tp.IdleConnTimeout,
		ResponseHeaderTimeout: tp.ResponseHeaderTimeout,
	}

	if old := tp.transport.Swap(t); old != nil {
		old.CloseIdleConnections()
	}

	return t
}

// Transport returns the pooled RoundTripper. If Build has not been called,
// it is called automatically.
func (tp *TransportPool) Transport() http.RoundTripper {
	if t := tp.transport.Load(); t != nil {
		return t
	}
	return tp.Build()
}

// CloseIdleConnections closes idle pooled connections.
func (tp *TransportPool) CloseIdleConnections() {
	if t := tp.transport.Load(); t != nil {
		t.CloseIdleConnections()
	}
}
