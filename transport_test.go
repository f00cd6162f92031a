package detrack

import (
	"net/http"
	"sync"
	"testing"
)

func TestTransportPool_ReusesTransport(t *testing.T) {
	tp := NewTransportPool()

	first := tp.Transport()
	second := tp.Transport()
	if first != second {
		t.Error("expected the same transport on repeated calls")
	}

	ht, ok := first.(*http.Transport)
	if !ok {
		t.Fatalf("transport type = %T", first)
	}
	if ht.MaxIdleConns != 200 || ht.MaxIdleConnsPerHost != 10 {
		t.Errorf("pool sizing = %d/%d", ht.MaxIdleConns, ht.MaxIdleConnsPerHost)
	}

	tp.CloseIdleConnections()
}

func TestTransportPool_ConcurrentFirstUse(t *testing.T) {
	tp := NewTransportPool()

	// First use from many goroutines at once, as concurrent request
	// handlers would do. Must be race-free and leave one settled transport.
	var wg sync.WaitGroup
	transports := make([]http.RoundTripper, 8)
	for i := range transports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			transports[i] = tp.Transport()
		}(i)
	}
	wg.Wait()

	for _, rt := range transports {
		if rt == nil {
			t.Fatal("nil transport")
		}
	}

	settled := tp.Transport()
	if settled != tp.Transport() {
		t.Error("transport did not settle after concurrent first use")
	}
}

func TestTransportPool_RebuildReplacesTransport(t *testing.T) {
	tp := NewTransportPool()

	first := tp.Build()
	tp.MaxIdleConnsPerHost = 20
	second := tp.Build()

	if first == second {
		t.Fatal("expected a fresh transport from rebuild")
	}
	if second.MaxIdleConnsPerHost != 20 {
		t.Errorf("MaxIdleConnsPerHost = %d, want 20", second.MaxIdleConnsPerHost)
	}
	if got := tp.Transport(); got != http.RoundTripper(second) {
		t.Error("expected the rebuilt transport to be installed")
	}
}
