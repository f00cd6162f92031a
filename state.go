package detrack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DomainStat aggregates request activity for a single observed host.
type DomainStat struct {
	Domain   string    `json:"domain"`
	Requests uint64    `json:"requests"`
	Blocked  uint64    `json:"blocked"`
	LastSeen time.Time `json:"last_seen"`
}

// DefaultLogCapacity bounds the in-memory log buffer.
const DefaultLogCapacity = 10000

// Hub is the shared coordination point between the proxy engine and the
// control surface. Every field sits behind its own lock (or an atomic), each
// operation is atomic from the outside, and no operation holds a lock across
// I/O or takes a second lock. Callers never see the locks themselves.
type Hub struct {
	proxyEnabled atomic.Bool
	logEnabled   atomic.Bool

	logMu       sync.Mutex
	logs        []string
	logCapacity int

	statsMu      sync.Mutex
	domainStats  map[string]*DomainStat
	allowedCount atomic.Uint64
	blockedCount atomic.Uint64

	bandwidthSaved atomic.Uint64

	suggestMu   sync.Mutex
	suggestions []string
	suggested   map[string]struct{}

	blocker    *BlockList
	classifier *Classifier
}

// NewHub creates a Hub wired to the given blocklist and classifier, with
// the proxy and logging toggles on.
func NewHub(blocker *BlockList, classifier *Classifier) *Hub {
	h := &Hub{
		logCapacity: DefaultLogCapacity,
		domainStats: make(map[string]*DomainStat),
		suggested:   make(map[string]struct{}),
		blocker:     blocker,
		classifier:  classifier,
	}
	h.proxyEnabled.Store(true)
	h.logEnabled.Store(true)
	return h
}

// SetLogCapacity adjusts the log buffer ceiling. Intended for configuration
// time; existing overflow is evicted on the next append.
func (h *Hub) SetLogCapacity(n int) {
	if n <= 0 {
		return
	}
	h.logMu.Lock()
	h.logCapacity = n
	h.logMu.Unlock()
}

// BlockList returns the hub's blocklist.
func (h *Hub) BlockList() *BlockList { return h.blocker }

// Classifier returns the hub's classifier.
func (h *Hub) Classifier() *Classifier { return h.classifier }

// EnableProxy turns traffic forwarding on.
func (h *Hub) EnableProxy() {
	h.proxyEnabled.Store(true)
	h.AppendLog("Proxy enabled")
}

// DisableProxy turns blocking policy off: CONNECT traffic still tunnels
// transparently but plain HTTP requests receive 503.
func (h *Hub) DisableProxy() {
	h.proxyEnabled.Store(false)
	h.AppendLog("Proxy disabled")
}

// ProxyEnabled reports the proxy toggle.
func (h *Hub) ProxyEnabled() bool { return h.proxyEnabled.Load() }

// EnableLogging turns request logging on.
func (h *Hub) EnableLogging() {
	h.logEnabled.Store(true)
	h.AppendLog("Logging enabled")
}

// DisableLogging turns request logging off.
func (h *Hub) DisableLogging() {
	h.logEnabled.Store(false)
	h.AppendLog("Logging disabled")
}

// LoggingEnabled reports the logging toggle.
func (h *Hub) LoggingEnabled() bool { return h.logEnabled.Load() }

// AppendLog timestamps the entry and pushes it onto the bounded buffer,
// evicting the oldest entry past capacity.
func (h *Hub) AppendLog(entry string) {
	stamped := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), entry)

	h.logMu.Lock()
	defer h.logMu.Unlock()

	h.logs = append(h.logs, stamped)
	for len(h.logs) > h.logCapacity {
		h.logs = h.logs[1:]
	}
}

// Logs returns a copy of the buffered log lines, oldest first.
func (h *Hub) Logs() []string {
	h.logMu.Lock()
	defer h.logMu.Unlock()

	out := make([]string, len(h.logs))
	copy(out, h.logs)
	return out
}

// ClearLogs empties the log buffer.
func (h *Hub) ClearLogs() {
	h.logMu.Lock()
	h.logs = nil
	h.logMu.Unlock()
	h.AppendLog("Logs cleared")
}

// RecordRequest creates or updates the domain's stats and bumps the
// matching global counter. Atomic per domain under concurrent calls.
func (h *Hub) RecordRequest(domain string, blocked bool) {
	h.statsMu.Lock()
	stat, ok := h.domainStats[domain]
	if !ok {
		stat = &DomainStat{Domain: domain}
		h.domainStats[domain] = stat
	}
	stat.Requests++
	if blocked {
		stat.Blocked++
	}
	stat.LastSeen = time.Now()
	h.statsMu.Unlock()

	if blocked {
		h.blockedCount.Add(1)
	} else {
		h.allowedCount.Add(1)
	}
}

// DomainStats returns a copy of the per-domain statistics.
func (h *Hub) DomainStats() map[string]DomainStat {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()

	out := make(map[string]DomainStat, len(h.domainStats))
	for d, s := range h.domainStats {
		out[d] = *s
	}
	return out
}

// AllowedCount returns the number of allowed requests.
func (h *Hub) AllowedCount() uint64 { return h.allowedCount.Load() }

// BlockedCount returns the number of blocked requests.
func (h *Hub) BlockedCount() uint64 { return h.blockedCount.Load() }

// TrackBandwidth accumulates bytes saved by blocking. Only blocked requests
// count; the counter never decreases.
func (h *Hub) TrackBandwidth(bytes uint64, blocked bool) {
	if blocked {
		h.bandwidthSaved.Add(bytes)
	}
}

// BandwidthSaved returns the total bytes not transferred due to blocking.
func (h *Hub) BandwidthSaved() uint64 { return h.bandwidthSaved.Load() }

// ResetStats zeroes domain stats, the global counters, and the bandwidth
// counter.
func (h *Hub) ResetStats() {
	h.statsMu.Lock()
	h.domainStats = make(map[string]*DomainStat)
	h.statsMu.Unlock()

	h.allowedCount.Store(0)
	h.blockedCount.Store(0)
	h.bandwidthSaved.Store(0)

	h.AppendLog("Statistics reset")
}

// AddTracker adds a domain to the blocklist and persists it. Persistence
// failures surface to the caller; losing a user-requested add silently
// would be worse than a visible failure.
func (h *Hub) AddTracker(domain string) error {
	if err := h.blocker.Add(domain); err != nil {
		return fmt.Errorf("add tracker: %w", err)
	}
	h.AppendLog("Added tracker: " + domain)
	return nil
}

// RemoveTracker removes a domain from the blocklist and persists it.
func (h *Hub) RemoveTracker(domain string) error {
	if err := h.blocker.Remove(domain); err != nil {
		return fmt.Errorf("remove tracker: %w", err)
	}
	h.AppendLog("Removed tracker: " + domain)
	return nil
}

// Trackers returns the blocklist entries, sorted.
func (h *Hub) Trackers() []string {
	return h.blocker.Domains()
}

// AddSuggestion enqueues a classifier-flagged domain for human review.
// Duplicates are ignored; insertion order is preserved.
func (h *Hub) AddSuggestion(domain string) {
	h.suggestMu.Lock()
	defer h.suggestMu.Unlock()

	if _, ok := h.suggested[domain]; ok {
		return
	}
	h.suggested[domain] = struct{}{}
	h.suggestions = append(h.suggestions, domain)
}

// Suggestions returns the pending suggestions in insertion order.
func (h *Hub) Suggestions() []string {
	h.suggestMu.Lock()
	defer h.suggestMu.Unlock()

	out := make([]string, len(h.suggestions))
	copy(out, h.suggestions)
	return out
}

// ClearSuggestions drops all pending suggestions without feedback.
func (h *Hub) ClearSuggestions() {
	h.suggestMu.Lock()
	h.suggestions = nil
	h.suggested = make(map[string]struct{})
	h.suggestMu.Unlock()
}

// ApproveSuggestion promotes a suggested domain to the blocklist and
// reports it to the classifier as a confirmed tracker. The suggestion is
// removed whether or not it was pending; approving an unknown domain still
// blocks it.
func (h *Hub) ApproveSuggestion(domain string) error {
	h.removeSuggestion(domain)

	if err := h.blocker.Add(domain); err != nil {
		return fmt.Errorf("approve suggestion: %w", err)
	}
	h.classifier.ReportFalseNegative(domain)
	h.AppendLog("Approved suggestion: " + domain)
	return nil
}

// RejectSuggestion removes a suggested domain and reports it to the
// classifier as legitimate.
func (h *Hub) RejectSuggestion(domain string) {
	h.removeSuggestion(domain)
	h.classifier.ReportFalsePositive(domain)
	h.AppendLog("Rejected suggestion: " + domain)
}

func (h *Hub) removeSuggestion(domain string) {
	h.suggestMu.Lock()
	defer h.suggestMu.Unlock()

	if _, ok := h.suggested[domain]; !ok {
		return
	}
	delete(h.suggested, domain)
	for i, s := range h.suggestions {
		if s == domain {
			h.suggestions = append(h.suggestions[:i], h.suggestions[i+1:]...)
			break
		}
	}
}
