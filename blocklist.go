package detrack

import (
	"bufio"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// BlockList is a persistent set of blocked domains plus the vocabulary of
// tracking query parameters used for URL cleaning. Domain matching covers
// exact hosts and subdomains: blocking "example.com" also blocks
// "ads.example.com" but not "notexample.com".
//
// All entries are stored lowercase and trimmed. The backing file is plain
// UTF-8 text, one domain per line, with "#" comments; it is rewritten in
// full (sorted, with a generated header) on every mutation.
type BlockList struct {
	mu      sync.RWMutex
	domains map[string]struct{}
	path    string

	trackingParams map[string]struct{}
}

// defaultTrackingParams is the built-in tracking parameter vocabulary.
// These are query parameter names, independent of domain blocking.
var defaultTrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"fbclid", "gclid", "msclkid", "dclid", "twclid",
	"_ga", "_hsenc", "_openstat", "ref", "referrer", "source",
	"mc_cid", "mc_eid", // Mailchimp
	"wickedid", // Wicked Reports
	"yclid",    // Yandex
}

// NewBlockList loads a blocklist from the given file, creating the file
// (and any parent directories) when it does not exist. A missing file is
// bootstrap, not an error; only real filesystem failures are returned.
func NewBlockList(path string) (*BlockList, error) {
	bl := &BlockList{
		domains:        make(map[string]struct{}),
		path:           path,
		trackingParams: make(map[string]struct{}, len(defaultTrackingParams)),
	}
	for _, p := range defaultTrackingParams {
		bl.trackingParams[p] = struct{}{}
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create blocklist directory: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read blocklist: %w", err)
		}
		if err := os.WriteFile(path, nil, 0644); err != nil {
			return nil, fmt.Errorf("create blocklist: %w", err)
		}
		data = nil
	}

	for _, d := range parseDomainLines(strings.NewReader(string(data))) {
		bl.domains[d] = struct{}{}
	}

	return bl, nil
}

// parseDomainLines reads one domain per line, skipping blanks and "#"
// comments, normalizing to lowercase and trimming whitespace.
func parseDomainLines(r io.Reader) []string {
	var domains []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains = append(domains, strings.ToLower(line))
	}
	return domains
}

// IsBlocked reports whether the host is covered by the blocklist.
// An empty blocklist never blocks. Matching is case-insensitive: first an
// exact match, then a suffix match where host ends with "." + entry.
func (bl *BlockList) IsBlocked(host string) bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	if len(bl.domains) == 0 {
		return false
	}

	host = strings.ToLower(host)

	if _, ok := bl.domains[host]; ok {
		return true
	}

	for d := range bl.domains {
		if strings.HasSuffix(host, "."+d) {
			return true
		}
	}

	return false
}

// Add inserts a domain and persists the list. Adding an existing domain is
// a no-op. The in-memory insert is not rolled back if persistence fails.
func (bl *BlockList) Add(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()

	if _, ok := bl.domains[domain]; ok {
		return nil
	}
	bl.domains[domain] = struct{}{}

	return bl.saveLocked()
}

// Remove deletes a domain and persists the list. Removing an absent domain
// is a no-op, not an error.
func (bl *BlockList) Remove(domain string) error {
	domain = strings.ToLower(strings.TrimSpace(domain))

	bl.mu.Lock()
	defer bl.mu.Unlock()

	delete(bl.domains, domain)

	return bl.saveLocked()
}

// Domains returns all entries sorted lexicographically.
func (bl *BlockList) Domains() []string {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	return bl.sortedLocked()
}

// Count returns the number of blocked domains.
func (bl *BlockList) Count() int {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	return len(bl.domains)
}

// Reload re-reads the backing file, replacing the in-memory set. Used by
// the SIGHUP handler and the admin API after out-of-band file edits.
func (bl *BlockList) Reload() error {
	f, err := os.Open(bl.path)
	if err != nil {
		return fmt.Errorf("reload blocklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	domains := make(map[string]struct{})
	for _, d := range parseDomainLines(f) {
		domains[d] = struct{}{}
	}

	bl.mu.Lock()
	bl.domains = domains
	bl.mu.Unlock()

	return nil
}

// Import merges entries from another list file into the set, returning the
// number of newly added domains. Files ending in ".gz" are transparently
// decompressed. The list is persisted only when at least one domain was new.
func (bl *BlockList) Import(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open import file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return 0, fmt.Errorf("open gzip import: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	domains := parseDomainLines(r)

	bl.mu.Lock()
	defer bl.mu.Unlock()

	added := 0
	for _, d := range domains {
		if _, ok := bl.domains[d]; !ok {
			bl.domains[d] = struct{}{}
			added++
		}
	}

	if added > 0 {
		if err := bl.saveLocked(); err != nil {
			return added, err
		}
	}

	return added, nil
}

// Export writes a sorted snapshot of the current entries to a new file,
// with a header recording the export time and count. Files ending in ".gz"
// are written gzip-compressed. In-memory state is not mutated.
func (bl *BlockList) Export(path string) (int, error) {
	bl.mu.RLock()
	domains := bl.sortedLocked()
	bl.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create export file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		defer func() { _ = gz.Close() }()
		w = gz
	}

	header := fmt.Sprintf("# Exported tracker list\n# Exported: %s\n# Total domains: %d\n",
		time.Now().Format("2006-01-02 15:04:05"), len(domains))
	if _, err := io.WriteString(w, header); err != nil {
		return 0, fmt.Errorf("write export: %w", err)
	}
	for _, d := range domains {
		if _, err := io.WriteString(w, d+"\n"); err != nil {
			return 0, fmt.Errorf("write export: %w", err)
		}
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return 0, fmt.Errorf("write export: %w", err)
		}
	}

	return len(domains), nil
}

// IsTrackingParameter reports whether the query parameter name belongs to
// the tracking vocabulary.
func (bl *BlockList) IsTrackingParameter(name string) bool {
	bl.mu.RLock()
	defer bl.mu.RUnlock()

	_, ok := bl.trackingParams[strings.ToLower(name)]
	return ok
}

// AddTrackingParameter extends the tracking parameter vocabulary. Safe to
// call while the proxy is serving.
func (bl *BlockList) AddTrackingParameter(name string) {
	bl.mu.Lock()
	bl.trackingParams[strings.ToLower(name)] = struct{}{}
	bl.mu.Unlock()
}

// CleanURL removes tracking query parameters from a URL, preserving the
// relative order of the remaining parameters. Unparseable input is returned
// unchanged; cleaning never fails.
func (bl *BlockList) CleanURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if u.RawQuery == "" {
		return u.String()
	}

	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		name := pair
		if i := strings.IndexByte(pair, '='); i >= 0 {
			name = pair[:i]
		}
		decoded, err := url.QueryUnescape(name)
		if err != nil {
			decoded = name
		}
		if !bl.IsTrackingParameter(decoded) {
			kept = append(kept, pair)
		}
	}

	u.RawQuery = strings.Join(kept, "&")
	return u.String()
}

// saveLocked rewrites the backing file. Callers must hold bl.mu.
func (bl *BlockList) saveLocked() error {
	domains := bl.sortedLocked()

	var sb strings.Builder
	sb.WriteString("# Tracker list\n")
	sb.WriteString("# Updated: " + time.Now().Format("2006-01-02 15:04:05") + "\n")
	sb.WriteString("# Format: One domain per line\n")
	for _, d := range domains {
		sb.WriteString(d)
		sb.WriteByte('\n')
	}

	if err := os.WriteFile(bl.path, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("save blocklist: %w", err)
	}
	return nil
}

func (bl *BlockList) sortedLocked() []string {
	domains := make([]string, 0, len(bl.domains))
	for d := range bl.domains {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}
