package detrack

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"os"
	"strings"
	"sync"
)

// Classifier is a heuristic tracker detector. It scores requests on a
// weighted set of URL-derived features and caches verdicts per URL. It never
// blocks traffic itself; positive verdicts only feed the suggestion queue
// for human review, and human feedback corrects future verdicts through the
// known-tracker / known-legitimate lists.
type Classifier struct {
	mu sync.Mutex

	enabled   bool
	threshold float64
	weights   FeatureWeights

	knownTrackers   map[string]struct{}
	knownLegitimate map[string]struct{}

	// decisionCache is keyed by full request URL. Feedback eviction uses
	// the domain as the key, so it only hits entries whose key is the bare
	// domain; a host-keyed cache would match feedback intent better but
	// this keeps the finer per-URL granularity.
	decisionCache map[string]bool

	detections     int
	falsePositives int
	falseNegatives int
}

// FeatureWeights holds the per-feature contribution weights for confidence
// scoring. The zero value is not useful; use DefaultFeatureWeights.
type FeatureWeights struct {
	TrackingParam      float64 `json:"tracking_param"`
	SuspiciousPath     float64 `json:"suspicious_path"`
	NumericID          float64 `json:"numeric_id"`
	DomainEntropy      float64 `json:"domain_entropy"`
	ThirdParty         float64 `json:"third_party"`
	SuspiciousKeywords float64 `json:"suspicious_keywords"`
	PathDepth          float64 `json:"path_depth"`
	QueryCount         float64 `json:"query_count"`
}

// DefaultFeatureWeights returns the stock weight configuration.
func DefaultFeatureWeights() FeatureWeights {
	return FeatureWeights{
		TrackingParam:      0.7,
		SuspiciousPath:     0.5,
		NumericID:          0.3,
		DomainEntropy:      0.4,
		ThirdParty:         0.6,
		SuspiciousKeywords: 0.8,
		PathDepth:          0.2,
		QueryCount:         0.3,
	}
}

// requestFeatures is the per-request feature vector. Derived, never stored.
type requestFeatures struct {
	hasTrackingParams     bool
	hasSuspiciousPath     bool
	hasNumericID          bool
	domainEntropy         float64
	isThirdParty          bool
	hasSuspiciousKeywords bool
	pathDepth             int
	queryParamCount       int
}

// confidenceDivisor normalizes the raw weighted sum into [0,1]. It is an
// empirically chosen constant, not a count of active features.
const confidenceDivisor = 3.0

// DefaultConfidenceThreshold is the stock verdict threshold.
const DefaultConfidenceThreshold = 0.65

var suspiciousPathFragments = []string{
	"/pixel", "/track", "/collect", "/beacon",
	"/1x1.gif", "/1x1.png", "/impression",
}

var suspiciousKeywords = []string{
	"analytics", "tracker", "pixel", "stat",
	"metrics", "telemetry", "beacon", "counter",
}

var trackingParamFragments = []string{
	"utm_", "fbclid", "gclid", "msclkid", "dclid", "twclid", "_ga", "ref",
}

// NewClassifier creates an enabled classifier with default weights and
// threshold.
func NewClassifier() *Classifier {
	return &Classifier{
		enabled:         true,
		threshold:       DefaultConfidenceThreshold,
		weights:         DefaultFeatureWeights(),
		knownTrackers:   make(map[string]struct{}),
		knownLegitimate: make(map[string]struct{}),
		decisionCache:   make(map[string]bool),
	}
}

// Enable turns heuristic detection on.
func (c *Classifier) Enable() {
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
}

// Disable turns heuristic detection off. While disabled, IsLikelyTracker
// always returns false without touching the cache or statistics.
func (c *Classifier) Disable() {
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
}

// Enabled reports whether heuristic detection is on.
func (c *Classifier) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// SetThreshold sets the confidence threshold, clamped to [0,1].
func (c *Classifier) SetThreshold(t float64) {
	c.mu.Lock()
	c.threshold = math.Max(0, math.Min(1, t))
	c.mu.Unlock()
}

// Threshold returns the current confidence threshold.
func (c *Classifier) Threshold() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threshold
}

// IsLikelyTracker reports whether the request looks like a tracker.
// The verdict is cached by full URL; cache hits return with no side effects.
// Known-tracker and known-legitimate hosts short-circuit feature scoring.
// referer may be empty when the client sent none.
func (c *Classifier) IsLikelyTracker(rawURL, host, referer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return false
	}

	if verdict, ok := c.decisionCache[rawURL]; ok {
		return verdict
	}

	if _, ok := c.knownTrackers[host]; ok {
		c.decisionCache[rawURL] = true
		c.detections++
		return true
	}
	if _, ok := c.knownLegitimate[host]; ok {
		c.decisionCache[rawURL] = false
		return false
	}

	features := extractFeatures(rawURL, host, referer)
	confidence := c.confidence(features)

	verdict := confidence >= c.threshold
	c.decisionCache[rawURL] = verdict
	if verdict {
		c.detections++
	}

	return verdict
}

// ReportFalsePositive records that a flagged domain is actually legitimate.
// The domain moves to the known-legitimate list, leaves the known-tracker
// list, and any cache entry keyed exactly by the domain is evicted.
func (c *Classifier) ReportFalsePositive(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.falsePositives++
	c.knownLegitimate[domain] = struct{}{}
	delete(c.knownTrackers, domain)
	delete(c.decisionCache, domain)
}

// ReportFalseNegative records that an unflagged domain is actually a
// tracker. Symmetric with ReportFalsePositive.
func (c *Classifier) ReportFalseNegative(domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.falseNegatives++
	c.knownTrackers[domain] = struct{}{}
	delete(c.knownLegitimate, domain)
	delete(c.decisionCache, domain)
}

// Stats returns the detection, false-positive, and false-negative counters.
func (c *Classifier) Stats() (detections, falsePositives, falseNegatives int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detections, c.falsePositives, c.falseNegatives
}

// ResetStats zeroes all three counters without touching the cache or the
// known lists.
func (c *Classifier) ResetStats() {
	c.mu.Lock()
	c.detections = 0
	c.falsePositives = 0
	c.falseNegatives = 0
	c.mu.Unlock()
}

// ClearCache drops all cached verdicts.
func (c *Classifier) ClearCache() {
	c.mu.Lock()
	c.decisionCache = make(map[string]bool)
	c.mu.Unlock()
}

// DetectedDomains returns all cache keys with a positive cached verdict.
func (c *Classifier) DetectedDomains() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var detected []string
	for key, verdict := range c.decisionCache {
		if verdict {
			detected = append(detected, key)
		}
	}
	return detected
}

// confidence computes the weighted score for a feature vector, normalized
// to [0,1].
func (c *Classifier) confidence(f requestFeatures) float64 {
	var score float64

	if f.hasTrackingParams {
		score += c.weights.TrackingParam
	}
	if f.hasSuspiciousPath {
		score += c.weights.SuspiciousPath
	}
	if f.hasNumericID {
		score += c.weights.NumericID
	}

	score += math.Min(f.domainEntropy/4.5, 1.0) * c.weights.DomainEntropy

	if f.isThirdParty {
		score += c.weights.ThirdParty
	}
	if f.hasSuspiciousKeywords {
		score += c.weights.SuspiciousKeywords
	}

	score += math.Min(float64(f.pathDepth)/10.0, 1.0) * c.weights.PathDepth
	score += math.Min(float64(f.queryParamCount)/20.0, 1.0) * c.weights.QueryCount

	return math.Min(score/confidenceDivisor, 1.0)
}

// extractFeatures derives the feature vector for a request. An unparseable
// URL yields the zero vector rather than an error.
func extractFeatures(rawURL, host, referer string) requestFeatures {
	u, err := url.Parse(rawURL)
	if err != nil {
		return requestFeatures{}
	}

	var f requestFeatures

	for name, values := range u.Query() {
		f.queryParamCount += len(values)
		key := strings.ToLower(name)
		for _, frag := range trackingParamFragments {
			if strings.Contains(key, frag) {
				f.hasTrackingParams = true
				break
			}
		}
	}

	path := u.Path
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		f.pathDepth++
		if len(seg) > 5 && isAllDigits(seg) {
			f.hasNumericID = true
		}
	}

	for _, frag := range suspiciousPathFragments {
		if strings.Contains(path, frag) {
			f.hasSuspiciousPath = true
			break
		}
	}

	f.domainEntropy = shannonEntropy(host)
	f.isThirdParty = isThirdParty(host, referer)

	lower := strings.ToLower(rawURL)
	for _, kw := range suspiciousKeywords {
		if strings.Contains(lower, kw) {
			f.hasSuspiciousKeywords = true
			break
		}
	}

	return f
}

// isThirdParty reports whether host and the Referer host lack a suffix
// relationship. With no parseable Referer the result is false: absence means
// "cannot determine", which this heuristic treats the same as same-party.
func isThirdParty(host, referer string) bool {
	if referer == "" {
		return false
	}
	ru, err := url.Parse(referer)
	if err != nil {
		return true
	}
	refHost := ru.Hostname()
	if refHost == "" {
		return true
	}
	return !strings.HasSuffix(host, refHost) && !strings.HasSuffix(refHost, host)
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// shannonEntropy computes the Shannon entropy in bits of the lowercase form
// of s. The empty string has zero entropy.
func shannonEntropy(s string) float64 {
	s = strings.ToLower(s)
	if len(s) == 0 {
		return 0
	}

	counts := make(map[rune]int)
	total := 0
	for _, r := range s {
		counts[r]++
		total++
	}

	var entropy float64
	for _, n := range counts {
		p := float64(n) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// classifierState is the versioned on-disk snapshot of learned parameters.
type classifierState struct {
	Version         int            `json:"version"`
	Enabled         bool           `json:"enabled"`
	Threshold       float64        `json:"threshold"`
	Weights         FeatureWeights `json:"weights"`
	KnownTrackers   []string       `json:"known_trackers"`
	KnownLegitimate []string       `json:"known_legitimate"`
	Detections      int            `json:"detections"`
	FalsePositives  int            `json:"false_positives"`
	FalseNegatives  int            `json:"false_negatives"`
}

const classifierStateVersion = 1

// SaveState writes the classifier's learned parameters (weights, known
// lists, statistics) as a versioned JSON document. The decision cache is
// transient and not persisted.
func (c *Classifier) SaveState(path string) error {
	c.mu.Lock()
	state := classifierState{
		Version:         classifierStateVersion,
		Enabled:         c.enabled,
		Threshold:       c.threshold,
		Weights:         c.weights,
		KnownTrackers:   keys(c.knownTrackers),
		KnownLegitimate: keys(c.knownLegitimate),
		Detections:      c.detections,
		FalsePositives:  c.falsePositives,
		FalseNegatives:  c.falseNegatives,
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode classifier state: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write classifier state: %w", err)
	}
	return nil
}

// LoadState restores learned parameters from a snapshot written by
// SaveState. A missing file leaves the classifier untouched.
func (c *Classifier) LoadState(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read classifier state: %w", err)
	}

	var state classifierState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode classifier state: %w", err)
	}
	if state.Version != classifierStateVersion {
		return fmt.Errorf("unsupported classifier state version: %d", state.Version)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.enabled = state.Enabled
	c.threshold = math.Max(0, math.Min(1, state.Threshold))
	c.weights = state.Weights
	c.knownTrackers = toSet(state.KnownTrackers)
	c.knownLegitimate = toSet(state.KnownLegitimate)
	c.detections = state.Detections
	c.falsePositives = state.FalsePositives
	c.falseNegatives = state.FalseNegatives

	return nil
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func toSet(list []string) map[string]struct{} {
	m := make(map[string]struct{}, len(list))
	for _, s := range list {
		m[s] = struct{}{}
	}
	return m
}
