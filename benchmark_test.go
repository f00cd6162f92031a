package detrack

import (
	"fmt"
	"path/filepath"
	"testing"
)

// =============================================================================
// Blocklist Benchmarks
// =============================================================================

func benchBlockList(b *testing.B, n int) *BlockList {
	b.Helper()
	bl, err := NewBlockList(filepath.Join(b.TempDir(), "trackers.txt"))
	if err != nil {
		b.Fatalf("NewBlockList failed: %v", err)
	}
	// Populate in memory only; per-Add persistence would dominate setup.
	for i := 0; i < n; i++ {
		bl.domains[fmt.Sprintf("tracker%d.example.com", i)] = struct{}{}
	}
	return bl
}

func BenchmarkIsBlocked_Hit(b *testing.B) {
	bl := benchBlockList(b, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl.IsBlocked("tracker500.example.com")
	}
}

func BenchmarkIsBlocked_SuffixHit(b *testing.B) {
	bl := benchBlockList(b, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl.IsBlocked("cdn.tracker500.example.com")
	}
}

func BenchmarkIsBlocked_Miss(b *testing.B) {
	bl := benchBlockList(b, 1000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl.IsBlocked("allowed.example.org")
	}
}

func BenchmarkIsBlocked_Parallel(b *testing.B) {
	bl := benchBlockList(b, 1000)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			bl.IsBlocked("cdn.tracker500.example.com")
		}
	})
}

func BenchmarkCleanURL(b *testing.B) {
	bl := benchBlockList(b, 0)
	raw := "https://example.com/page?utm_source=x&id=1&fbclid=abc&utm_campaign=y&q=search"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		bl.CleanURL(raw)
	}
}

// =============================================================================
// Classifier Benchmarks
// =============================================================================

func BenchmarkIsLikelyTracker_Fresh(b *testing.B) {
	c := NewClassifier()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		url := fmt.Sprintf("https://stat.example.net/pixel/%d?utm_source=x", i)
		c.IsLikelyTracker(url, "stat.example.net", "https://news.org/")
	}
}

func BenchmarkIsLikelyTracker_Cached(b *testing.B) {
	c := NewClassifier()
	c.IsLikelyTracker(trackerURL, trackerHost, trackerReferer)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.IsLikelyTracker(trackerURL, trackerHost, trackerReferer)
	}
}

func BenchmarkShannonEntropy(b *testing.B) {
	for i := 0; i < b.N; i++ {
		shannonEntropy("tracker-analytics.example.net")
	}
}

// =============================================================================
// Hub Benchmarks
// =============================================================================

func BenchmarkHubRecordRequest(b *testing.B) {
	bl, err := NewBlockList(filepath.Join(b.TempDir(), "trackers.txt"))
	if err != nil {
		b.Fatal(err)
	}
	h := NewHub(bl, NewClassifier())

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			h.RecordRequest("example.com", false)
		}
	})
}
