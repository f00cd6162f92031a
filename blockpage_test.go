package detrack

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBlockPage_Default(t *testing.T) {
	bp := NewBlockPage()

	out, err := bp.RenderString(BlockPageData{
		Host:   "ads.example.com",
		Path:   "/banner.js",
		Reason: "known tracker",
	})
	if err != nil {
		t.Fatalf("RenderString failed: %v", err)
	}

	for _, want := range []string{"ads.example.com", "/banner.js", "known tracker", "Request Blocked"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in rendered page", want)
		}
	}
}

func TestBlockPage_EscapesHTML(t *testing.T) {
	bp := NewBlockPage()

	out, err := bp.RenderString(BlockPageData{Host: "<script>alert(1)</script>"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, "<script>alert(1)</script>") {
		t.Error("host must be HTML-escaped")
	}
}

func TestBlockPage_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.html")
	if err := os.WriteFile(path, []byte("blocked: {{.Host}}"), 0644); err != nil {
		t.Fatal(err)
	}

	bp, err := NewBlockPageFromFile(path)
	if err != nil {
		t.Fatalf("NewBlockPageFromFile failed: %v", err)
	}

	out, err := bp.RenderString(BlockPageData{Host: "x.com"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "blocked: x.com" {
		t.Errorf("out = %q", out)
	}
}

func TestBlockPage_InvalidTemplate(t *testing.T) {
	if _, err := NewBlockPageFromString("{{.Unclosed"); err == nil {
		t.Error("expected parse error")
	}
}
