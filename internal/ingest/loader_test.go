package ingest

import (
	"strings"
	"testing"
)

func TestExtractTextPlain(t *testing.T) {
	got, err := ExtractText("notes.txt", []byte("plain content"))
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	if got != "plain content" {
		t.Errorf("got %q", got)
	}

	// Unknown extensions pass through as text.
	got, err = ExtractText("data.csv", []byte("a,b,c"))
	if err != nil || got != "a,b,c" {
		t.Errorf("got (%q, %v)", got, err)
	}
}

func TestExtractTextHTML(t *testing.T) {
	page := `<html><head>
		<title>Handbook</title>
		<style>body { color: red }</style>
		<script>tracker()</script>
	</head><body>
		<h1>Vacation policy</h1>
		<p>Employees accrue <b>20</b> days.</p>
	</body></html>`

	got, err := ExtractText("policy.html", []byte(page))
	if err != nil {
		t.Fatalf("ExtractText: %v", err)
	}
	for _, want := range []string{"Vacation policy", "Employees accrue", "20", "days."} {
		if !strings.Contains(got, want) {
			t.Errorf("text %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "tracker") || strings.Contains(got, "color") {
		t.Errorf("script/style content leaked into %q", got)
	}
}

func TestExtractTextBadPDF(t *testing.T) {
	if _, err := ExtractText("broken.pdf", []byte("not a pdf")); err == nil {
		t.Error("malformed pdf should error")
	}
}
