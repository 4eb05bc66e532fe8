package extract

import (
	"strings"
	"testing"
)

func TestExtractText(t *testing.T) {
	e := New()

	got, err := e.Extract(TypeText, []byte("  Mitosis   has\tfour phases.\n\n\n\nProphase comes first.  "))
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	want := "Mitosis has four phases.\n\nProphase comes first."
	if got != want {
		t.Errorf("Extract() = %q, want %q", got, want)
	}
}

func TestExtractHTML(t *testing.T) {
	e := New()

	doc := `<!DOCTYPE html>
<html>
<head><title>ignored</title><style>body { color: red; }</style></head>
<body>
<script>console.log("ignored");</script>
<h1>Photosynthesis</h1>
<p>Plants convert <b>light</b> into chemical energy.</p>
</body>
</html>`

	got, err := e.Extract(TypeHTML, []byte(doc))
	if err != nil {
		t.Fatalf("Extract() error: %v", err)
	}
	for _, want := range []string{"Photosynthesis", "Plants convert", "light", "chemical energy"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q: %q", want, got)
		}
	}
	for _, banned := range []string{"console.log", "color: red", "ignored"} {
		if strings.Contains(got, banned) {
			t.Errorf("output leaked %q: %q", banned, got)
		}
	}
}

func TestExtractSniffs(t *testing.T) {
	e := New()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"html by doctype", "<!DOCTYPE html><html><body>hello</body></html>", "hello"},
		{"plain text fallback", "just some notes", "just some notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Extract("", []byte(tt.content))
			if err != nil {
				t.Fatalf("Extract() error: %v", err)
			}
			if !strings.Contains(got, tt.want) {
				t.Errorf("Extract() = %q, want containing %q", got, tt.want)
			}
		})
	}
}

func TestExtractErrors(t *testing.T) {
	e := New()

	if _, err := e.Extract(TypeText, nil); err == nil {
		t.Error("expected error for empty document")
	}
	if _, err := e.Extract("docx", []byte("data")); err == nil {
		t.Error("expected error for unsupported content type")
	}
	// A document claiming to be PDF without a valid structure must fail,
	// not return garbage.
	if _, err := e.Extract(TypePDF, []byte("%PDF-1.4 truncated")); err == nil {
		t.Error("expected error for corrupt pdf")
	}
}
