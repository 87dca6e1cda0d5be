package format

import (
	"strings"
	"testing"
	"unicode/utf8"

	"kworkbot/internal/marketplace"
)

func TestOffersLabelBoundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		offers int
		want   string
	}{
		{0, "Actual!"},
		{4, "Actual!"},
		{5, "50/50"},
		{10, "50/50"},
		{11, "not actual"},
		{200, "not actual"},
	}
	for _, tt := range tests {
		got := OffersLabel(tt.offers)
		if !strings.Contains(got, tt.want) {
			t.Fatalf("OffersLabel(%d) = %q, want tag containing %q", tt.offers, got, tt.want)
		}
	}
	if strings.Contains(OffersLabel(4), "not actual") {
		t.Fatalf("OffersLabel(4) must not be tagged not actual")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 3000)
	got := Truncate(long, MaxDescription)
	if want := strings.Repeat("a", MaxDescription) + "…"; got != want {
		t.Fatalf("Truncate(3000 chars) len=%d, want 2500 chars + ellipsis", utf8.RuneCountInString(got))
	}

	short := strings.Repeat("b", 2000)
	if got := Truncate(short, MaxDescription); got != short {
		t.Fatalf("Truncate(2000 chars) changed the text")
	}

	exact := strings.Repeat("c", MaxDescription)
	if got := Truncate(exact, MaxDescription); got != exact {
		t.Fatalf("Truncate(exactly max) must not append an ellipsis")
	}

	// Cyrillic is multi-byte; the cap counts characters, not bytes.
	cyr := strings.Repeat("ж", 10)
	if got := Truncate(cyr, 4); got != "жжжж…" {
		t.Fatalf("Truncate(cyrillic) = %q", got)
	}
}

func TestCleanText(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "br variants", in: "a<br>b<BR/>c<br />d", want: "a\nb\nc\nd"},
		{name: "entities", in: "Tom &amp; Jerry &quot;ok&quot; &#39;x&#39;", want: `Tom & Jerry "ok" 'x'`},
		{name: "trim", in: "  <br>hello<br>  ", want: "hello"},
		{name: "escaped br stays text", in: "&lt;br&gt;", want: "<br>"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanText(tt.in); got != tt.want {
				t.Fatalf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	t.Parallel()
	l := marketplace.Listing{
		ID:          123,
		Title:       "Parser &amp; bot",
		Description: "line1<br>line2",
		Price:       marketplace.Price("1500"),
		Offers:      3,
	}
	got := Message(l)
	want := "New Project:\n" +
		"Title: Parser & bot, Price: 1500₽\n" +
		"Description: line1\nline2\n" +
		"Responses: 3 ( Actual! )\n" +
		"Link: https://kwork.ru/projects/123/view"
	if got != want {
		t.Fatalf("message =\n%s\nwant\n%s", got, want)
	}
}

func TestMessageCapsCleanedDescription(t *testing.T) {
	t.Parallel()
	// Entities expand to one character each, so the cap applies after cleaning.
	desc := strings.Repeat("&amp;", 2600)
	got := Message(marketplace.Listing{ID: 1, Description: desc})
	if !strings.Contains(got, strings.Repeat("&", MaxDescription)+"…") {
		t.Fatal("expected description capped to 2500 cleaned characters")
	}
	if strings.Contains(got, strings.Repeat("&", MaxDescription+1)) {
		t.Fatal("description exceeds the cap")
	}
}
