package reply

import (
	"testing"

	"relaybot/internal/domain"
)

func TestSegmentRoundTrip(t *testing.T) {
	units := Segment("Hello\n\nhttp://a/b.png\n\nBye")
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d: %+v", len(units), units)
	}
	if units[0].Text != "Hello" {
		t.Errorf("unit 0: got %+v, want Text(Hello)", units[0])
	}
	if !units[1].IsMedia() || units[1].URL != "http://a/b.png" || units[1].Kind != domain.MediaImage {
		t.Errorf("unit 1: got %+v, want Media(http://a/b.png, image)", units[1])
	}
	if units[2].Text != "Bye" {
		t.Errorf("unit 2: got %+v, want Text(Bye)", units[2])
	}
}

// A media-only paragraph must not produce an empty Text unit.
func TestSegmentMediaOnlyParagraph(t *testing.T) {
	units := Segment("https://a/only.jpg")
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d: %+v", len(units), units)
	}
	if !units[0].IsMedia() {
		t.Fatalf("expected media unit, got %+v", units[0])
	}
}

func TestSegmentNeverEmitsEmptyText(t *testing.T) {
	for _, in := range []string{
		"",
		"\n\n\n",
		"http://a/b.png",
		"![x](http://a/b.png)\n\n\n\nhttp://a/c.mp4",
	} {
		for _, u := range Segment(in) {
			if !u.IsMedia() && u.Text == "" {
				t.Fatalf("input %q produced empty text unit", in)
			}
		}
	}
}

func TestSegmentMixedParagraph(t *testing.T) {
	units := Segment("Here is your receipt http://a/receipt.pdf thanks")
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d: %+v", len(units), units)
	}
	if units[0].URL != "http://a/receipt.pdf" || units[0].Kind != domain.MediaDocument {
		t.Errorf("unexpected media unit %+v", units[0])
	}
	if units[1].Text != "Here is your receipt  thanks" && units[1].Text != "Here is your receipt thanks" {
		t.Errorf("unexpected text unit %q", units[1].Text)
	}
}

func TestSegmentStripsMarkdownImageForm(t *testing.T) {
	units := Segment("A sticker ![fun](http://a/s.webp) arrives")
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d: %+v", len(units), units)
	}
	if units[0].Kind != domain.MediaSticker {
		t.Errorf("expected sticker, got %q", units[0].Kind)
	}
	if got := units[1].Text; got != "A sticker  arrives" && got != "A sticker arrives" {
		t.Errorf("markdown form not removed: %q", got)
	}
}

func TestSegmentUnknownExtensionStaysText(t *testing.T) {
	units := Segment("details at http://a/page.html ok")
	if len(units) != 1 {
		t.Fatalf("expected 1 unit, got %d: %+v", len(units), units)
	}
	if units[0].IsMedia() {
		t.Fatalf("unknown extension must not become media: %+v", units[0])
	}
	if units[0].Text != "details at http://a/page.html ok" {
		t.Errorf("url must stay in text, got %q", units[0].Text)
	}
}

func TestSegmentStripsCitationMarkers(t *testing.T) {
	units := Segment("【4:2†source】 The total is $1200\n\n[3] See attached")
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d: %+v", len(units), units)
	}
	if units[0].Text != "The total is $1200" {
		t.Errorf("citation not stripped: %q", units[0].Text)
	}
	if units[1].Text != "See attached" {
		t.Errorf("citation not stripped: %q", units[1].Text)
	}
}

func TestSegmentCaptionsAreBlank(t *testing.T) {
	for _, u := range Segment("pic\n\nhttp://a/b.png") {
		if u.IsMedia() && u.Caption != "" {
			t.Fatalf("media caption must be blank, got %q", u.Caption)
		}
	}
}

func TestSegmentParagraphOrderPreserved(t *testing.T) {
	units := Segment("one\n\ntwo\n\n\nthree")
	want := []string{"one", "two", "three"}
	if len(units) != 3 {
		t.Fatalf("expected 3 units, got %d", len(units))
	}
	for i, w := range want {
		if units[i].Text != w {
			t.Errorf("position %d: got %q, want %q", i, units[i].Text, w)
		}
	}
}
