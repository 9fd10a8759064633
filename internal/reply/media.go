// Package reply contains the pure reply-parsing pipeline: URL extraction and
// media classification, and segmentation of a raw backend reply into ordered
// delivery units. Nothing in this package touches the network.
package reply

import (
	"regexp"
	"sort"
	"strings"

	"relaybot/internal/domain"
)

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(\s*(https?://[^)\s]+)\s*\)`)
	bareURLRe       = regexp.MustCompile(`https?://[^\s<>]+`)
)

// kindByExt maps a trailing file extension to a media kind. webp is always a
// sticker, never an image, to match the chat platform's sticker semantics.
var kindByExt = map[string]domain.MediaKind{
	"jpg":  domain.MediaImage,
	"jpeg": domain.MediaImage,
	"png":  domain.MediaImage,
	"gif":  domain.MediaImage,
	"mp4":  domain.MediaVideo,
	"mov":  domain.MediaVideo,
	"avi":  domain.MediaVideo,
	"mkv":  domain.MediaVideo,
	"webp": domain.MediaSticker,
	"pdf":  domain.MediaDocument,
	"doc":  domain.MediaDocument,
	"docx": domain.MediaDocument,
	"xls":  domain.MediaDocument,
	"xlsx": domain.MediaDocument,
	"zip":  domain.MediaDocument,
	"rar":  domain.MediaDocument,
}

// ClassifiedURL is one URL found in a block of text with its media kind.
type ClassifiedURL struct {
	URL  string
	Kind domain.MediaKind
}

// Classify extracts candidate URLs from text (markdown image syntax and bare
// http(s) tokens) and classifies each by trailing file extension. The result
// is de-duplicated, first occurrence wins, original order preserved.
func Classify(text string) []ClassifiedURL {
	type hit struct {
		url string
		pos int
	}
	var hits []hit

	for _, m := range markdownImageRe.FindAllStringSubmatchIndex(text, -1) {
		// m[2],m[3] bound the captured URL.
		hits = append(hits, hit{url: trimURL(text[m[2]:m[3]]), pos: m[2]})
	}
	for _, m := range bareURLRe.FindAllStringIndex(text, -1) {
		hits = append(hits, hit{url: trimURL(text[m[0]:m[1]]), pos: m[0]})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })

	seen := make(map[string]bool, len(hits))
	var out []ClassifiedURL
	for _, h := range hits {
		if h.url == "" || seen[h.url] {
			continue
		}
		seen[h.url] = true
		out = append(out, ClassifiedURL{URL: h.url, Kind: KindOf(h.url)})
	}
	return out
}

// KindOf classifies a single URL by its trailing file extension,
// case-insensitive. Query strings and fragments are ignored.
func KindOf(url string) domain.MediaKind {
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	slash := strings.LastIndexByte(path, '/')
	dot := strings.LastIndexByte(path, '.')
	if dot < 0 || dot < slash {
		return domain.MediaUnknown
	}
	if kind, ok := kindByExt[strings.ToLower(path[dot+1:])]; ok {
		return kind
	}
	return domain.MediaUnknown
}

// trimURL strips trailing punctuation that regularly clings to bare URLs in
// prose ("see http://a/b.png." must not classify the dot). A closing paren is
// only stripped while unbalanced, so paths like /wiki/Sting_(musician) keep
// theirs.
func trimURL(url string) string {
	for len(url) > 0 {
		last := url[len(url)-1]
		switch {
		case strings.IndexByte(".,;:!?]}'\"", last) >= 0:
			url = url[:len(url)-1]
		case last == ')' && strings.Count(url, ")") > strings.Count(url, "("):
			url = url[:len(url)-1]
		default:
			return url
		}
	}
	return url
}
