package reply

import (
	"regexp"
	"strings"

	"relaybot/internal/domain"
)

var (
	paragraphRe = regexp.MustCompile(`\n{2,}`)
	// citationRe matches bracketed reference markers the backend leaks into
	// its output, e.g. "【4:2†source】 " or "[3] ". Backend noise, not content.
	citationRe = regexp.MustCompile(`【[^】]*】\s?|\[\d+\]\s`)
)

// Segment splits a raw backend reply into an ordered sequence of delivery
// units. Paragraphs (runs of two or more newlines) are processed in order:
// classified media URLs become Media units and are removed from the text,
// anything non-whitespace left over becomes a single Text unit. A media-only
// paragraph yields no Text unit; an empty Text unit is never produced.
func Segment(replyText string) []domain.DeliveryUnit {
	var units []domain.DeliveryUnit

	for _, para := range paragraphRe.Split(replyText, -1) {
		para = citationRe.ReplaceAllString(para, "")
		if strings.TrimSpace(para) == "" {
			continue
		}

		var media []ClassifiedURL
		for _, c := range Classify(para) {
			if c.Kind == domain.MediaUnknown {
				// Unknown extensions stay in the text and ship as prose.
				continue
			}
			media = append(media, c)
		}

		for _, m := range media {
			units = append(units, domain.MediaUnit(m.URL, m.Kind))
		}

		remain := para
		for _, m := range media {
			remain = stripURL(remain, m.URL)
		}
		if text := strings.TrimSpace(remain); text != "" {
			units = append(units, domain.TextUnit(text))
		}
	}

	return units
}

// stripURL removes every occurrence of url from text, in both its markdown
// image form and as a bare token.
func stripURL(text, url string) string {
	text = markdownImageRe.ReplaceAllStringFunc(text, func(match string) string {
		sub := markdownImageRe.FindStringSubmatch(match)
		if len(sub) > 1 && trimURL(sub[1]) == url {
			return ""
		}
		return match
	})
	return strings.ReplaceAll(text, url, "")
}
