package domain

// MediaKind classifies a URL by its trailing file extension.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaSticker  MediaKind = "sticker"
	MediaDocument MediaKind = "document"
	MediaUnknown  MediaKind = "unknown"
)

// DeliveryUnit is one atomic piece of an outbound reply: either plain text or
// a classified media URL. Exactly one of Text or URL is set.
type DeliveryUnit struct {
	Text    string
	URL     string
	Kind    MediaKind
	Caption string
}

// IsMedia reports whether the unit carries a media URL rather than text.
func (u DeliveryUnit) IsMedia() bool { return u.URL != "" }

// TextUnit builds a text delivery unit.
func TextUnit(content string) DeliveryUnit {
	return DeliveryUnit{Text: content}
}

// MediaUnit builds a media delivery unit. Captions are deliberately blank on
// the segmenter path so media never duplicates text emitted separately.
func MediaUnit(url string, kind MediaKind) DeliveryUnit {
	return DeliveryUnit{URL: url, Kind: kind}
}
