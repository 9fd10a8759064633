package domain

import "context"

// Direction marks which side of the conversation a mirrored message belongs to.
type Direction string

const (
	DirIncoming Direction = "incoming"
	DirOutgoing Direction = "outgoing"
)

// Mirror is the secondary CRM channel that receives a copy of the
// conversation for human oversight. It accepts no bare URLs: media is
// re-fetched and re-uploaded as bytes.
type Mirror interface {
	// EnsureConversation returns the mirror conversation ref for a sender,
	// creating it once and caching it afterwards.
	EnsureConversation(ctx context.Context, senderID string) (string, error)
	SendText(ctx context.Context, convRef string, text string, dir Direction) error
	SendAttachment(ctx context.Context, convRef string, data []byte, filename string, dir Direction) error
}

// PaymentLink is the result of a payment-link creation call.
type PaymentLink struct {
	URL   string
	Total int64
}

// PaymentLinker creates a checkout link for a structured order.
type PaymentLinker interface {
	CreateLink(ctx context.Context, order *Order, externalRef string) (PaymentLink, error)
}
