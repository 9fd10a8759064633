package domain

import "context"

// Conversation is the per-user state handle threaded through a Turn. The
// scheduler does not interpret it; the relay uses it to cache the mirror
// conversation reference.
type Conversation struct {
	UserID    string
	MirrorRef string
}

// OrderItem is one line of a structured order extracted by the backend.
type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// Order is the structured result the backend extracts from free-form text.
// Type is one of "order", "status", "inquiry".
type Order struct {
	Type      string      `json:"type"`
	Facility  string      `json:"facility"`
	Recipient string      `json:"recipient"`
	Items     []OrderItem `json:"items"`
	Notes     string      `json:"notes"`
}

// HasItems reports whether the order is concrete enough to price.
func (o *Order) HasItems() bool { return o != nil && o.Type == "order" && len(o.Items) > 0 }

// Control carries typed control signals from the backend reply, replacing the
// legacy free-text sniffing (which survives only as a compatibility shim).
type Control struct {
	Disable bool `json:"disable"`
}

// BackendReply is the parsed output of one backend call.
type BackendReply struct {
	Reply   string  `json:"reply"`
	Order   *Order  `json:"order"`
	Control Control `json:"control"`
}

// Backend is the generative-text collaborator. Implementations recover from
// their own failures: a malformed or failed completion yields a fallback
// reply with a neutral order, never an error that crashes a Turn.
type Backend interface {
	Ask(ctx context.Context, conv *Conversation, text string) (*BackendReply, error)
}
