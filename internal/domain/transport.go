package domain

import "context"

// Transport is the outbound side of a chat channel.
type Transport interface {
	Name() string
	SendText(ctx context.Context, chatID string, text string) error
	SendMedia(ctx context.Context, chatID string, url string, kind MediaKind, caption string) error
}

// Channel is a full chat channel: a Transport plus the inbound event loop that
// publishes received messages to the bus.
type Channel interface {
	Transport
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}
