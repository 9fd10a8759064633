package domain

// MessageBus routes inbound messages from channels to the relay service.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	Close()
}
