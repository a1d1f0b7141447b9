package mcp

// Transport moves envelopes between the two ends of a connection. Send is
// safe to call concurrently with draining Messages. The channel returned by
// Messages is closed once the peer disconnects and is never restarted.
type Transport interface {
	Send(msg *Message) error
	Messages() <-chan *Message
	Close() error
}
