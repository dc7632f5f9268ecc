package bus

import "time"

// Event is a domain notification published on the bus.
//
// Kinds are dot-namespaced so consumers can subscribe by prefix:
//
//	message.upserted      a message was inserted or updated in a thread
//	message.send_ack      an optimistic send was confirmed by the server
//	message.send_failed   an optimistic send exhausted its retry budget
//	conversation.updated  directory ordering or unread counts changed
//	typing.changed        typing presence for a conversation changed
//	read.marked           a conversation's messages were marked read
//	sync.refresh_failed   a periodic pull gave up after retries
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
