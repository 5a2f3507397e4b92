package prl

import "github.com/gotypec/pdsink/pdpool"

// Mailbox is the bounded single-producer/single-consumer queue of message
// handles carrying a message from PRL-RX to PE, and from PE to PRL-TX. Both
// directions are instances of this type, sized equal to the pool's capacity
// so that a post never blocks.
type Mailbox chan pdpool.Handle

// NewMailbox returns a Mailbox with capacity n, which should match the
// backing pdpool.Pool's size.
func NewMailbox(n int) Mailbox {
	return make(Mailbox, n)
}
