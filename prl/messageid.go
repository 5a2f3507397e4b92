// Package prl implements the Protocol Layer: the PRL-RX and PRL-TX state
// machines, the mailboxes that carry message handles between them and the
// Policy Engine, and the MessageID bookkeeping they share.
package prl

import "sync"

// NoMessageID represents the state before any message has been delivered
// to the Policy Engine.
const NoMessageID = -1

// MessageIDs holds the shared counters rx_messageid (the last MessageID
// delivered to PE) and tx_messageidcounter (the next MessageID PRL-TX will
// stamp). Both the Hard Reset machine and PRL-RX's own Reset state clear
// both fields together, so they live in one mutex-guarded struct shared by
// RX and TX rather than split across two packages.
type MessageIDs struct {
	mu     sync.Mutex
	rxID   int
	txNext uint8
}

// NewMessageIDs returns MessageIDs in their post-reset state.
func NewMessageIDs() *MessageIDs {
	return &MessageIDs{rxID: NoMessageID}
}

// Reset clears both rx_messageid and tx_messageidcounter, as the Hard
// Reset machine's ResetLayer state requires.
func (m *MessageIDs) Reset() {
	m.mu.Lock()
	m.rxID = NoMessageID
	m.txNext = 0
	m.mu.Unlock()
}

// ResetTx clears only tx_messageidcounter, as PRL-TX's own Reset state does
// when PE asks it to send a locally-originated Soft_Reset.
func (m *MessageIDs) ResetTx() {
	m.mu.Lock()
	m.txNext = 0
	m.mu.Unlock()
}

// RxID returns the last MessageID delivered to PE, or NoMessageID.
func (m *MessageIDs) RxID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rxID
}

// SetRxID records id as the last MessageID delivered to PE.
func (m *MessageIDs) SetRxID(id uint8) {
	m.mu.Lock()
	m.rxID = int(id)
	m.mu.Unlock()
}

// TxNext returns the MessageID PRL-TX should stamp into the next outgoing
// message, without advancing it.
func (m *MessageIDs) TxNext() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txNext
}

// AdvanceTx advances tx_messageidcounter modulo 8 and returns the new
// value. Called after every completed, failed, or discarded transmission
// attempt.
func (m *MessageIDs) AdvanceTx() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txNext = (m.txNext + 1) % 8
	return m.txNext
}
