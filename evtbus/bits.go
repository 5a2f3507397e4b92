package evtbus

// Event bit enumeration. Bits are grouped by the task that owns the Word
// they live in; cross-task signaling is peers calling Set on the owner's
// Word.

// PRL-RX event bits.
const (
	PRLRXReset Bits = 1 << iota
	PRLRXIGoodCRCSent
)

// PRL-TX event bits.
const (
	PRLTXReset Bits = 1 << iota
	PRLTXDiscard
	PRLTXMsgTx
	PRLTXITxSent
	PRLTXIRetryFail
	PRLTXStartAMS
)

// Hard Reset machine event bits.
const (
	HardResetReset Bits = 1 << iota
	HardResetIHardReset
	HardResetIHardSent
	HardResetDone
)

// Policy Engine event bits.
const (
	PEMsgRx Bits = 1 << iota
	PETxDone
	PETxErr
	PEReset
	PEHardSent
	PEIOverTemp
	PEGetSourceCap
	PENewPower
	PEPPSRequest
)
