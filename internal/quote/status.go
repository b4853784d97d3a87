package quote

// Status tracks the lifecycle of an active quote.
type Status string

const (
	// StatusPending is the initial state: the quote is live and waiting for the
	// counterparty.
	StatusPending Status = "pending"
	// StatusRepricing marks a quote locked by an in-flight reprice.
	StatusRepricing Status = "repricing"
	// StatusAccepted is terminal: the counterparty took the price.
	StatusAccepted Status = "accepted"
	// StatusExpired is terminal: the quote aged out unanswered.
	StatusExpired Status = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusExpired:
		return true
	default:
		return false
	}
}

// canTransition encodes the allowed transition table. Everything not listed is
// rejected.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRepricing || to == StatusAccepted || to == StatusExpired
	case StatusRepricing:
		return to == StatusPending || to == StatusAccepted
	default:
		return false
	}
}
