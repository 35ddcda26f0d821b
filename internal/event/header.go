package event

import "github.com/google/uuid"

// OpHeader carries the fields every market operation shares.
// Idempotency key: operation_id (UUID from the submitting collaborator).
type OpHeader struct {
	OperationID uuid.UUID `json:"operation_id"`
	Market      string    `json:"market"`
	Sequence    int64     `json:"sequence"`  // Source sequence, monotonic per market
	Timestamp   int64     `json:"timestamp"` // Unix seconds (versioned input)
}

func (h *OpHeader) IdempotencyKey() string {
	return h.OperationID.String()
}

func (h *OpHeader) MarketID() string {
	return h.Market
}

func (h *OpHeader) SourceSequence() int64 {
	return h.Sequence
}

func (h *OpHeader) OccurredAt() int64 {
	return h.Timestamp
}
