package core

import (
	"fmt"
	"maps"

	"PerpAMM/internal/event"
	"PerpAMM/internal/observability"
)

// Source sequences start at 1 in every partition.
const firstSourceSequence int64 = 1

// SequenceValidator validates source sequences per partition.
// Not safe for concurrent use; only the core goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// Partition returns the ordering partition of an operation. Index prices
// and funding samples are keeper feeds with their own, gap-tolerant
// sequences; everything else is strictly ordered per market.
func Partition(evt event.Event) string {
	switch evt.EventType() {
	case event.EventTypeIndexPriceUpdated:
		return "price:" + evt.MarketID()
	case event.EventTypeFundingRateSampled:
		return "funding:" + evt.MarketID()
	default:
		return "market:" + evt.MarketID()
	}
}

func gapTolerant(evt event.Event) bool {
	et := evt.EventType()
	return et == event.EventTypeIndexPriceUpdated || et == event.EventTypeFundingRateSampled
}

func (sv *SequenceValidator) expected(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return firstSourceSequence
}

// ValidateSequence checks source sequence ordering. For strict partitions a
// gap or out-of-order new operation is an error. For keeper feeds a stale
// sequence returns accept=false and a gap is tolerated.
func (sv *SequenceValidator) ValidateSequence(evt event.Event, isDuplicate bool) (accept bool, err error) {
	partition := Partition(evt)
	sourceSequence := evt.SourceSequence()
	expected := sv.expected(partition)

	if gapTolerant(evt) {
		if sourceSequence < expected {
			return false, nil
		}
		if sourceSequence > expected && sv.metrics != nil {
			sv.metrics.PriceSequenceGap.WithLabelValues(evt.MarketID()).Inc()
		}
		sv.expectedNextSeq[partition] = sourceSequence + 1
		return !isDuplicate, nil
	}

	if sourceSequence < expected {
		if isDuplicate {
			return false, nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return false, fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return !isDuplicate, nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return false, fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expected(partition)
}

// Partitions returns a copy of every partition's next expected sequence.
func (sv *SequenceValidator) Partitions() map[string]int64 {
	return maps.Clone(sv.expectedNextSeq)
}

// Restore replaces the partition state (snapshot restore).
func (sv *SequenceValidator) Restore(partitions map[string]int64) {
	sv.expectedNextSeq = make(map[string]int64, len(partitions))
	maps.Copy(sv.expectedNextSeq, partitions)
}
