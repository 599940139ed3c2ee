package types

import (
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
)

// ProvenanceRecord is an immutable entry in the provenance ledger. One record
// is written per operation that touches a target; records are never updated
// or deleted.
type ProvenanceRecord struct {
	ID               string            `json:"id" mapstructure:"id"`
	TargetID         string            `json:"target_id" mapstructure:"target_id"`
	Operation        string            `json:"operation" mapstructure:"operation"`
	ToolID           string            `json:"tool_id" mapstructure:"tool_id"`
	InputsDigest     string            `json:"inputs_digest" mapstructure:"inputs_digest"`
	OutputsDigest    string            `json:"outputs_digest" mapstructure:"outputs_digest"`
	ConfidenceBefore *confidence.Score `json:"confidence_before,omitempty" mapstructure:"confidence_before"`
	ConfidenceAfter  *confidence.Score `json:"confidence_after,omitempty" mapstructure:"confidence_after"`
	Timestamp        time.Time         `json:"timestamp" mapstructure:"timestamp"`
}

// Validate checks if the ProvenanceRecord has all required fields set.
func (r *ProvenanceRecord) Validate() error {
	if r.ID == "" {
		return invalid("provenance", ErrEmptyID)
	}
	if r.TargetID == "" {
		return invalid("provenance", ErrEmptyID, r.ID)
	}
	if r.Operation == "" {
		return invalid("provenance", ErrEmptyType, r.ID)
	}
	if r.ConfidenceAfter != nil {
		if err := r.ConfidenceAfter.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Delta returns after minus before, or zero when either side is missing.
func (r *ProvenanceRecord) Delta() float64 {
	if r.ConfidenceBefore == nil || r.ConfidenceAfter == nil {
		return 0
	}
	return r.ConfidenceAfter.Value - r.ConfidenceBefore.Value
}
