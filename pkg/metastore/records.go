package metastore

import (
	"fmt"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
)

// Target kinds for confidence records.
const (
	TargetEntity       = "entity"
	TargetRelationship = "relationship"
	TargetClaim        = "claim"
)

// Resolution states stored with mentions.
const (
	MentionResolved  = "resolved"
	MentionAmbiguous = "ambiguous"
)

// ConfidenceRecord is one row of a target's confidence history. Rows are
// appended; a new row names the row it supersedes.
type ConfidenceRecord struct {
	ID           string           `json:"id"`
	TargetID     string           `json:"target_id"`
	TargetKind   string           `json:"target_kind"`
	Version      int              `json:"version"`
	Score        confidence.Score `json:"score"`
	SupersedesID string           `json:"supersedes_id,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at"`
}

// Validate checks the record before it is written.
func (r *ConfidenceRecord) Validate() error {
	if r.ID == "" || r.TargetID == "" {
		return kgerr.Validation("confidence_record", "id and target id are required", r.ID, r.TargetID)
	}
	switch r.TargetKind {
	case TargetEntity, TargetRelationship, TargetClaim:
	default:
		return kgerr.Validation("confidence_record", fmt.Sprintf("unknown target kind %q", r.TargetKind), r.ID)
	}
	if r.Version < 0 {
		return kgerr.Validation("confidence_record", fmt.Sprintf("negative version %d", r.Version), r.ID)
	}
	return r.Score.Validate()
}

// MentionRecord persists a mention together with its resolution outcome.
// Ambiguous mentions keep their candidate distribution.
type MentionRecord struct {
	Mention    types.Mention     `json:"mention"`
	State      string            `json:"state"`
	Strategy   string            `json:"strategy,omitempty"`
	Basis      string            `json:"basis,omitempty"`
	Confidence *confidence.Score `json:"confidence,omitempty"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Validate checks the mention and the resolution state.
func (r *MentionRecord) Validate() error {
	if err := r.Mention.Validate(); err != nil {
		return err
	}
	switch r.State {
	case MentionResolved:
		if r.Mention.EntityID == "" {
			return kgerr.Validation("mention_record", "resolved mention has no entity id", r.Mention.ID)
		}
	case MentionAmbiguous:
	default:
		return kgerr.Validation("mention_record", fmt.Sprintf("unknown resolution state %q", r.State), r.Mention.ID)
	}
	if r.Confidence != nil {
		return r.Confidence.Validate()
	}
	return nil
}
