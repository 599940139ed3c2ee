package convert

import (
	"fmt"

	"github.com/soundprediction/credence/pkg/kgerr"
)

// UnsupportedConversionError is returned for a mode pair with no
// conversion, including identical modes and vector -> table.
type UnsupportedConversionError struct {
	From Mode
	To   Mode
}

func (e *UnsupportedConversionError) Error() string {
	return fmt.Sprintf("unsupported conversion from %s to %s", e.From, e.To)
}

// Is matches kgerr.ErrConversion.
func (e *UnsupportedConversionError) Is(target error) bool {
	t, ok := target.(*kgerr.Error)
	return ok && t.Kind == kgerr.KindConversion
}

// ErrorKind classifies the error for kgerr.KindOf.
func (e *UnsupportedConversionError) ErrorKind() kgerr.Kind {
	return kgerr.KindConversion
}

// Payload renders the user-visible payload.
func (e *UnsupportedConversionError) Payload() kgerr.Payload {
	return kgerr.Payload{
		Kind:      kgerr.KindConversion.String(),
		Operation: "convert",
		NextSteps: []string{string(kgerr.RecoveryFixInput)},
		Message:   e.Error(),
	}
}
