package fleet

import "strings"

// Kind identifies a device status variant.
type Kind int

const (
	// KindUnknown holds a persisted status string this controller does not recognize.
	KindUnknown Kind = iota
	// KindNeedsPosition marks a device whose cameras have no coordinates yet.
	KindNeedsPosition
	// KindImaging is the transient status committed before a capture command runs.
	KindImaging
	// KindReady marks a device whose last capture succeeded on both cameras.
	KindReady
	// KindPartialFailure carries the failed camera list as Detail.
	KindPartialFailure
	// KindError marks a failed capture or transport error.
	KindError
	// KindOnline marks a device that was updated or positioned successfully.
	KindOnline
	// KindFailedAtStage carries the failing update stage as Detail.
	KindFailedAtStage
	// KindErrorWithMessage carries an unexpected error text as Detail.
	KindErrorWithMessage
	// KindUnverified marks capture output that matched no known marker in strict mode.
	KindUnverified
)

// Update stages, in execution order.
const (
	StageConfig   = "config"
	StageCore     = "core"
	StageServices = "services"
)

const (
	textNeedsPosition = "position needed"
	textImaging       = "imaging"
	textReady         = "ready"
	textError         = "error"
	textOnline        = "online"
	textUnverified    = "unverified"
	prefixPartial     = "partial - "
	prefixFailed      = "failed_"
	prefixErrorMsg    = "error: "
)

// Status is a tagged device status. Detail is only meaningful for the
// partial, failed-stage, error-with-message and unknown kinds.
type Status struct {
	Kind   Kind
	Detail string
}

// Constructors for the fixed-payload kinds. FailedAtStage carries the stage
// name as Detail.
func NeedsPosition() Status             { return Status{Kind: KindNeedsPosition} }
func Imaging() Status                   { return Status{Kind: KindImaging} }
func Ready() Status                     { return Status{Kind: KindReady} }
func Error() Status                     { return Status{Kind: KindError} }
func Online() Status                    { return Status{Kind: KindOnline} }
func Unverified() Status                { return Status{Kind: KindUnverified} }
func FailedAtStage(stage string) Status { return Status{Kind: KindFailedAtStage, Detail: stage} }

// PartialFailure joins the failed camera identifiers into Detail.
func PartialFailure(failed []string) Status {
	return Status{Kind: KindPartialFailure, Detail: strings.Join(failed, ", ")}
}

// ErrorWithMessage records an unexpected error text.
func ErrorWithMessage(msg string) Status {
	return Status{Kind: KindErrorWithMessage, Detail: msg}
}

// String renders the persisted display form.
func (s Status) String() string {
	switch s.Kind {
	case KindNeedsPosition:
		return textNeedsPosition
	case KindImaging:
		return textImaging
	case KindReady:
		return textReady
	case KindPartialFailure:
		return prefixPartial + s.Detail
	case KindError:
		return textError
	case KindOnline:
		return textOnline
	case KindFailedAtStage:
		return prefixFailed + s.Detail
	case KindErrorWithMessage:
		return prefixErrorMsg + s.Detail
	case KindUnverified:
		return textUnverified
	default:
		return s.Detail
	}
}

// IsZero reports whether no status has been recorded.
func (s Status) IsZero() bool {
	return s.Kind == KindUnknown && s.Detail == ""
}

// ParseStatus converts a persisted display string back into a Status.
// Strings that match no known form are kept verbatim as KindUnknown.
func ParseStatus(raw string) Status {
	switch raw {
	case textNeedsPosition:
		return NeedsPosition()
	case textImaging:
		return Imaging()
	case textReady:
		return Ready()
	case textError:
		return Error()
	case textOnline:
		return Online()
	case textUnverified:
		return Unverified()
	}
	switch {
	case strings.HasPrefix(raw, prefixPartial):
		return Status{Kind: KindPartialFailure, Detail: strings.TrimPrefix(raw, prefixPartial)}
	case raw == strings.TrimSuffix(prefixPartial, " "):
		return Status{Kind: KindPartialFailure}
	case strings.HasPrefix(raw, prefixErrorMsg):
		return ErrorWithMessage(strings.TrimPrefix(raw, prefixErrorMsg))
	case strings.HasPrefix(raw, prefixFailed) && len(raw) > len(prefixFailed):
		return FailedAtStage(strings.TrimPrefix(raw, prefixFailed))
	}
	return Status{Kind: KindUnknown, Detail: raw}
}

// MarshalText implements encoding.TextMarshaler for JSON and YAML output.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	*s = ParseStatus(string(text))
	return nil
}
