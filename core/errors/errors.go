package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Code string

const (
	EGenericFailure      Code = "E_GENERIC_FAILURE"
	EPolicyViolation     Code = "E_POLICY_VIOLATION"
	EMissingApproval     Code = "E_MISSING_APPROVAL"
	EMissingContext      Code = "E_MISSING_CONTEXT"
	EMalformedJob        Code = "E_MALFORMED_JOB"
	EPathDenied          Code = "E_PATH_DENIED"
	EDiffUnparseable     Code = "E_DIFF_UNPARSEABLE"
	EWorktreeDirty       Code = "E_WORKTREE_DIRTY"
	EToolUnavailable     Code = "E_TOOL_UNAVAILABLE"
	ESizeLimitExceeded   Code = "E_SIZE_LIMIT_EXCEEDED"
	EApplyConflict       Code = "E_APPLY_CONFLICT"
	EApplyFailed         Code = "E_APPLY_FAILED"
	ECapabilityDisabled  Code = "E_CAPABILITY_DISABLED"
	EUnauthorized        Code = "E_UNAUTHORIZED"
	EInvalidInput        Code = "E_INVALID_INPUT"
	ENotFound            Code = "E_NOT_FOUND"
	EManifestMissing     Code = "E_MANIFEST_MISSING"
	ELeaseConflict       Code = "E_LEASE_CONFLICT"
	EUnknownModule       Code = "E_UNKNOWN_MODULE"
	EOperationIncomplete Code = "E_OPERATION_INCOMPLETE"
	ERateLimited         Code = "E_RATE_LIMITED"
)

type HandoffError struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e HandoffError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, message string, details map[string]any) error {
	return HandoffError{Code: code, Message: message, Details: details}
}

// CodeOf returns the code carried by err, or EGenericFailure for plain errors.
func CodeOf(err error) Code {
	var herr HandoffError
	if errors.As(err, &herr) {
		return herr.Code
	}
	return EGenericFailure
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var herr HandoffError
	return errors.As(err, &herr) && herr.Code == code
}

func ExitCodeFor(code Code) int {
	switch code {
	case EPolicyViolation, EMissingApproval, EMissingContext:
		return 4
	case EMalformedJob, EInvalidInput, EDiffUnparseable:
		return 6
	case EManifestMissing:
		return 7
	case EPathDenied, ECapabilityDisabled, EUnauthorized:
		return 8
	case EWorktreeDirty, EApplyConflict, EApplyFailed:
		return 9
	case ELeaseConflict:
		return 10
	default:
		return 1
	}
}

func HTTPStatusFor(code Code) int {
	switch code {
	case EUnauthorized:
		return http.StatusUnauthorized
	case EPathDenied, ECapabilityDisabled:
		return http.StatusForbidden
	case ENotFound:
		return http.StatusNotFound
	case EWorktreeDirty:
		return http.StatusConflict
	case ESizeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case ERateLimited:
		return http.StatusTooManyRequests
	case EMalformedJob, EInvalidInput, EDiffUnparseable, EApplyConflict, EToolUnavailable:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type Envelope struct {
	SchemaID        string         `json:"schema_id"`
	SchemaVersion   string         `json:"schema_version"`
	CreatedAt       time.Time      `json:"created_at"`
	ProducerVersion string         `json:"producer_version"`
	Code            Code           `json:"code"`
	Message         string         `json:"message"`
	ExitCode        int            `json:"exit_code"`
	Details         map[string]any `json:"details,omitempty"`
}

func ToEnvelope(err error, producerVersion string, at time.Time) Envelope {
	var herr HandoffError
	if !errors.As(err, &herr) {
		return Envelope{
			SchemaID:        "handoff.error_envelope",
			SchemaVersion:   "v1",
			CreatedAt:       at.UTC(),
			ProducerVersion: producerVersion,
			Code:            EGenericFailure,
			Message:         err.Error(),
			ExitCode:        ExitCodeFor(EGenericFailure),
		}
	}

	return Envelope{
		SchemaID:        "handoff.error_envelope",
		SchemaVersion:   "v1",
		CreatedAt:       at.UTC(),
		ProducerVersion: producerVersion,
		Code:            herr.Code,
		Message:         herr.Message,
		ExitCode:        ExitCodeFor(herr.Code),
		Details:         herr.Details,
	}
}

func MarshalEnvelope(err error, producerVersion string, at time.Time) ([]byte, error) {
	env := ToEnvelope(err, producerVersion, at)
	out, mErr := json.MarshalIndent(env, "", "  ")
	if mErr != nil {
		return nil, fmt.Errorf("marshal error envelope: %w", mErr)
	}
	return out, nil
}
