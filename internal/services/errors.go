package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrConfiguration     = errors.New("configuration error")
	ErrUnsupportedKind   = errors.New("unsupported kind")
	ErrUpload            = errors.New("upload failure")
	ErrExternalTool      = errors.New("external tool error")
	ErrTimeout           = errors.New("timeout")
	ErrTransient         = errors.New("transient failure")
)

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later classification. The marker should be one of the
// exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsPreLaunch reports whether err is a failure that must surface before any
// worker process starts (bad descriptor, bad extras, bad configuration).
func IsPreLaunch(err error) bool {
	return errors.Is(err, ErrInvalidDescriptor) || errors.Is(err, ErrConfiguration)
}

// FailureKind maps an error to the short classification recorded in logs and
// the run ledger.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidDescriptor):
		return "invalid_descriptor"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrUnsupportedKind):
		return "unsupported_kind"
	case errors.Is(err, ErrUpload):
		return "upload"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExternalTool):
		return "external_tool"
	default:
		return "transient"
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
