package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"

	dErrors "clinicore/pkg/domain-errors"
)

const (
	// MaxBodySize bounds every JSON request body.
	MaxBodySize = 64 * 1024

	// MaxPayloadSize bounds the record payload stored and snapshotted into
	// the audit log.
	MaxPayloadSize = 32 * 1024

	// MaxAuditPageSize caps one page of audit query results.
	MaxAuditPageSize = 500

	// DefaultAuditPageSize applies when the query omits a limit.
	DefaultAuditPageSize = 100

	MaxUserAgentLength = 512
)

// CheckStringLength validates that a string does not exceed the maximum length.
func CheckStringLength(fieldName, value string, max int) error {
	if len(value) > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max length of %d", fieldName, max))
	}
	return nil
}

// TruncateText replaces invalid UTF-8 sequences and cuts s to at most max
// bytes without splitting a rune. Header values go through it before they
// reach a TEXT column.
func TruncateText(s string, max int) string {
	s = strings.ToValidUTF8(s, string(utf8.RuneError))
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// CheckByteSize validates that a raw payload fits in max bytes.
func CheckByteSize(fieldName string, value []byte, max int) error {
	if len(value) > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max size of %d bytes", fieldName, max))
	}
	return nil
}

// ClampPageSize returns DefaultAuditPageSize for non-positive limits and
// caps the rest at MaxAuditPageSize.
func ClampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultAuditPageSize
	case limit > MaxAuditPageSize:
		return MaxAuditPageSize
	default:
		return limit
	}
}
