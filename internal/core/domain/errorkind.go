package domain

import "strings"

// ErrorKind classifies a failure against an external dependency.
type ErrorKind string

const (
	KindConnectionFailure  ErrorKind = "connection_failure"
	KindTimeout            ErrorKind = "timeout"
	KindTransactionFailure ErrorKind = "transaction_failure"
	KindResourceExhaustion ErrorKind = "resource_exhaustion"
	KindConfigurationError ErrorKind = "configuration_error"
	KindSecurityViolation  ErrorKind = "security_violation"
	KindServiceUnavailable ErrorKind = "service_unavailable"
)

// Severity ranks how urgent an error event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// kindPatterns maps keyword substrings to error kinds, checked in priority
// order. Order matters: "connection timeout" must classify as a connection
// failure before the generic timeout bucket catches it.
var kindPatterns = []struct {
	kind     ErrorKind
	keywords []string
}{
	{KindConnectionFailure, []string{
		"connection refused", "connection reset", "connection failed",
		"could not connect", "broken pipe", "no such host", "network unreachable",
	}},
	{KindTimeout, []string{
		"timeout", "timed out", "deadline exceeded", "context canceled",
	}},
	{KindTransactionFailure, []string{
		"deadlock", "transaction", "rollback", "serialization failure",
		"lock wait",
	}},
	{KindResourceExhaustion, []string{
		"out of memory", "disk full", "no space left", "too many connections",
		"resource exhausted", "pool exhausted",
	}},
	{KindConfigurationError, []string{
		"syntax error", "invalid syntax", "no such table", "no such column",
		"undefined column", "undefined table", "empty operation", "bad config",
	}},
	{KindSecurityViolation, []string{
		"injection", "security violation", "permission denied", "access denied",
	}},
}

// Classify derives an ErrorKind from an error's text.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindServiceUnavailable
	}
	msg := strings.ToLower(err.Error())
	for _, p := range kindPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(msg, kw) {
				return p.kind
			}
		}
	}
	return KindServiceUnavailable
}

// IsTransient reports whether errors of this kind are worth retrying locally.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case KindConnectionFailure, KindTimeout, KindTransactionFailure, KindServiceUnavailable:
		return true
	}
	return false
}

// DefaultSeverity maps an error kind to the severity it is logged at.
func (k ErrorKind) DefaultSeverity() Severity {
	switch k {
	case KindSecurityViolation, KindResourceExhaustion:
		return SeverityCritical
	case KindConnectionFailure, KindTransactionFailure:
		return SeverityError
	case KindConfigurationError:
		return SeverityWarning
	default:
		return SeverityError
	}
}
