package credentials

import (
	"fmt"
)

// Error codes surfaced on failed runs and in telemetry.
const (
	CodeMissing = "credential_missing"
	CodeInvalid = "credential_invalid"
)

// MissingError reports that no resolution tier produced a usable
// credential for the requested app and scope.
type MissingError struct {
	AppID  string
	UserID string
	TeamID string
}

func (e *MissingError) Error() string {
	scope := "user " + e.UserID
	if e.TeamID != "" {
		scope += ", team " + e.TeamID
	}
	return fmt.Sprintf("no valid credential for app %q (%s)", e.AppID, scope)
}

// Code returns the run-level error code for this failure.
func (e *MissingError) Code() string { return CodeMissing }

// InvalidError reports that a credential exists but the vendor rejected
// its token, or its expiry has passed.
type InvalidError struct {
	CredentialID string
	AppID        string
	Reason       string
}

func (e *InvalidError) Error() string {
	return fmt.Sprintf("credential %s for app %q is invalid: %s", e.CredentialID, e.AppID, e.Reason)
}

// Code returns the run-level error code for this failure.
func (e *InvalidError) Code() string { return CodeInvalid }
