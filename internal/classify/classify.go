// Package classify maps an automation outcome to the status reported to the caller.
//
// Log matching is a heuristic over free-form ansible output. New failure modes are
// added to Signatures; anything unrecognised degrades to GenericFailure.
package classify

import (
	"strings"

	"github.com/animus-labs/wardeploy/internal/automation"
)

type Code string

const (
	Completed          Code = "completed"
	InvalidCredentials Code = "invalid_credentials"
	ExpiredArtifact    Code = "expired_artifact"
	ArtifactNotFound   Code = "artifact_not_found"
	GenericFailure     Code = "generic_failure"
	InternalError      Code = "internal_error"
)

var messages = map[Code]string{
	Completed:          "Completed Successfully",
	InvalidCredentials: "Invalid/incorrect password",
	ExpiredArtifact:    "Tomcat archive link expired. Please contact admin.",
	ArtifactNotFound:   "WAR file not found. HTTP Error",
	GenericFailure:     "Process failed. Please see the logs to debug.",
	InternalError:      "Internal Server Error",
}

// Status is the deployment result returned to the caller.
type Status struct {
	Code    Code
	Message string
}

func New(code Code) Status {
	msg, ok := messages[code]
	if !ok {
		code = GenericFailure
		msg = messages[GenericFailure]
	}
	return Status{Code: code, Message: msg}
}

func (s Status) Succeeded() bool {
	return s.Code == Completed
}

// Signature ties a log substring to a status code.
type Signature struct {
	Substring string
	Code      Code
}

// Signatures are checked in order; the first match wins.
var Signatures = []Signature{
	{Substring: "incorrect password", Code: InvalidCredentials},
	{Substring: "Invalid archive", Code: ExpiredArtifact},
	{Substring: "HTTP Error 404: Not Found", Code: ArtifactNotFound},
}

// Classify consults the log only when the engine did not report success.
func Classify(out automation.Outcome) Status {
	if out.Status == automation.StatusSuccessful {
		return New(Completed)
	}
	return New(MatchLog(out.Log, Signatures))
}

// MatchLog returns the code of the first signature found in log, or GenericFailure.
func MatchLog(log string, sigs []Signature) Code {
	for _, sig := range sigs {
		if sig.Substring != "" && strings.Contains(log, sig.Substring) {
			return sig.Code
		}
	}
	return GenericFailure
}
