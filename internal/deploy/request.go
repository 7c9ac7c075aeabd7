package deploy

import (
	"net"
	"regexp"
	"strings"

	"github.com/animus-labs/wardeploy/internal/render"
)

const exampleWarLink = "https://github.com/raunit-verma/war/raw/main/devtron.war"

// Request is an accepted deployment request. Password is the target's root
// password and must never be logged.
type Request struct {
	Host     string
	Password string
	WarURL   string
}

// ValidationError is a client error; Message is returned to the caller verbatim.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var hostnameLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// Validate checks required fields and returns the WAR base name.
func (r Request) Validate() (string, error) {
	if strings.TrimSpace(r.Host) == "" {
		return "", &ValidationError{Field: "host", Message: "[host] is needed (IP Address of server)."}
	}
	if strings.TrimSpace(r.Password) == "" {
		return "", &ValidationError{Field: "password", Message: "[password] is needed of root user."}
	}
	if strings.TrimSpace(r.WarURL) == "" {
		return "", &ValidationError{Field: "war", Message: "[war] is needed (War file to be deployed)."}
	}
	if !ValidHost(r.Host) {
		return "", &ValidationError{Field: "host", Message: "[host] should be an IP address or hostname."}
	}
	base := render.WarBaseName(r.WarURL)
	if base == "" {
		return "", &ValidationError{Field: "war", Message: "[war] should be war file link similar to " + exampleWarLink}
	}
	return base, nil
}

// ValidHost accepts IP literals and RFC 1123 hostnames.
func ValidHost(host string) bool {
	if host == "" || host != strings.TrimSpace(host) {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(strings.TrimSuffix(host, "."), ".") {
		if !hostnameLabel.MatchString(label) {
			return false
		}
	}
	return true
}
