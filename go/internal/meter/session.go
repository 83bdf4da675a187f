package meter

import (
	"os"
	"regexp"
	"strings"
)

// SessionEnvKey is the environment variable read by EnvSession by default.
const SessionEnvKey = "MEETING_SESSION_ID"

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// SessionProvider supplies the identifier of the session this client is
// attached to.
type SessionProvider interface {
	SessionID() (string, error)
}

// EnvSession reads the session id from an environment variable.
type EnvSession struct {
	Key string
}

func (e EnvSession) SessionID() (string, error) {
	key := e.Key
	if key == "" {
		key = SessionEnvKey
	}
	id, ok := os.LookupEnv(key)
	if !ok {
		return "", &NoSessionError{Reason: key + " is not set"}
	}
	return ValidateSessionID(id)
}

// StaticSession is a fixed session id, typically from a command-line flag.
type StaticSession string

func (s StaticSession) SessionID() (string, error) {
	return ValidateSessionID(string(s))
}

// FirstSession returns the id from the first provider that has one.
type FirstSession []SessionProvider

func (f FirstSession) SessionID() (string, error) {
	var last error = &NoSessionError{Reason: "no session provider configured"}
	for _, p := range f {
		id, err := p.SessionID()
		if err == nil {
			return id, nil
		}
		last = err
	}
	return "", last
}

// ValidateSessionID trims id and checks that it can be used as a store key.
func ValidateSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &NoSessionError{Reason: "session id is empty"}
	}
	if !sessionIDPattern.MatchString(id) {
		return "", &NoSessionError{Reason: "session id " + id + " must be 1-128 letters, digits, '-' or '_'"}
	}
	return id, nil
}
