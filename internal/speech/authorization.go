package speech

import (
	"fmt"
	"time"
)

// AuthorizationStatus is the outcome of a speech recognition permission request.
type AuthorizationStatus int

const (
	NotDetermined AuthorizationStatus = iota
	Denied
	Restricted
	Authorized
)

func (s AuthorizationStatus) String() string {
	switch s {
	case Authorized:
		return "authorized"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	default:
		return "not_determined"
	}
}

// ParseAuthorizationStatus maps a configuration value to a status.
func ParseAuthorizationStatus(value string) (AuthorizationStatus, error) {
	switch value {
	case "authorized":
		return Authorized, nil
	case "denied":
		return Denied, nil
	case "restricted":
		return Restricted, nil
	case "not_determined", "":
		return NotDetermined, nil
	}
	return NotDetermined, fmt.Errorf("unknown authorization status %q", value)
}

// Authorizer resolves whether this process may use speech recognition. The
// callback runs on an arbitrary goroutine.
type Authorizer interface {
	RequestAuthorization(fn func(AuthorizationStatus))
}

// StaticAuthorizer reports a fixed status after an optional delay.
type StaticAuthorizer struct {
	Status AuthorizationStatus
	Delay  time.Duration
}

func (a StaticAuthorizer) RequestAuthorization(fn func(AuthorizationStatus)) {
	go func() {
		if a.Delay > 0 {
			time.Sleep(a.Delay)
		}
		fn(a.Status)
	}()
}
