package statecheck

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/viewer"
)

// StatusKind enumerates the consistency check states of a session.
type StatusKind string

const (
	StatusValidated  StatusKind = "state_validated"
	StatusInvalid    StatusKind = "state_invalid"
	StatusNeedsCheck StatusKind = "state_check"
)

// Status is the consistency verdict driving CheckState.
type Status struct {
	kind        StatusKind
	invalidKeys []string
}

// Validated reports that every hash the client checked matched.
func Validated() Status {
	return Status{kind: StatusValidated}
}

// Invalid reports the slice or entity keys whose hashes did not match.
func Invalid(invalidKeys []string) Status {
	keys := append([]string(nil), invalidKeys...)
	sort.Strings(keys)
	return Status{kind: StatusInvalid, invalidKeys: keys}
}

// NeedsCheck requests a fresh round of slice hashes.
func NeedsCheck() Status {
	return Status{kind: StatusNeedsCheck}
}

func (s Status) Kind() StatusKind {
	return s.kind
}

func (s Status) InvalidKeys() []string {
	return append([]string(nil), s.invalidKeys...)
}

// DetermineStatus derives the status of a sync attempt. hashResults is nil
// when the client sent no check_state response. The boolean is false when no
// check is due.
func DetermineStatus(current viewer.Viewer, hashResults map[string]bool, now time.Time, frequency time.Duration) (Status, bool) {
	if hashResults != nil {
		var invalidKeys []string
		for key, matched := range hashResults {
			if !matched {
				invalidKeys = append(invalidKeys, key)
			}
		}
		if len(invalidKeys) > 0 {
			return Invalid(invalidKeys), true
		}
		return Validated(), true
	}
	if current.RequireLoggedIn() != nil {
		return Status{}, false
	}
	if current.SessionLastValidated+frequency.Milliseconds() < now.UnixMilli() {
		return NeedsCheck(), true
	}
	return Status{}, false
}
