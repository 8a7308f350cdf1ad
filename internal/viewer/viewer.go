package viewer

import (
	"errors"
	"fmt"
	"strings"
)

// Platform names a client build family.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
	PlatformMacOS   Platform = "macos"
	PlatformWindows Platform = "windows"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPlatform indicates a platform name the server does not recognize.
	ErrInvalidPlatform = errors.New("viewer: invalid platform")
	// ErrAnonymousViewer indicates an operation that requires a logged-in viewer.
	ErrAnonymousViewer = errors.New("viewer: logged-in viewer required")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("viewer: invalid user id")
)

// NewPlatform validates raw input and returns a Platform.
func NewPlatform(rawInput string) (Platform, error) {
	switch platform := Platform(strings.ToLower(strings.TrimSpace(rawInput))); platform {
	case PlatformIOS, PlatformAndroid, PlatformWeb, PlatformMacOS, PlatformWindows:
		return platform, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, rawInput)
	}
}

// PlatformDetails describes the client build talking to the server.
type PlatformDetails struct {
	Platform     Platform `json:"platform"`
	CodeVersion  *int     `json:"codeVersion,omitempty"`
	StateVersion *int     `json:"stateVersion,omitempty"`
}

// Viewer is the authenticated actor behind one inbound message.
type Viewer struct {
	UserID               string
	CookieID             string
	SessionID            string
	LoggedIn             bool
	Platform             Platform
	PlatformDetails      *PlatformDetails
	DeviceToken          string
	SessionLastValidated int64
	SessionLastUpdate    int64
}

// Anonymous returns a viewer without a login.
func Anonymous() Viewer {
	return Viewer{}
}

// ValidateUserID trims and bounds a user identifier.
func ValidateUserID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// RequireLoggedIn returns ErrAnonymousViewer when the viewer has no user.
func (v Viewer) RequireLoggedIn() error {
	if !v.LoggedIn || v.UserID == "" {
		return ErrAnonymousViewer
	}
	return nil
}

// Session returns the identifier used to tag updates authored through this
// connection: the explicit session when one is known, otherwise the cookie.
func (v Viewer) Session() string {
	if v.SessionID != "" {
		return v.SessionID
	}
	return v.CookieID
}

// CodeVersion returns the client code version, or zero when unknown.
func (v Viewer) CodeVersion() int {
	if v.PlatformDetails == nil || v.PlatformDetails.CodeVersion == nil {
		return 0
	}
	return *v.PlatformDetails.CodeVersion
}

// WithSession returns a copy of the viewer bound to a session.
func (v Viewer) WithSession(sessionID string, lastUpdate int64, lastValidated int64) Viewer {
	v.SessionID = sessionID
	v.SessionLastUpdate = lastUpdate
	v.SessionLastValidated = lastValidated
	return v
}
