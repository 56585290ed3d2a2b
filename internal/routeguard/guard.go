// Package routeguard decides whether a navigable path may be shown for
// a given authentication snapshot. Decisions are pure: evaluate them
// only after the session manager has settled its initial state.
package routeguard

import "portfolio/pkg/domain"

type Action string

const (
	ActionAllow    Action = "allow"
	ActionRedirect Action = "redirect"
)

// Well-known paths.
const (
	PathRoot    = "/"
	PathSignIn  = "/signin"
	PathSignUp  = "/signup"
	PathProfile = "/profile"
)

type Classification string

const (
	// ClassProtected paths require authentication.
	ClassProtected Classification = "protected"
	// ClassPublicOnly paths are for unauthenticated visitors only.
	ClassPublicOnly Classification = "public-only"
	// ClassNeutral paths are reachable either way.
	ClassNeutral Classification = "neutral"
)

// Decision is a navigation verdict. Target is set when Action is
// ActionRedirect.
type Decision struct {
	Action Action `json:"action"`
	Target string `json:"target,omitempty"`
}

// Classify reports the authentication requirement of a path. The root
// path classifies as neutral; Decide special-cases it.
func Classify(path string) Classification {
	switch path {
	case PathProfile:
		return ClassProtected
	case PathSignIn, PathSignUp:
		return ClassPublicOnly
	default:
		return ClassNeutral
	}
}

// Decide maps a requested path and an authentication snapshot to a
// navigation verdict. It is total and idempotent.
func Decide(path string, state domain.AuthState) Decision {
	if path == PathRoot {
		if state.IsAuthenticated {
			return Decision{Action: ActionRedirect, Target: PathProfile}
		}
		return Decision{Action: ActionRedirect, Target: PathSignIn}
	}
	switch Classify(path) {
	case ClassProtected:
		if !state.IsAuthenticated {
			return Decision{Action: ActionRedirect, Target: PathSignIn}
		}
	case ClassPublicOnly:
		if state.IsAuthenticated {
			return Decision{Action: ActionRedirect, Target: PathProfile}
		}
	}
	return Decision{Action: ActionAllow}
}
