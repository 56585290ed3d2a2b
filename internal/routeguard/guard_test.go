package routeguard

import (
	"testing"

	"portfolio/pkg/domain"
)

func TestDecide(t *testing.T) {
	authed := domain.AuthState{IsAuthenticated: true, User: &domain.User{ID: 1}, Token: "T"}
	anon := domain.AuthState{}

	tests := []struct {
		name  string
		path  string
		state domain.AuthState
		want  Decision
	}{
		{"root unauthenticated", "/", anon, Decision{Action: ActionRedirect, Target: PathSignIn}},
		{"root authenticated", "/", authed, Decision{Action: ActionRedirect, Target: PathProfile}},
		{"signin while authenticated", "/signin", authed, Decision{Action: ActionRedirect, Target: PathProfile}},
		{"signin while unauthenticated", "/signin", anon, Decision{Action: ActionAllow}},
		{"signup while authenticated", "/signup", authed, Decision{Action: ActionRedirect, Target: PathProfile}},
		{"profile while unauthenticated", "/profile", anon, Decision{Action: ActionRedirect, Target: PathSignIn}},
		{"profile while authenticated", "/profile", authed, Decision{Action: ActionAllow}},
		{"neutral path unauthenticated", "/about", anon, Decision{Action: ActionAllow}},
		{"neutral path authenticated", "/about", authed, Decision{Action: ActionAllow}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Decide(tc.path, tc.state)
			if got != tc.want {
				t.Fatalf("Decide(%q) = %+v, want %+v", tc.path, got, tc.want)
			}
			// idempotent: deciding against the same state never changes
			if again := Decide(tc.path, tc.state); again != got {
				t.Fatalf("Decide not idempotent: %+v then %+v", got, again)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	if got := Classify("/profile"); got != ClassProtected {
		t.Fatalf("profile classification: %q", got)
	}
	if got := Classify("/signin"); got != ClassPublicOnly {
		t.Fatalf("signin classification: %q", got)
	}
	if got := Classify("/signup"); got != ClassPublicOnly {
		t.Fatalf("signup classification: %q", got)
	}
	if got := Classify("/anything"); got != ClassNeutral {
		t.Fatalf("neutral classification: %q", got)
	}
}
