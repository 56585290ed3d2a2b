package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"portfolio/internal/identity"
	"portfolio/internal/storage"
	"portfolio/pkg/domain"
)

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *storage.MemoryKV) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	store := storage.NewMemoryKV()
	return NewManager(store, identity.NewClient(srv.URL)), store
}

func assertInvariant(t *testing.T, state domain.AuthState) {
	t.Helper()
	derived := state.Token != "" && state.User != nil
	if state.IsAuthenticated != derived {
		t.Fatalf("invariant violated: %+v", state)
	}
}

func assertPurged(t *testing.T, store *storage.MemoryKV) {
	t.Helper()
	if _, ok, _ := store.Get(context.Background(), storage.KeyAuthToken); ok {
		t.Fatal("token must be purged from storage")
	}
	if _, ok, _ := store.Get(context.Background(), storage.KeyAuthUser); ok {
		t.Fatal("user snapshot must be purged from storage")
	}
}

func seedAuth(t *testing.T, store *storage.MemoryKV, token string, user domain.User) {
	t.Helper()
	data, err := json.Marshal(user)
	if err != nil {
		t.Fatalf("marshal user: %v", err)
	}
	_ = store.Set(context.Background(), storage.KeyAuthToken, token)
	_ = store.Set(context.Background(), storage.KeyAuthUser, string(data))
}

func writeEnvelope(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	})
}

func TestInitializeWithStoredCredentials(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/me" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.User{ID: 1, Username: "a", Email: "a@b.com"})
	})
	seedAuth(t, store, "T", domain.User{ID: 1, Username: "a"})

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !mgr.Ready() {
		t.Fatal("manager must report ready after Initialize settles")
	}
	state := mgr.State()
	assertInvariant(t, state)
	if !state.IsAuthenticated || state.Token != "T" || state.User == nil || state.User.ID != 1 {
		t.Fatalf("expected optimistic authenticated state, got %+v", state)
	}
}

func TestInitializeMissingSnapshotClears(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	})
	_ = store.Set(context.Background(), storage.KeyAuthToken, "T")

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	state := mgr.State()
	assertInvariant(t, state)
	if state.IsAuthenticated {
		t.Fatalf("expected unauthenticated state, got %+v", state)
	}
	assertPurged(t, store)
}

func TestInitializeMalformedSnapshotPurgesBothKeys(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	})
	_ = store.Set(context.Background(), storage.KeyAuthToken, "T")
	_ = store.Set(context.Background(), storage.KeyAuthUser, "{not json")

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	assertInvariant(t, mgr.State())
	if mgr.State().IsAuthenticated {
		t.Fatal("malformed snapshot must leave the session unauthenticated")
	}
	assertPurged(t, store)
}

func TestInitializeExpiredTokenPurges(t *testing.T) {
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected for an expired token")
	})
	seedAuth(t, store, expired, domain.User{ID: 1})

	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if mgr.State().IsAuthenticated {
		t.Fatal("expired token must not authenticate")
	}
	assertPurged(t, store)
}

func TestCheckAuthStatus401SilentLogout(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusUnauthorized, "Invalid token")
	})
	seedAuth(t, store, "stale", domain.User{ID: 1})

	if err := mgr.CheckAuthStatus(context.Background()); err != nil {
		t.Fatalf("401 must be handled silently, got %v", err)
	}
	state := mgr.State()
	assertInvariant(t, state)
	if state.IsAuthenticated {
		t.Fatalf("expected fully unauthenticated state, got %+v", state)
	}
	assertPurged(t, store)
}

func TestCheckAuthStatusRefreshesSnapshot(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer T" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewEncoder(w).Encode(domain.User{ID: 1, Username: "renamed", Email: "a@b.com"})
	})
	seedAuth(t, store, "T", domain.User{ID: 1, Username: "old"})

	if err := mgr.CheckAuthStatus(context.Background()); err != nil {
		t.Fatalf("check auth status: %v", err)
	}
	state := mgr.State()
	assertInvariant(t, state)
	if !state.IsAuthenticated || state.User.Username != "renamed" {
		t.Fatalf("expected refreshed user, got %+v", state)
	}
	snapshot, ok, _ := store.Get(context.Background(), storage.KeyAuthUser)
	if !ok {
		t.Fatal("snapshot must be re-persisted")
	}
	var user domain.User
	if err := json.Unmarshal([]byte(snapshot), &user); err != nil || user.Username != "renamed" {
		t.Fatalf("stored snapshot mismatch: %q %v", snapshot, err)
	}
}

func TestCheckAuthStatusNetworkFailureClears(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	store := storage.NewMemoryKV()
	mgr := NewManager(store, identity.NewClient(srv.URL))
	seedAuth(t, store, "T", domain.User{ID: 1})
	srv.Close()

	if err := mgr.CheckAuthStatus(context.Background()); err == nil {
		t.Fatal("expected a validation error")
	}
	if mgr.State().IsAuthenticated {
		t.Fatal("no partial stale-but-authenticated state is allowed")
	}
	assertPurged(t, store)
}

func TestCheckAuthStatusWithoutToken(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected without a token")
	})
	if err := mgr.CheckAuthStatus(context.Background()); err != nil {
		t.Fatalf("check auth status: %v", err)
	}
	assertInvariant(t, mgr.State())
	assertPurged(t, store)
}

func TestLoginPersistsSession(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/local" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var creds domain.LoginCredentials
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds.Identifier != "a@b.com" || creds.Password != "secret1" {
			writeEnvelope(w, http.StatusBadRequest, "Invalid identifier or password")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jwt":  "T",
			"user": domain.User{ID: 1, Username: "a"},
		})
	})

	err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "a@b.com", Password: "secret1"})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	state := mgr.State()
	assertInvariant(t, state)
	if !state.IsAuthenticated || state.Token != "T" || state.User.ID != 1 {
		t.Fatalf("unexpected state after login: %+v", state)
	}
	token, ok, _ := store.Get(context.Background(), storage.KeyAuthToken)
	if !ok || token != "T" {
		t.Fatalf("token not persisted: %q %v", token, ok)
	}
	if _, ok, _ := store.Get(context.Background(), storage.KeyAuthUser); !ok {
		t.Fatal("user snapshot not persisted")
	}
}

func TestLoginFailureClearsPriorAuth(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusBadRequest, "Invalid identifier or password")
	})
	seedAuth(t, store, "old", domain.User{ID: 9})

	err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "a@b.com", Password: "wrong"})
	var remote *domain.RemoteError
	if !errors.As(err, &remote) || remote.Message != "Invalid identifier or password" {
		t.Fatalf("expected remote error with envelope message, got %v", err)
	}
	assertInvariant(t, mgr.State())
	if mgr.State().IsAuthenticated {
		t.Fatal("failed login must clear prior auth artifacts")
	}
	assertPurged(t, store)
}

func TestLoginValidationSkipsNetwork(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("validation errors must never reach the network")
	})
	err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "", Password: "x"})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestRegisterDoesNotAuthenticate(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/local/register" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	err := mgr.Register(context.Background(), domain.RegisterCredentials{
		Username: "a", Email: "a@b.com", Password: "secret1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if mgr.State().IsAuthenticated {
		t.Fatal("register must not authenticate the new account")
	}
	assertPurged(t, store)
}

func TestLogoutClearsEverythingWithoutNetwork(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/local" {
			t.Errorf("unexpected call to %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jwt":  "T",
			"user": domain.User{ID: 1, Username: "a"},
		})
	})
	if err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "a", Password: "p"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	mgr.Logout()
	state := mgr.State()
	assertInvariant(t, state)
	if state.IsAuthenticated {
		t.Fatalf("expected unauthenticated state, got %+v", state)
	}
	assertPurged(t, store)
}

func TestChangePasswordMismatchSkipsNetwork(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("password mismatch must never reach the network")
	})
	err := mgr.ChangePassword(context.Background(), domain.ChangePassword{
		CurrentPassword:      "old",
		Password:             "new1",
		PasswordConfirmation: "new2",
	})
	var validation *domain.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestUpdateProfileRefreshesStateAndSnapshot(t *testing.T) {
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/auth/local":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jwt":  "T",
				"user": domain.User{ID: 7, Username: "old"},
			})
		case r.URL.Path == "/users/7" && r.Method == http.MethodPut:
			_ = json.NewEncoder(w).Encode(domain.User{ID: 7, Username: "fresh"})
		default:
			http.NotFound(w, r)
		}
	})
	if err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "a", Password: "p"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	user, err := mgr.UpdateProfile(context.Background(), domain.ProfileUpdate{Username: "fresh"})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	if user.Username != "fresh" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if got := mgr.State().User.Username; got != "fresh" {
		t.Fatalf("state not refreshed: %q", got)
	}
	snapshot, _, _ := store.Get(context.Background(), storage.KeyAuthUser)
	var stored domain.User
	if err := json.Unmarshal([]byte(snapshot), &stored); err != nil || stored.Username != "fresh" {
		t.Fatalf("snapshot not refreshed: %q", snapshot)
	}
}

func TestUpdateProfileRequiresSession(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no network call expected")
	})
	if _, err := mgr.UpdateProfile(context.Background(), domain.ProfileUpdate{Username: "x"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestLogoutSupersedesInFlightValidation(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(entered) })
		<-release
		_ = json.NewEncoder(w).Encode(domain.User{ID: 1, Username: "a"})
	})
	seedAuth(t, store, "T", domain.User{ID: 1, Username: "a"})

	done := make(chan error, 1)
	go func() {
		done <- mgr.CheckAuthStatus(context.Background())
	}()
	<-entered

	mgr.Logout()
	if mgr.State().IsAuthenticated {
		t.Fatal("logout must clear state immediately")
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("check auth status: %v", err)
	}
	state := mgr.State()
	assertInvariant(t, state)
	if state.IsAuthenticated {
		t.Fatalf("validation that straddled a logout must be discarded, got %+v", state)
	}
	assertPurged(t, store)
}

func TestLoginSupersedesInFlightValidation(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	mgr, store := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/me":
			once.Do(func() { close(entered) })
			<-release
			writeEnvelope(w, http.StatusUnauthorized, "Invalid token")
		case "/auth/local":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jwt":  "T2",
				"user": domain.User{ID: 2, Username: "b"},
			})
		default:
			http.NotFound(w, r)
		}
	})
	seedAuth(t, store, "stale", domain.User{ID: 1, Username: "a"})

	done := make(chan error, 1)
	go func() {
		done <- mgr.CheckAuthStatus(context.Background())
	}()
	<-entered

	if err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "b", Password: "p"}); err != nil {
		t.Fatalf("login: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("check auth status: %v", err)
	}
	state := mgr.State()
	assertInvariant(t, state)
	if !state.IsAuthenticated || state.Token != "T2" || state.User.ID != 2 {
		t.Fatalf("stale failing validation must not purge a fresh login, got %+v", state)
	}
	if token, ok, _ := store.Get(context.Background(), storage.KeyAuthToken); !ok || token != "T2" {
		t.Fatalf("fresh token lost from storage: %q %v", token, ok)
	}
}

func TestSubscribeObservesStateChanges(t *testing.T) {
	mgr, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jwt":  "T",
			"user": domain.User{ID: 1, Username: "a"},
		})
	})
	updates, cancel := mgr.Subscribe()
	defer cancel()

	if err := mgr.Login(context.Background(), domain.LoginCredentials{Identifier: "a", Password: "p"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	select {
	case state := <-updates:
		assertInvariant(t, state)
		if !state.IsAuthenticated {
			t.Fatalf("expected authenticated snapshot, got %+v", state)
		}
	case <-time.After(time.Second):
		t.Fatal("no state notification received")
	}
}
