package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"trust-bridge/backend/internal/apperr"
	"trust-bridge/backend/internal/callback"
	"trust-bridge/backend/internal/identity"
	"trust-bridge/backend/internal/onboarding"
	"trust-bridge/backend/internal/onboarding/domain"
	"trust-bridge/backend/internal/registry"
	"trust-bridge/backend/internal/telemetry"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeOrchestrator struct {
	mu          sync.Mutex
	session     *domain.Session
	initErr     error
	pollResult  *domain.Result
	pollErr     error
	terminal    *domain.Result
	callbackURL string
	polledURL   string
	polled      chan struct{}
}

func (f *fakeOrchestrator) Initiate(ctx context.Context, user *identity.UserData, callbackURL string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbackURL = callbackURL
	if f.initErr != nil {
		return nil, f.initErr
	}
	s := *f.session
	s.StableUserID = user.StableUserID()
	s.InstitutionID = user.InstitutionID()
	return &s, nil
}

func (f *fakeOrchestrator) PollStatus(ctx context.Context, sessionID, backendURL string) (*domain.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polledURL = backendURL
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	r := *f.pollResult
	r.SessionID = sessionID
	return &r, nil
}

func (f *fakeOrchestrator) PollUntilTerminal(ctx context.Context, sessionID, backendURL string) (*domain.Result, error) {
	defer func() {
		if f.polled != nil {
			close(f.polled)
		}
	}()
	if f.terminal == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := *f.terminal
	r.SessionID = sessionID
	return &r, nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []*telemetry.Event
}

func (e *recordingEmitter) Emit(ctx context.Context, ev *telemetry.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	handler *Handler
	router  chi.Router
	orch    *fakeOrchestrator
	store   *onboarding.ResultStore
	auth    *callback.Authenticator
	emitter *recordingEmitter
}

func newFixture(t *testing.T, cbCfg callback.Config) *fixture {
	t.Helper()
	orch := &fakeOrchestrator{
		session:    &domain.Session{SessionID: "sess-1", BackendURL: "https://ib.uned.es", CeremonyURL: "https://ib.uned.es/onboarding/webauthn/ceremony/sess-1"},
		pollResult: &domain.Result{Status: domain.StatusInProgress},
	}
	store := onboarding.NewResultStore(time.Minute)
	auth := callback.New(cbCfg)
	emitter := &recordingEmitter{}
	h := New(Config{
		Orchestrator:  orch,
		Resolver:      registry.NewResolver(registry.NewMemory(map[string]string{"uned.es": "https://ib.uned.es/"}), nil),
		Authenticator: auth,
		Store:         store,
		PublicBaseURL: "https://marketplace.example/",
		Emitter:       emitter,
	})
	r := chi.NewRouter()
	h.Routes(r)
	return &fixture{handler: h, router: r, orch: orch, store: store, auth: auth, emitter: emitter}
}

func testUser() *identity.UserData {
	return &identity.UserData{
		Email:                   "ada@uned.es",
		Name:                    "Ada",
		Affiliation:             "staff@uned.es",
		SchacPersonalUniqueCode: "urn:uned:42",
	}
}

func (f *fixture) do(req *http.Request, user *identity.UserData) *httptest.ResponseRecorder {
	if user != nil {
		req = req.WithContext(identity.WithUser(req.Context(), user))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestInitiate(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret})

	rec := f.do(httptest.NewRequest(http.MethodPost, "/onboarding/initiate", nil), testUser())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got struct {
		Success     bool   `json:"success"`
		SessionID   string `json:"sessionId"`
		CeremonyURL string `json:"ceremonyUrl"`
	}
	decode(t, rec, &got)
	if !got.Success || got.SessionID != "sess-1" || got.CeremonyURL == "" {
		t.Errorf("response = %+v", got)
	}

	u, err := url.Parse(f.orch.callbackURL)
	if err != nil {
		t.Fatalf("callback url: %v", err)
	}
	if u.Host != "marketplace.example" || u.Path != CallbackPath {
		t.Errorf("callback url = %q", f.orch.callbackURL)
	}
	if u.Query().Get(callback.QueryParam) == "" {
		t.Error("callback url carries no callback token")
	}
}

func TestInitiate_RequiresSession(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret})
	rec := f.do(httptest.NewRequest(http.MethodPost, "/onboarding/initiate", nil), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestInitiate_Errors(t *testing.T) {
	testCases := []struct {
		name       string
		cbCfg      callback.Config
		initErr    error
		wantStatus int
		wantCode   string
	}{
		{"no backend", callback.Config{Secret: testSecret}, apperr.New(apperr.CodeNoBackendConfigured, "none"), http.StatusNotFound, apperr.CodeNoBackendConfigured},
		{"backend down", callback.Config{Secret: testSecret}, apperr.New(apperr.CodeBackendUnreachable, "down"), http.StatusBadGateway, apperr.CodeBackendUnreachable},
		{"signature required without secret", callback.Config{SignatureRequired: true}, nil, http.StatusInternalServerError, apperr.CodeConfiguration},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.cbCfg)
			f.orch.initErr = tc.initErr
			rec := f.do(httptest.NewRequest(http.MethodPost, "/onboarding/initiate", nil), testUser())
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			var body struct{ Code string }
			decode(t, rec, &body)
			if body.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tc.wantCode)
			}
		})
	}
}

func TestInitiate_BackgroundPollStoresOutcome(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret})
	f.handler.backgroundPoll = true
	f.orch.terminal = &domain.Result{Status: domain.StatusSuccess, Success: true, CredentialID: "cred-bg"}
	f.orch.polled = make(chan struct{})

	rec := f.do(httptest.NewRequest(http.MethodPost, "/onboarding/initiate", nil), testUser())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case <-f.orch.polled:
	case <-time.After(2 * time.Second):
		t.Fatal("background poll did not run")
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, ok := f.store.FindByUser(context.Background(), "urn:uned:42", "uned.es"); ok {
			if res.CredentialID != "cred-bg" || res.SessionID != "sess-1" {
				t.Errorf("stored = %+v", res)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("background poll result not stored")
}

func signedCallback(t *testing.T, body []byte, token string, ts time.Time) *http.Request {
	t.Helper()
	target := CallbackPath
	if token != "" {
		target += "?" + callback.QueryParam + "=" + url.QueryEscape(token)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	stamp := strconv.FormatInt(ts.Unix(), 10)
	req.Header.Set(callback.HeaderTimestamp, stamp)
	req.Header.Set(callback.HeaderSignature, callback.Sign(testSecret, stamp, body))
	return req
}

func TestCallback_StoresUnderAllKeys(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret, SignatureRequired: true})
	body := []byte(`{"sessionId":"sess-1","stableUserId":"urn:uned:42","institutionId":"UNED.es","status":"SUCCESS","credentialId":"cred-1","publicKey":"pk"}`)

	rec := f.do(signedCallback(t, body, "", time.Now()), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	ctx := context.Background()
	for _, key := range []string{"sess-1", "urn:uned:42", domain.CompositeKey("urn:uned:42", "uned.es")} {
		res, ok := f.store.Get(ctx, key)
		if !ok {
			t.Errorf("no result under %q", key)
			continue
		}
		if !res.Success || res.CredentialID != "cred-1" || res.InstitutionID != "uned.es" {
			t.Errorf("result under %q = %+v", key, res)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(f.emitter.types()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := f.emitter.types(); len(got) != 1 || got[0] != telemetry.EventOnboardingCallback {
		t.Errorf("events = %v", got)
	}
}

func TestCallback_TokenFillsBinding(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret, RequireToken: true})
	token, _, err := f.auth.IssueToken(callback.Claims{StableUserID: "urn:uned:42", InstitutionID: "uned.es", SessionID: "sess-7"})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	body := []byte(`{"status":"FAILED","error":"user cancelled"}`)
	req := httptest.NewRequest(http.MethodPost, CallbackPath+"?"+callback.QueryParam+"="+token, bytes.NewReader(body))

	rec := f.do(req, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	res, ok := f.store.FindByUser(context.Background(), "urn:uned:42", "uned.es")
	if !ok {
		t.Fatal("result not stored for the token's user")
	}
	if res.SessionID != "sess-7" || res.Success || res.Status != domain.StatusFailed {
		t.Errorf("result = %+v", res)
	}
}

func TestCallback_Rejections(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret, SignatureRequired: true})
	body := []byte(`{"sessionId":"sess-1","stableUserId":"urn:uned:42","status":"SUCCESS"}`)
	otherToken, _, err := f.auth.IssueToken(callback.Claims{StableUserID: "someone-else"})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	testCases := []struct {
		name string
		req  func() *http.Request
	}{
		{"unsigned", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, CallbackPath, bytes.NewReader(body))
		}},
		{"stale timestamp", func() *http.Request { return signedCallback(t, body, "", time.Now().Add(-time.Hour)) }},
		{"tampered body", func() *http.Request {
			req := signedCallback(t, body, "", time.Now())
			req.Body = http.NoBody
			return req
		}},
		{"token bound to another user", func() *http.Request {
			return httptest.NewRequest(http.MethodPost, CallbackPath+"?"+callback.QueryParam+"="+otherToken, bytes.NewReader(body))
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(tc.req(), nil)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			var got struct{ Error, Code string }
			decode(t, rec, &got)
			if got.Code != "CALLBACK_UNAUTHORIZED" || got.Error != "callback verification failed" {
				t.Errorf("body = %+v, want generic rejection", got)
			}
		})
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d entries after rejected callbacks", f.store.Len())
	}
}

func TestCallback_UnsignedRejectedWhenSecretSet(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret})
	body := []byte(`{"sessionId":"sess-1","stableUserId":"urn:uned:42","institutionId":"uned.es","status":"SUCCESS","credentialId":"forged"}`)

	rec := f.do(httptest.NewRequest(http.MethodPost, CallbackPath, bytes.NewReader(body)), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if f.store.Len() != 0 {
		t.Errorf("store has %d entries after an unsigned callback", f.store.Len())
	}
	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/result", nil), testUser())
	var got resultResponse
	decode(t, rec, &got)
	if got.Found {
		t.Errorf("result = %+v, want nothing stored", got.Result)
	}

	rec = f.do(signedCallback(t, body, "", time.Now()), nil)
	if rec.Code != http.StatusOK {
		t.Errorf("signed status = %d, want 200", rec.Code)
	}
}

func TestStatus_StoredResultOwnership(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret})
	ctx := context.Background()
	f.store.Put(ctx, "no-user", domain.Result{SessionID: "no-user", InstitutionID: "uhu.es", Status: domain.StatusSuccess, Success: true})
	f.store.Put(ctx, "same-inst", domain.Result{SessionID: "same-inst", InstitutionID: "uned.es", Status: domain.StatusSuccess, Success: true})
	f.store.Put(ctx, "unbound", domain.Result{SessionID: "unbound", Status: domain.StatusSuccess, Success: true})
	f.store.Put(ctx, "user-only", domain.Result{SessionID: "user-only", StableUserID: "urn:uned:42", Status: domain.StatusSuccess, Success: true})

	testCases := []struct {
		session string
		want    int
	}{
		{"no-user", http.StatusForbidden},
		{"same-inst", http.StatusOK},
		{"unbound", http.StatusForbidden},
		{"user-only", http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.session, func(t *testing.T) {
			rec := f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/"+tc.session, nil), testUser())
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestCallback_MissingSessionID(t *testing.T) {
	f := newFixture(t, callback.Config{})
	rec := f.do(httptest.NewRequest(http.MethodPost, CallbackPath, strings.NewReader(`{"status":"SUCCESS"}`)), nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, callback.Config{Secret: testSecret})
	ctx := context.Background()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/sess-2", nil), testUser())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if f.orch.polledURL != "https://ib.uned.es" {
		t.Errorf("polled backend = %q, want resolved institution backend", f.orch.polledURL)
	}
	if _, ok := f.store.Get(ctx, "sess-2"); ok {
		t.Error("non-terminal poll result should not be stored")
	}

	f.orch.pollResult = &domain.Result{Status: domain.StatusCompleted, Success: true}
	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/sess-3", nil), testUser())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if res, ok := f.store.Get(ctx, "sess-3"); !ok || res.StableUserID != "urn:uned:42" {
		t.Errorf("terminal result = %+v, %v", res, ok)
	}

	// Served from the store without polling.
	f.orch.pollErr = apperr.New(apperr.CodeBackendUnreachable, "down")
	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/sess-3", nil), testUser())
	if rec.Code != http.StatusOK {
		t.Errorf("stored status = %d, want 200", rec.Code)
	}

	other := testUser()
	other.SchacPersonalUniqueCode = "urn:uned:99"
	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/sess-3", nil), other)
	if rec.Code != http.StatusForbidden {
		t.Errorf("foreign session status = %d, want 403", rec.Code)
	}

	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/sess-4", nil), testUser())
	if rec.Code != http.StatusBadGateway {
		t.Errorf("poll failure status = %d, want 502", rec.Code)
	}

	unknown := testUser()
	unknown.Affiliation = "staff@nowhere.edu"
	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/status/sess-5", nil), unknown)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no backend status = %d, want 404", rec.Code)
	}
}

func TestResult(t *testing.T) {
	f := newFixture(t, callback.Config{})
	rec := f.do(httptest.NewRequest(http.MethodGet, "/onboarding/result", nil), testUser())
	var got resultResponse
	decode(t, rec, &got)
	if rec.Code != http.StatusOK || got.Found {
		t.Errorf("empty store: status %d, %+v", rec.Code, got)
	}

	f.store.PutAll(context.Background(), domain.Result{SessionID: "s", StableUserID: "urn:uned:42", InstitutionID: "uned.es", Status: domain.StatusSuccess, Success: true},
		"s", "urn:uned:42", domain.CompositeKey("urn:uned:42", "uned.es"))
	rec = f.do(httptest.NewRequest(http.MethodGet, "/onboarding/result", nil), testUser())
	got = resultResponse{}
	decode(t, rec, &got)
	if !got.Found || got.Result == nil || got.Result.SessionID != "s" {
		t.Errorf("result = %+v", got)
	}
}
