package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/octolab/octolab/internal/auth"
	"github.com/octolab/octolab/internal/domain"
	"github.com/octolab/octolab/internal/labs"
	"github.com/octolab/octolab/internal/runtime"
)

type fakeUsers struct {
	byEmail map[string]*domain.User
}

func (f *fakeUsers) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	u, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

type fakeLabService struct {
	labs          map[string]*domain.Lab
	preflightFail bool
}

func (f *fakeLabService) CreateLab(_ context.Context, id auth.Identity, req *labs.CreateLabRequest) (*domain.Lab, error) {
	if f.preflightFail {
		return nil, domain.E(domain.KindPreflightFailed, "doctor check \"kernel image\" failed")
	}
	if req.RecipeID == "" {
		return nil, domain.E(domain.KindValidation, "recipe_id is required")
	}
	lab := &domain.Lab{
		ID:            uuid.NewString(),
		OwnerID:       id.UserID,
		RecipeID:      req.RecipeID,
		Status:        domain.StatusReady,
		Runtime:       domain.RuntimeCompose,
		ConnectionURL: "http://127.0.0.1:20000/",
		EvidenceState: domain.EvidenceCollecting,
		CreatedAt:     time.Now().UTC(),
	}
	f.labs[lab.ID] = lab
	return lab, nil
}

func (f *fakeLabService) get(id auth.Identity, labID string) (*domain.Lab, error) {
	lab, ok := f.labs[labID]
	if !ok || (!id.Admin && lab.OwnerID != id.UserID) {
		return nil, domain.ErrLabNotFound
	}
	return lab, nil
}

func (f *fakeLabService) GetLab(_ context.Context, id auth.Identity, labID string) (*domain.Lab, error) {
	return f.get(id, labID)
}

func (f *fakeLabService) ListLabs(_ context.Context, id auth.Identity, _ []domain.LabStatus) ([]*domain.Lab, error) {
	var out []*domain.Lab
	for _, lab := range f.labs {
		if lab.OwnerID == id.UserID {
			out = append(out, lab)
		}
	}
	return out, nil
}

func (f *fakeLabService) TerminateLab(_ context.Context, id auth.Identity, labID string) error {
	lab, err := f.get(id, labID)
	if err != nil {
		return err
	}
	lab.Status = domain.StatusEnding
	return nil
}

func (f *fakeLabService) Connect(_ context.Context, id auth.Identity, labID string) (string, error) {
	lab, err := f.get(id, labID)
	if err != nil {
		return "", err
	}
	if !lab.Connectable() {
		return "", domain.E(domain.KindConflict, "lab is not connectable")
	}
	return lab.ConnectionURL + "?token=tok", nil
}

func (f *fakeLabService) InspectLab(_ context.Context, id auth.Identity, labID string) (*runtime.LabReport, error) {
	if _, err := f.get(id, labID); err != nil {
		return nil, err
	}
	return &runtime.LabReport{Running: true, Services: map[string]string{"attacker": "running"}}, nil
}

type fakeAdmin struct {
	override  domain.RuntimeName
	doctorOK  bool
	smokeRuns int
}

func (f *fakeAdmin) Default() domain.RuntimeName { return domain.RuntimeCompose }

func (f *fakeAdmin) Doctor(context.Context, domain.RuntimeName) (*runtime.DoctorReport, error) {
	report := &runtime.DoctorReport{Runtime: domain.RuntimeFirecracker, OK: true, RanAt: time.Now()}
	report.Add(runtime.DoctorCheck{Name: "kernel image", OK: f.doctorOK, Severity: runtime.SeverityFatal, Hint: "set microvm.kernel_path"})
	return report, nil
}

func (f *fakeAdmin) Smoke(context.Context, domain.RuntimeName) (*runtime.SmokeResult, error) {
	f.smokeRuns++
	return &runtime.SmokeResult{Runtime: domain.RuntimeFirecracker, OK: true}, nil
}

func (f *fakeAdmin) Override(context.Context) (domain.RuntimeName, error) {
	return f.override, nil
}

func (f *fakeAdmin) SetOverride(_ context.Context, name domain.RuntimeName) error {
	if name != "" && !name.IsValid() {
		return domain.E(domain.KindValidation, "unknown runtime")
	}
	f.override = name
	return nil
}

// fakeRedeemer mimics the single-use semantics of the Redis token store.
type fakeRedeemer struct {
	tokens map[string]string
}

func (f *fakeRedeemer) ConsumeConnectToken(_ context.Context, token string) (string, error) {
	labID, ok := f.tokens[token]
	if !ok {
		return "", domain.E(domain.KindNotFound, "connect token unknown or expired")
	}
	delete(f.tokens, token)
	return labID, nil
}

type fixture struct {
	handler  http.Handler
	labs     *fakeLabService
	admin    *fakeAdmin
	redeemer *fakeRedeemer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := &fakeUsers{byEmail: map[string]*domain.User{
		"alice@example.com": {ID: "user-alice", Email: "alice@example.com"},
		"bob@example.com":   {ID: "user-bob", Email: "bob@example.com"},
		"root@example.com":  {ID: "user-root", Email: "root@example.com"},
	}}
	labSvc := &fakeLabService{labs: make(map[string]*domain.Lab)}
	admin := &fakeAdmin{doctorOK: true}
	redeemer := &fakeRedeemer{tokens: make(map[string]string)}
	handler := NewHandler(ServerConfig{
		Labs:      labSvc,
		Admin:     admin,
		Users:     users,
		Allowlist: auth.NewAllowlist("root@example.com"),
		Tokens:    redeemer,
	})
	return &fixture{handler: handler, labs: labSvc, admin: admin, redeemer: redeemer}
}

func (f *fixture) do(t *testing.T, method, path, email, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if email != "" {
		req.Header.Set(identityHeader, email)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestMissingIdentityRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/labs", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != string(domain.KindUnauthenticated) {
		t.Fatalf("code = %s", body.Error.Code)
	}
}

func TestUnknownIdentityRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/labs", "nobody@example.com", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateLab(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"cve-2021-41773"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var lab domain.Lab
	if err := json.Unmarshal(rec.Body.Bytes(), &lab); err != nil {
		t.Fatal(err)
	}
	if lab.OwnerID != "user-alice" || lab.Status != domain.StatusReady {
		t.Fatalf("lab = %+v", lab)
	}
}

func TestCreateLabBadJSON(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/labs", "alice@example.com", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCreateLabPreflightFailedCarriesDoctorReport(t *testing.T) {
	f := newFixture(t)
	f.labs.preflightFail = true
	f.admin.doctorOK = false

	rec := f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"r"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Code != string(domain.KindPreflightFailed) {
		t.Fatalf("code = %s", body.Error.Code)
	}
	if body.Doctor == nil || body.Doctor.OK {
		t.Fatalf("doctor report missing or ok: %+v", body.Doctor)
	}
	if c := body.Doctor.FirstFatal(); c == nil || c.Name != "kernel image" {
		t.Fatalf("fatal check = %+v", c)
	}
}

// A cross-tenant lookup and a genuinely unknown id must return
// byte-identical bodies.
func TestCrossTenantBodyMatchesUnknownID(t *testing.T) {
	f := newFixture(t)
	created := f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"r"}`)
	var lab domain.Lab
	if err := json.Unmarshal(created.Body.Bytes(), &lab); err != nil {
		t.Fatal(err)
	}

	crossTenant := f.do(t, http.MethodGet, "/labs/"+lab.ID, "bob@example.com", "")
	unknown := f.do(t, http.MethodGet, "/labs/"+uuid.NewString(), "bob@example.com", "")

	if crossTenant.Code != http.StatusNotFound || unknown.Code != http.StatusNotFound {
		t.Fatalf("codes = %d, %d", crossTenant.Code, unknown.Code)
	}
	if crossTenant.Body.String() != unknown.Body.String() {
		t.Fatalf("bodies differ:\n%s\n%s", crossTenant.Body.String(), unknown.Body.String())
	}
}

func TestTerminateLabReturns204(t *testing.T) {
	f := newFixture(t)
	created := f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"r"}`)
	var lab domain.Lab
	if err := json.Unmarshal(created.Body.Bytes(), &lab); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodDelete, "/labs/"+lab.ID, "alice@example.com", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.labs.labs[lab.ID].Status != domain.StatusEnding {
		t.Fatalf("status = %s", f.labs.labs[lab.ID].Status)
	}
}

func TestConnectReturnsTokenizedURL(t *testing.T) {
	f := newFixture(t)
	created := f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"r"}`)
	var lab domain.Lab
	if err := json.Unmarshal(created.Body.Bytes(), &lab); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/labs/"+lab.ID+"/connect", "alice@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body["url"], "token=") {
		t.Fatalf("url = %s", body["url"])
	}
}

// The gateway redeems without a user identity; the token is single-use.
func TestRedeemConnectTokenSingleUse(t *testing.T) {
	f := newFixture(t)
	f.redeemer.tokens["tok-1"] = "lab-42"

	rec := f.do(t, http.MethodPost, "/internal/connect/redeem", "", `{"token":"tok-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["lab_id"] != "lab-42" {
		t.Fatalf("lab_id = %s", body["lab_id"])
	}

	replay := f.do(t, http.MethodPost, "/internal/connect/redeem", "", `{"token":"tok-1"}`)
	if replay.Code != http.StatusNotFound {
		t.Fatalf("replay status = %d", replay.Code)
	}
}

func TestRedeemConnectTokenValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/internal/connect/redeem", "", `{"token":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAdminEndpointsRequireAllowlist(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		method, path string
	}{
		{http.MethodGet, "/admin/microvm/doctor"},
		{http.MethodPost, "/admin/microvm/smoke"},
		{http.MethodGet, "/admin/runtime"},
		{http.MethodPost, "/admin/runtime"},
	} {
		rec := f.do(t, tc.method, tc.path, "alice@example.com", `{}`)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("%s %s: status = %d", tc.method, tc.path, rec.Code)
		}
	}
	if f.admin.smokeRuns != 0 {
		t.Fatalf("smoke ran %d times for a non-admin", f.admin.smokeRuns)
	}
}

func TestAdminRuntimeOverrideRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/runtime", "root@example.com", `{"override":"firecracker"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("set: status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/admin/runtime", "root@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["override"] != "firecracker" || body["effective"] != "firecracker" || body["default"] != "compose" {
		t.Fatalf("body = %v", body)
	}

	rec = f.do(t, http.MethodPost, "/admin/runtime", "root@example.com", `{"override":""}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("clear: status = %d", rec.Code)
	}
	if f.admin.override != "" {
		t.Fatalf("override = %s", f.admin.override)
	}
}

func TestAdminDoctorReturnsReport(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/admin/microvm/doctor", "root@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report runtime.DoctorReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Runtime != domain.RuntimeFirecracker || len(report.Checks) == 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestListLabsScopedToOwner(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"r"}`)
	f.do(t, http.MethodPost, "/labs", "alice@example.com", `{"recipe_id":"r"}`)

	rec := f.do(t, http.MethodGet, "/labs", "bob@example.com", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Labs []*domain.Lab `json:"labs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Labs) != 0 {
		t.Fatalf("bob sees %d labs", len(body.Labs))
	}
}
