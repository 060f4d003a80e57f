package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"medledger/internal/config"
	"medledger/internal/db"
	"medledger/internal/domain"
	"medledger/internal/engine"
	"medledger/internal/migrate"
	"medledger/internal/server"
)

type testServer struct {
	*httptest.Server
	T      *testing.T
	Tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("test-ledger")
	cfg.Verification.Secret = "test-verify-secret"
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC) }

	seed := []domain.Actor{
		{ID: "adm-1", Role: domain.RoleAdmin},
		{ID: "MFR-1", Role: domain.RoleManufacturer},
		{ID: "dist-1", Role: domain.RoleDistributor},
		{ID: "user-1", Role: domain.RoleEnduser},
	}
	for _, a := range seed {
		a.Active = true
		a.CreatedAt = "2024-03-01T00:00:00Z"
		if err := eng.Repo.InsertActor(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth:   server.AuthConfig{JWTSecret: "test-jwt-secret", AllowDevLogin: true},
	})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	ts := &testServer{
		Server: httptest.NewServer(handler),
		T:      t,
		Tokens: map[string]string{},
	}
	t.Cleanup(ts.Close)
	for _, a := range seed {
		ts.Tokens[a.Role] = ts.devLogin(a.ID)
	}
	return ts
}

func (ts *testServer) devLogin(actorID string) string {
	ts.T.Helper()
	status, body := ts.do(http.MethodPost, "/v0/auth/dev/login", "", map[string]string{"actor_id": actorID})
	if status != http.StatusOK {
		ts.T.Fatalf("dev login for %s: status %d body %s", actorID, status, body)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Token == "" {
		ts.T.Fatalf("dev login response: %v %s", err, body)
	}
	return out.Token
}

func (ts *testServer) do(method, path, token string, payload any) (int, []byte) {
	ts.T.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			ts.T.Fatal(err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, body)
	if err != nil {
		ts.T.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := ts.Client().Do(req)
	if err != nil {
		ts.T.Fatal(err)
	}
	defer res.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(res.Body); err != nil {
		ts.T.Fatal(err)
	}
	return res.StatusCode, buf.Bytes()
}

type errEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (ts *testServer) errorCode(body []byte) string {
	ts.T.Helper()
	var env errEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		ts.T.Fatalf("decode error envelope: %v body=%s", err, body)
	}
	return env.Error.Code
}

func (ts *testServer) createBatch(token string) map[string]any {
	ts.T.Helper()
	status, body := ts.do(http.MethodPost, "/v0/batches", token, map[string]any{
		"medicine_name":      "Paracetamol",
		"quantity":           1000,
		"manufacturing_date": "2024-02-01",
		"expiry_date":        "2025-02-01",
	})
	if status != http.StatusCreated {
		ts.T.Fatalf("create batch: status %d body %s", status, body)
	}
	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		ts.T.Fatal(err)
	}
	return out
}

func TestHealthIsOpen(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(http.MethodGet, "/v0/health", "", nil)
	if status != http.StatusOK {
		t.Fatalf("health: %d", status)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(http.MethodGet, "/v0/batches", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status %d body %s", status, body)
	}
	if code := ts.errorCode(body); code != "unauthorized" {
		t.Fatalf("code %s", code)
	}
	status, body = ts.do(http.MethodGet, "/v0/batches", "bogus-token", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("bogus token: status %d body %s", status, body)
	}
}

func TestCreateAndTransitionFlow(t *testing.T) {
	ts := newTestServer(t)
	b := ts.createBatch(ts.Tokens[domain.RoleManufacturer])
	batchID := b["batch_id"].(string)
	if b["status"] != domain.StatusManufactured || b["version"].(float64) != 0 {
		t.Fatalf("unexpected new batch: %v", b)
	}

	// Wrong role first.
	status, body := ts.do(http.MethodPost, "/v0/batches/"+batchID+"/transitions",
		ts.Tokens[domain.RoleDistributor], map[string]string{"target_status": domain.StatusInTransit})
	if status != http.StatusForbidden || ts.errorCode(body) != "forbidden" {
		t.Fatalf("distributor ship: %d %s", status, body)
	}

	status, body = ts.do(http.MethodPost, "/v0/batches/"+batchID+"/transitions",
		ts.Tokens[domain.RoleManufacturer], map[string]string{"target_status": domain.StatusInTransit})
	if status != http.StatusOK {
		t.Fatalf("ship: %d %s", status, body)
	}
	var shipped map[string]any
	if err := json.Unmarshal(body, &shipped); err != nil {
		t.Fatal(err)
	}
	if shipped["status"] != domain.StatusInTransit || shipped["version"].(float64) != 1 {
		t.Fatalf("after ship: %v", shipped)
	}

	// Edge that does not exist in the graph.
	status, body = ts.do(http.MethodPost, "/v0/batches/"+batchID+"/transitions",
		ts.Tokens[domain.RoleAdmin], map[string]string{"target_status": domain.StatusSold})
	if status != http.StatusUnprocessableEntity || ts.errorCode(body) != "invalid_transition" {
		t.Fatalf("bad edge: %d %s", status, body)
	}
}

func TestDuplicateBatchIDConflict(t *testing.T) {
	ts := newTestServer(t)
	payload := map[string]any{
		"batch_id":           "BAT-dup",
		"medicine_name":      "Aspirin",
		"quantity":           10,
		"manufacturing_date": "2024-02-01",
		"expiry_date":        "2025-02-01",
	}
	status, body := ts.do(http.MethodPost, "/v0/batches", ts.Tokens[domain.RoleManufacturer], payload)
	if status != http.StatusCreated {
		t.Fatalf("first create: %d %s", status, body)
	}
	status, body = ts.do(http.MethodPost, "/v0/batches", ts.Tokens[domain.RoleManufacturer], payload)
	if status != http.StatusConflict || ts.errorCode(body) != "duplicate_id" {
		t.Fatalf("duplicate: %d %s", status, body)
	}
}

func TestGetBatchNotFound(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(http.MethodGet, "/v0/batches/BAT-none", ts.Tokens[domain.RoleAdmin], nil)
	if status != http.StatusNotFound || ts.errorCode(body) != "not_found" {
		t.Fatalf("%d %s", status, body)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	b := ts.createBatch(ts.Tokens[domain.RoleManufacturer])
	batchID := b["batch_id"].(string)
	status, _ := ts.do(http.MethodPost, "/v0/batches/"+batchID+"/transitions",
		ts.Tokens[domain.RoleManufacturer], map[string]string{"target_status": domain.StatusInTransit})
	if status != http.StatusOK {
		t.Fatalf("ship: %d", status)
	}

	status, body := ts.do(http.MethodGet, "/v0/batches/"+batchID+"/history", ts.Tokens[domain.RoleAdmin], nil)
	if status != http.StatusOK {
		t.Fatalf("history: %d %s", status, body)
	}
	var h struct {
		BatchID     string           `json:"batch_id"`
		Records     []map[string]any `json:"records"`
		ChainIntact bool             `json:"chain_intact"`
	}
	if err := json.Unmarshal(body, &h); err != nil {
		t.Fatal(err)
	}
	if !h.ChainIntact || len(h.Records) != 2 {
		t.Fatalf("history verdict: %+v", h)
	}
}

func TestVerifyIsOpenAndHonest(t *testing.T) {
	ts := newTestServer(t)
	b := ts.createBatch(ts.Tokens[domain.RoleManufacturer])
	payload := b["verification_token"].(string)

	// No credential on purpose.
	status, body := ts.do(http.MethodPost, "/v0/verify", "", map[string]string{"payload": payload})
	if status != http.StatusOK {
		t.Fatalf("verify: %d %s", status, body)
	}
	var out struct {
		Valid   bool   `json:"valid"`
		BatchID string `json:"batch_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if !out.Valid || out.BatchID != b["batch_id"] {
		t.Fatalf("expected valid verdict: %+v", out)
	}

	status, body = ts.do(http.MethodPost, "/v0/verify", "", map[string]string{"payload": "garbage"})
	if status != http.StatusOK {
		t.Fatalf("verify garbage: %d %s", status, body)
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Valid || out.Reason == "" {
		t.Fatalf("expected invalid verdict with reason: %+v", out)
	}
}

func TestActorAdminGating(t *testing.T) {
	ts := newTestServer(t)
	newActor := map[string]string{"id": "sup-2", "role": domain.RoleSupplier, "name": "Pharma Stock"}

	status, body := ts.do(http.MethodPost, "/v0/actors", ts.Tokens[domain.RoleManufacturer], newActor)
	if status != http.StatusForbidden || ts.errorCode(body) != "forbidden" {
		t.Fatalf("non-admin create actor: %d %s", status, body)
	}
	status, body = ts.do(http.MethodPost, "/v0/actors", ts.Tokens[domain.RoleAdmin], newActor)
	if status != http.StatusCreated {
		t.Fatalf("admin create actor: %d %s", status, body)
	}
	status, body = ts.do(http.MethodPost, "/v0/actors", ts.Tokens[domain.RoleAdmin], map[string]string{"id": "x", "role": "wizard"})
	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		t.Fatalf("unknown role: %d %s", status, body)
	}
}

func TestDeactivatedActorLosesAccess(t *testing.T) {
	ts := newTestServer(t)
	token := ts.Tokens[domain.RoleDistributor]
	status, _ := ts.do(http.MethodGet, "/v0/batches", token, nil)
	if status != http.StatusOK {
		t.Fatalf("before deactivation: %d", status)
	}
	status, body := ts.do(http.MethodDelete, "/v0/actors/dist-1", ts.Tokens[domain.RoleAdmin], nil)
	if status != http.StatusNoContent && status != http.StatusOK {
		t.Fatalf("deactivate: %d %s", status, body)
	}
	status, body = ts.do(http.MethodGet, "/v0/batches", token, nil)
	if status != http.StatusForbidden {
		t.Fatalf("after deactivation: %d %s", status, body)
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	ts := newTestServer(t)
	status, body := ts.do(http.MethodPost, "/v0/actors/MFR-1/keys", ts.Tokens[domain.RoleAdmin], nil)
	if status != http.StatusCreated {
		t.Fatalf("issue key: %d %s", status, body)
	}
	var issued struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(body, &issued); err != nil || issued.Key == "" {
		t.Fatalf("issued key: %v %s", err, body)
	}

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/v0/batches", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Api-Key", issued.Key)
	res, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d", res.StatusCode)
	}

	req.Header.Set("X-Api-Key", "mlk_"+fmt.Sprint(time.Now().UnixNano()))
	res2, err := ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown api key: %d", res2.StatusCode)
	}
}

func TestListBatchFilters(t *testing.T) {
	ts := newTestServer(t)
	b := ts.createBatch(ts.Tokens[domain.RoleManufacturer])
	ts.createBatch(ts.Tokens[domain.RoleManufacturer])
	batchID := b["batch_id"].(string)
	status, _ := ts.do(http.MethodPost, "/v0/batches/"+batchID+"/transitions",
		ts.Tokens[domain.RoleManufacturer], map[string]string{"target_status": domain.StatusInTransit})
	if status != http.StatusOK {
		t.Fatalf("ship: %d", status)
	}

	status, body := ts.do(http.MethodGet, "/v0/batches?status=InTransit", ts.Tokens[domain.RoleAdmin], nil)
	if status != http.StatusOK {
		t.Fatalf("filter: %d %s", status, body)
	}
	var items []map[string]any
	if err := json.Unmarshal(body, &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0]["batch_id"] != batchID {
		t.Fatalf("status filter result: %v", items)
	}

	status, body = ts.do(http.MethodGet, "/v0/batches?status=Nonsense", ts.Tokens[domain.RoleAdmin], nil)
	if status != http.StatusBadRequest {
		t.Fatalf("unknown status filter: %d %s", status, body)
	}
}
