package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"taskdesk/internal/config"
	"taskdesk/internal/db"
	"taskdesk/internal/engine"
	"taskdesk/internal/migrate"
)

const (
	aliceID = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
	bobID   = "bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb"
	itDept  = "11111111-1111-1111-1111-111111111111"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn)
	if err := e.Seed(context.Background(), config.Default()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type testEnvelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, data []byte, out any) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v (%s)", err, data)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode data: %v (%s)", err, env.Data)
		}
	}
	return env
}

func login(t *testing.T, srv *testServer, email string) (string, map[string]string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"email": email}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d (%s)", email, res.StatusCode, data)
	}
	var payload struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	env := decodeEnvelope(t, data, &payload)
	if !env.Success || payload.Token == "" {
		t.Fatalf("login envelope: %s", data)
	}
	return payload.User.ID, map[string]string{"Authorization": "Bearer " + payload.Token}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: status %d", res.StatusCode)
	}
}

func TestLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	userID, _ := login(t, srv, "alice@taskdesk.local")
	if userID != aliceID {
		t.Fatalf("login user: got %s", userID)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"email": "nobody@taskdesk.local"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown email: status %d (%s)", res.StatusCode, data)
	}
	env := decodeEnvelope(t, data, nil)
	if env.Success {
		t.Fatalf("error envelope must have success=false: %s", data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/login", map[string]any{"email": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank email: status %d", res.StatusCode)
	}
}

func TestRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", res.StatusCode)
	}
	env := decodeEnvelope(t, data, nil)
	if env.Success {
		t.Fatalf("expected success=false: %s", data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Basic abc"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme: status %d", res.StatusCode)
	}
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, aliceHdr := login(t, srv, "alice@taskdesk.local")
	_, bobHdr := login(t, srv, "bob@taskdesk.local")
	_, carolHdr := login(t, srv, "carol@taskdesk.local")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":          "Patch mail server",
		"description":    "Apply the September security updates",
		"due_date":       "2030-01-01T00:00:00Z",
		"assigned_to_id": bobID,
		"department_id":  itDept,
	}, aliceHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d (%s)", res.StatusCode, data)
	}
	var task struct {
		ID            string  `json:"id"`
		Status        string  `json:"status"`
		CreatedByID   string  `json:"created_by_id"`
		CompletedDate *string `json:"completed_date"`
	}
	decodeEnvelope(t, data, &task)
	if task.Status != "created" || task.CreatedByID != aliceID {
		t.Fatalf("created task: %+v", task)
	}

	// Carol (HR) cannot complete an IT task.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", nil, carolHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-department complete: status %d (%s)", res.StatusCode, data)
	}

	// Only the assignee can start.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/start", nil, aliceHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("creator start: status %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/start", nil, bobHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assignee start: status %d (%s)", res.StatusCode, data)
	}
	decodeEnvelope(t, data, &task)
	if task.Status != "in_progress" {
		t.Fatalf("after start: %+v", task)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", nil, bobHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete: status %d (%s)", res.StatusCode, data)
	}
	decodeEnvelope(t, data, &task)
	if task.Status != "completed" || task.CompletedDate == nil {
		t.Fatalf("after complete: %+v", task)
	}

	// Terminal tasks cannot move again.
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/reject", map[string]any{"reason": "changed my mind"}, bobHdr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("reject after complete: status %d", res.StatusCode)
	}
}

func TestUpdateAndDeleteAreCreatorOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, aliceHdr := login(t, srv, "alice@taskdesk.local")
	_, bobHdr := login(t, srv, "bob@taskdesk.local")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":          "Rotate backup tapes",
		"description":    "Swap the off-site set",
		"due_date":       "2030-01-01T00:00:00Z",
		"assigned_to_id": bobID,
		"department_id":  itDept,
	}, aliceHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d (%s)", res.StatusCode, data)
	}
	var task struct {
		ID string `json:"id"`
	}
	decodeEnvelope(t, data, &task)

	update := map[string]any{
		"title":          "Rotate backup tapes (weekly)",
		"description":    "Swap the off-site set",
		"due_date":       "2030-01-01T00:00:00Z",
		"assigned_to_id": bobID,
		"department_id":  itDept,
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/tasks/"+task.ID, update, bobHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-creator update: status %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/tasks/"+task.ID, update, aliceHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("creator update: status %d (%s)", res.StatusCode, data)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/tasks/"+task.ID, nil, bobHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-creator delete: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/tasks/"+task.ID, nil, aliceHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("creator delete: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/"+task.ID, nil, aliceHdr)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted task fetch: status %d", res.StatusCode)
	}
}

func TestUserTasksRouteIsBoundToCaller(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, bobHdr := login(t, srv, "bob@taskdesk.local")

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users/"+aliceID+"/tasks", nil, bobHdr)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("other user's list: status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users/not-a-uuid/tasks", nil, bobHdr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed user id: status %d", res.StatusCode)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users/"+bobID+"/tasks", nil, bobHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("own list: status %d (%s)", res.StatusCode, data)
	}
	var tasks []json.RawMessage
	env := decodeEnvelope(t, data, &tasks)
	if !env.Success {
		t.Fatalf("own list envelope: %s", data)
	}
}

func TestRejectRequiresReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, aliceHdr := login(t, srv, "alice@taskdesk.local")
	_, bobHdr := login(t, srv, "bob@taskdesk.local")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title":          "Retire legacy VPN",
		"description":    "Decommission the old concentrator",
		"due_date":       "2030-01-01T00:00:00Z",
		"assigned_to_id": bobID,
		"department_id":  itDept,
	}, aliceHdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: status %d (%s)", res.StatusCode, data)
	}
	var task struct {
		ID              string  `json:"id"`
		Status          string  `json:"status"`
		RejectionReason *string `json:"rejection_reason"`
	}
	decodeEnvelope(t, data, &task)

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/reject", map[string]any{"reason": ""}, bobHdr)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank reason: status %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/reject", map[string]any{"reason": "hardware already replaced"}, bobHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: status %d (%s)", res.StatusCode, data)
	}
	decodeEnvelope(t, data, &task)
	if task.Status != "rejected" || task.RejectionReason == nil || *task.RejectionReason != "hardware already replaced" {
		t.Fatalf("rejected task: %+v", task)
	}
}

func TestMeAndDirectory(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, aliceHdr := login(t, srv, "alice@taskdesk.local")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, aliceHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: status %d (%s)", res.StatusCode, data)
	}
	var me struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
		Department struct {
			ID string `json:"id"`
		} `json:"department"`
	}
	decodeEnvelope(t, data, &me)
	if me.User.ID != aliceID || me.Department.ID != itDept {
		t.Fatalf("me payload: %+v", me)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/users", nil, aliceHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("users: status %d", res.StatusCode)
	}
	var users []struct {
		ID string `json:"id"`
	}
	decodeEnvelope(t, data, &users)
	if len(users) != 4 {
		t.Fatalf("seeded users: got %d", len(users))
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/departments", nil, aliceHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("departments: status %d", res.StatusCode)
	}
	var depts []struct {
		ID string `json:"id"`
	}
	decodeEnvelope(t, data, &depts)
	if len(depts) != 3 {
		t.Fatalf("seeded departments: got %d", len(depts))
	}
}

func TestOpenAPISpecConcurrentFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const n = 8
	bodies := make([][]byte, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				t.Errorf("fetch spec: %v", err)
				return
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				t.Errorf("spec: status %d", res.StatusCode)
				return
			}
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if !bytes.Equal(bodies[i], bodies[0]) || len(bodies[i]) == 0 {
			t.Fatalf("spec body %d differs or is empty", i)
		}
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	_, aliceHdr := login(t, srv, "alice@taskdesk.local")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events", nil, aliceHdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: status %d (%s)", res.StatusCode, data)
	}
	var events []struct {
		Type string `json:"type"`
	}
	decodeEnvelope(t, data, &events)
	if len(events) == 0 {
		t.Fatal("expected at least the seed and login events")
	}
}
