package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"taskflow/internal/dashboard"
	"taskflow/internal/domain"
	"taskflow/internal/testutil"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type testServer struct {
	URL    string
	Env    *testutil.Env
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	env := testutil.NewEnv(t)
	handler, err := New(Config{Engine: env.Engine, BasePath: "/api"})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/api", Env: env, client: &http.Client{}}
}

func (s *testServer) login(t *testing.T, u domain.User) string {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email":    u.Email,
		"password": testutil.Password,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out LoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	require.NotEmpty(t, out.Token)
	return out.Token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return s.send(t, req)
}

func (s *testServer) upload(t *testing.T, path, token, filename string, content []byte) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	h.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	req, err := http.NewRequest(http.MethodPost, s.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return s.send(t, req)
}

func (s *testServer) send(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health map[string]any
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health["status"])

	res, data = srv.do(t, http.MethodGet, "/projects", "", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthenticated", errorCode(t, data))

	res, data = srv.do(t, http.MethodGet, "/projects", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_token", errorCode(t, data))
}

func TestRegisterLoginOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodPost, "/auth/register", "", map[string]any{
		"name":     "Dana",
		"email":    "dana@example.com",
		"password": "Sup3rsecret",
		"role":     "pm",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	assert.NotContains(t, string(data), "password")

	res, data = srv.do(t, http.MethodPost, "/auth/register", "", map[string]any{
		"name":     "Dana",
		"email":    "dana@example.com",
		"password": "Sup3rsecret",
		"role":     "pm",
	})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "email_taken", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email":    "dana@example.com",
		"password": "wrong-Passw0rd",
	})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/auth/login", "", map[string]any{
		"email":    "dana@example.com",
		"password": "Sup3rsecret",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var session LoginResponse
	require.NoError(t, json.Unmarshal(data, &session))

	res, data = srv.do(t, http.MethodGet, "/auth/me", session.Token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me domain.User
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, domain.RolePM, me.Role)
}

func TestTaskFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	env := srv.Env
	u1 := env.NewPM(t, "U1")
	u2 := env.NewUser(t, "U2")
	u3 := env.NewUser(t, "U3")
	pmToken := srv.login(t, u1)
	u2Token := srv.login(t, u2)
	u3Token := srv.login(t, u3)

	res, data := srv.do(t, http.MethodPost, "/projects", pmToken, map[string]any{
		"name":       "Alpha",
		"start_date": env.Now(),
		"end_date":   env.Now().Add(30 * 24 * time.Hour),
		"members":    []string{u2.ID, u3.ID},
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var project domain.Project
	require.NoError(t, json.Unmarshal(data, &project))

	res, data = srv.do(t, http.MethodPost, "/projects/"+project.ID+"/tasks", u2Token, map[string]any{
		"title":       "T",
		"assigned_to": u2.ID,
		"due_date":    env.Now().Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "pm_required", errorCode(t, data))

	res, data = srv.do(t, http.MethodPost, "/projects/"+project.ID+"/tasks", pmToken, map[string]any{
		"title":       "T",
		"assigned_to": u2.ID,
		"priority":    "high",
		"due_date":    env.Now().Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var task domain.Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, domain.TaskTodo, task.Status)

	statusPath := "/tasks/" + task.ID + "/status"
	res, data = srv.do(t, http.MethodPatch, statusPath, u2Token, map[string]any{"status": "in_review"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "invalid_status_flow", errorCode(t, data))

	res, _ = srv.do(t, http.MethodPatch, statusPath, u3Token, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, data = srv.do(t, http.MethodPatch, statusPath, u2Token, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, domain.TaskInProgress, task.Status)
	require.Len(t, task.StatusHistory, 1)

	res, data = srv.do(t, http.MethodPatch, "/tasks/"+task.ID, u2Token, map[string]any{"title": "renamed"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPatch, statusPath, pmToken, map[string]any{"status": "done"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, _ = srv.do(t, http.MethodPost, "/tasks/"+task.ID+"/comments", u3Token, map[string]any{"content": "nice"})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	res, data = srv.do(t, http.MethodPost, "/tasks/"+task.ID+"/comments", u2Token, map[string]any{"content": "  shipped  "})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = srv.do(t, http.MethodGet, "/tasks/"+task.ID+"/comments", pmToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var comments []domain.Comment
	require.NoError(t, json.Unmarshal(data, &comments))
	require.Len(t, comments, 1)
	assert.Equal(t, u2.ID, comments[0].UserID)
	assert.Equal(t, "shipped", comments[0].Content)

	res, data = srv.do(t, http.MethodGet, "/projects/"+project.ID+"/activity?limit=2", pmToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedActivity
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)

	res, data = srv.do(t, http.MethodGet, "/projects/"+project.ID+"/activity?cursor="+page.NextCursor, pmToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest paginatedActivity
	require.NoError(t, json.Unmarshal(data, &rest))
	require.NotEmpty(t, rest.Items)
	assert.Less(t, rest.Items[0].ID, page.Items[1].ID)
}

func TestMemberUpdateRejectsAnyOtherKey(t *testing.T) {
	srv := newTestServer(t)
	env := srv.Env
	pm := env.NewPM(t, "Pat")
	m := env.NewUser(t, "Mia")
	task := env.NewTask(t, pm, env.NewProject(t, pm, "Alpha", m), m, "T")
	memberToken := srv.login(t, m)
	taskPath := "/tasks/" + task.ID

	for _, body := range []map[string]any{
		{"status": "in_progress", "title": nil},
		{"status": "in_progress", "foo": "x"},
	} {
		res, data := srv.do(t, http.MethodPatch, taskPath, memberToken, body)
		require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
		assert.Equal(t, "member_field_update", errorCode(t, data))
	}

	res, data := srv.do(t, http.MethodGet, taskPath, memberToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var got domain.Task
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, domain.TaskTodo, got.Status)
	assert.Empty(t, got.StatusHistory)

	res, data = srv.do(t, http.MethodPatch, taskPath, srv.login(t, pm), map[string]any{"foo": "x"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "unknown_field", errorCode(t, data))

	res, data = srv.do(t, http.MethodPatch, taskPath, memberToken, map[string]any{"status": "in_progress"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, domain.TaskInProgress, got.Status)
}

func TestAttachmentsOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	env := srv.Env
	pm := env.NewPM(t, "U1")
	m := env.NewUser(t, "U2")
	p := env.NewProject(t, pm, "Alpha", m)
	task := env.NewTask(t, pm, p, m, "T")
	token := srv.login(t, m)
	path := "/tasks/" + task.ID + "/attachments"

	var first domain.Attachment
	for i := 0; i < 5; i++ {
		res, data := srv.upload(t, path, token, fmt.Sprintf("shot-%d.png", i), pngBytes)
		require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
		if i == 0 {
			require.NoError(t, json.Unmarshal(data, &first))
		}
	}
	res, data := srv.upload(t, path, token, "shot-6.png", pngBytes)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "attachment_limit", errorCode(t, data))

	req, err := http.NewRequest(http.MethodGet, srv.URL+path+"/"+first.ID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	res, data = srv.send(t, req)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "image/png", res.Header.Get("Content-Type"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "shot-0.png")
	assert.Equal(t, pngBytes, data)
}

func TestUploadRejectsDisallowedType(t *testing.T) {
	srv := newTestServer(t)
	env := srv.Env
	pm := env.NewPM(t, "U1")
	m := env.NewUser(t, "U2")
	p := env.NewProject(t, pm, "Alpha", m)
	task := env.NewTask(t, pm, p, m, "T")

	res, data := srv.upload(t, "/tasks/"+task.ID+"/attachments", srv.login(t, m), "notes.png", []byte("just some text"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "invalid_file", errorCode(t, data))
}

func TestDashboardOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	env := srv.Env
	pm := env.NewPM(t, "Pat")
	m := env.NewUser(t, "Mia")
	other := env.NewUser(t, "Max")
	p := env.NewProject(t, pm, "Alpha", m, other)
	env.NewTask(t, pm, p, m, "mine")
	env.NewTask(t, pm, p, other, "theirs")

	res, data := srv.do(t, http.MethodGet, "/dashboard", srv.login(t, pm), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var view dashboard.View
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, 2, view.Stats.TotalTasks)

	memberToken := srv.login(t, m)
	res, data = srv.do(t, http.MethodGet, "/dashboard", memberToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, 1, view.Stats.TotalTasks)
	require.Len(t, view.Tasks, 1)
	assert.Equal(t, "mine", view.Tasks[0].Title)

	res, data = srv.do(t, http.MethodGet, "/dashboard?member_id="+other.ID, memberToken, nil)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "pm_required", errorCode(t, data))
}

func TestProjectDetailListsMemberProfiles(t *testing.T) {
	srv := newTestServer(t)
	pm := srv.Env.NewPM(t, "Pat")
	m := srv.Env.NewUser(t, "Mia")
	p := srv.Env.NewProject(t, pm, "Alpha", m)

	res, data := srv.do(t, http.MethodGet, "/projects/"+p.ID, srv.login(t, pm), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Contains(t, res.Header.Get("Link"), "ProjectResponse.json")
	var got ProjectResponse
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "Alpha", got.Name)
	assert.Contains(t, got.Members, m.ID)
	var emails []string
	for _, ref := range got.MemberRefs {
		emails = append(emails, ref.Email)
	}
	assert.Contains(t, emails, m.Email)
}

func TestDashboardKeepsEmptyLists(t *testing.T) {
	srv := newTestServer(t)
	pm := srv.Env.NewPM(t, "Pat")

	res, data := srv.do(t, http.MethodGet, "/dashboard", srv.login(t, pm), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &body))
	assert.JSONEq(t, `[]`, string(body["projects"]))
	assert.JSONEq(t, `[]`, string(body["tasks"]))
}

func TestErrorEnvelope(t *testing.T) {
	srv := newTestServer(t)
	pm := srv.Env.NewPM(t, "Pat")
	token := srv.login(t, pm)

	res, data := srv.do(t, http.MethodGet, "/projects/missing", token, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	var envelope struct {
		Error map[string]any `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, "project_not_found", envelope.Error["code"])
	assert.NotEmpty(t, envelope.Error["message"])

	res, data = srv.do(t, http.MethodPost, "/projects", token, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = srv.do(t, http.MethodPatch, "/tasks/x/status", token, map[string]any{"status": "shipped"})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestOpenAPIDocumentsBearerAuth(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.do(t, http.MethodGet, "/openapi.json", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc.Components.SecuritySchemes, "bearerAuth")
	assert.Empty(t, doc.Paths["/api/auth/login"]["post"].Security)
	assert.NotEmpty(t, doc.Paths["/api/projects"]["get"].Security)
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	bodies := make([][]byte, 8)
	var g errgroup.Group
	for i := range bodies {
		g.Go(func() error {
			res, err := srv.client.Get(srv.URL + "/openapi.json")
			if err != nil {
				return err
			}
			defer res.Body.Close()
			if res.StatusCode != http.StatusOK {
				return fmt.Errorf("status %d", res.StatusCode)
			}
			bodies[i], err = io.ReadAll(res.Body)
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, b := range bodies[1:] {
		assert.Equal(t, bodies[0], b)
	}
}
