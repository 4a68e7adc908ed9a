package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/config"
	"taskflow/internal/domain"
	"taskflow/internal/testutil"
)

type delivery struct {
	header http.Header
	body   []byte
}

func TestWebhookDeliversFilteredSignedEvents(t *testing.T) {
	var mu sync.Mutex
	var got []delivery
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		got = append(got, delivery{header: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	env := testutil.NewEnv(t)
	pm := env.NewPM(t, "Pat")
	m := env.NewUser(t, "Mia")
	p := env.NewProject(t, pm, "Alpha", m)
	env.Config.Webhook = []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"task.status_change"},
		Secret: "s3cret",
	}}

	d := newWebhookDispatcher(env.Engine, time.Hour)
	require.NotNil(t, d)
	// The first pass only positions the cursor after existing entries.
	d.dispatchAll(env.Ctx)

	task := env.NewTask(t, pm, p, m, "T")
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, m.Actor(), task.ID, domain.TaskInProgress)
	require.NoError(t, err)
	d.dispatchAll(env.Ctx)
	d.dispatchAll(env.Ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "task.status_change", got[0].header.Get("X-Taskflow-Event"))
	assert.Equal(t, signPayload("s3cret", got[0].body), got[0].header.Get("X-Taskflow-Signature"))

	var evt webhookEvent
	require.NoError(t, json.Unmarshal(got[0].body, &evt))
	assert.Equal(t, task.ID, evt.EntityID)
	assert.Equal(t, p.ID, evt.ProjectID)
	assert.Equal(t, m.ID, evt.PerformedBy)
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	env := testutil.NewEnv(t)
	env.Config.Webhook = []config.WebhookConfig{{URL: hook.URL}}
	d := newWebhookDispatcher(env.Engine, time.Hour)
	require.NotNil(t, d)
	d.dispatchAll(env.Ctx)

	pm := env.NewPM(t, "Pat")
	env.NewProject(t, pm, "Alpha")
	d.dispatchAll(env.Ctx)
	d.dispatchAll(env.Ctx)
	d.dispatchAll(env.Ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestWebhookDisabledHooksAreSkipped(t *testing.T) {
	env := testutil.NewEnv(t)
	off := false
	env.Config.Webhook = []config.WebhookConfig{{URL: "http://127.0.0.1:1", Enabled: &off}, {URL: " "}}
	assert.Nil(t, newWebhookDispatcher(env.Engine, time.Hour))
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match("task.create"))
	assert.True(t, newEventFilter([]string{"*"}).match("project.delete"))
	f := newEventFilter([]string{" task.create ", ""})
	assert.True(t, f.match("task.create"))
	assert.False(t, f.match("task.delete"))
}
