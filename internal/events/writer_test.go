package events_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/events"
	"taskflow/internal/repo"
	"taskflow/internal/testutil"
)

func TestAppendStoresRepoTimeLayout(t *testing.T) {
	env := testutil.NewEnv(t)
	u := env.NewUser(t, "Mia")
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.FixedZone("CET", 3600))

	tx, err := env.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	w := events.Writer{Now: func() time.Time { return at }}
	require.NoError(t, w.Append(env.Ctx, tx, events.Entry{
		EntityType: domain.EntityTask,
		EntityID:   "t1",
		Action:     domain.ActionUpdate,
		Old:        "todo",
		New:        map[string]string{"title": "T"},
		ActorID:    u.ID,
	}))
	require.NoError(t, tx.Commit())

	var raw string
	require.NoError(t, env.DB.QueryRowContext(env.Ctx,
		`SELECT performed_at FROM activity_logs WHERE entity_id='t1'`).Scan(&raw))
	assert.Equal(t, db.FormatTime(at), raw)
	assert.Equal(t, "2026-03-04T04:06:07.000000008Z", raw)

	entries, err := env.Engine.Repo.ListActivity(env.Ctx, repo.ActivityFilters{EntityID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PerformedAt.Equal(at))
	assert.Equal(t, "todo", entries[0].OldValue)
	assert.JSONEq(t, `{"title":"T"}`, entries[0].NewValue)
}
