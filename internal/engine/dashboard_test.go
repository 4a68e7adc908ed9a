package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskflow/internal/dashboard"
	"taskflow/internal/domain"
	"taskflow/internal/errs"
	"taskflow/internal/testutil"
)

func TestDashboardByRole(t *testing.T) {
	env := testutil.NewEnv(t)
	eng := env.Engine
	pm := env.NewPM(t, "Pat")
	m1 := env.NewUser(t, "Mia")
	m2 := env.NewUser(t, "Max")
	alpha := env.NewProject(t, pm, "Alpha", m1, m2)
	beta := env.NewProject(t, pm, "Beta", m1)

	a1 := env.NewTask(t, pm, alpha, m1, "a1", testutil.WithDue(env.Now().Add(time.Hour)))
	env.NewTask(t, pm, alpha, m2, "a2", testutil.WithDue(env.Now().Add(48*time.Hour)))
	b1 := env.NewTask(t, pm, beta, m1, "b1", testutil.WithDue(env.Now().Add(2*time.Hour)))
	_, err := eng.UpdateTaskStatus(env.Ctx, pm.Actor(), b1.ID, domain.TaskDone)
	require.NoError(t, err)

	env.Advance(3 * time.Hour)

	view, err := eng.Dashboard(env.Ctx, pm.Actor(), dashboard.Filter{})
	require.NoError(t, err)
	assert.Equal(t, dashboard.Stats{TotalTasks: 3, CompletedTasks: 1, PendingTasks: 2, OverdueTasks: 1}, view.Stats)
	require.Len(t, view.Projects, 2)
	for _, g := range view.Projects {
		for _, item := range g.Tasks {
			require.NotNil(t, item.AssignedTo)
			assert.NotEmpty(t, item.AssignedTo.Email)
		}
	}

	view, err = eng.Dashboard(env.Ctx, pm.Actor(), dashboard.Filter{ProjectID: alpha.ID, MemberID: m1.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, view.Stats.TotalTasks)
	require.Len(t, view.Projects, 1)
	require.Len(t, view.Projects[0].Tasks, 1)
	assert.Equal(t, a1.ID, view.Projects[0].Tasks[0].TaskID)
	assert.True(t, view.Projects[0].Tasks[0].Overdue)

	_, err = eng.Dashboard(env.Ctx, pm.Actor(), dashboard.Filter{ProjectID: beta.ID, MemberID: m2.ID})
	requireKind(t, err, errs.KindInvalidInput, "member_not_in_project")

	view, err = eng.Dashboard(env.Ctx, m1.Actor(), dashboard.Filter{})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, view.Role)
	assert.Equal(t, dashboard.Stats{TotalTasks: 2, CompletedTasks: 1, PendingTasks: 1, OverdueTasks: 1}, view.Stats)
	require.Len(t, view.Tasks, 2)
	require.NotNil(t, view.Tasks[0].Project)
	assert.Equal(t, "Alpha", view.Tasks[0].Project.Name)

	_, err = eng.Dashboard(env.Ctx, m1.Actor(), dashboard.Filter{MemberID: m2.ID})
	requireKind(t, err, errs.KindForbidden, "pm_required")
}

func TestDashboardProjectFilterVisibility(t *testing.T) {
	env := testutil.NewEnv(t)
	pm := env.NewPM(t, "Pat")
	other := env.NewPM(t, "Olga")
	p := env.NewProject(t, pm, "Alpha")

	_, err := env.Engine.Dashboard(env.Ctx, other.Actor(), dashboard.Filter{ProjectID: p.ID})
	requireKind(t, err, errs.KindForbidden, "not_project_member")
	_, err = env.Engine.Dashboard(env.Ctx, other.Actor(), dashboard.Filter{ProjectID: "missing"})
	requireKind(t, err, errs.KindNotFound, "project_not_found")

	view, err := env.Engine.Dashboard(env.Ctx, other.Actor(), dashboard.Filter{})
	require.NoError(t, err)
	assert.Equal(t, dashboard.Stats{}, view.Stats)
	assert.Empty(t, view.Projects)
}
