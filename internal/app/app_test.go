package app

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunsane/bunsane/internal/lifecycle"
	"github.com/bunsane/bunsane/internal/registry"
	"github.com/bunsane/bunsane/internal/storage/postgres"
	"github.com/bunsane/bunsane/internal/types"
)

func newMockApp(t *testing.T, opts Options) (*App, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	opts.Driver = postgres.NewFromDB(sqlx.NewDb(db, "sqlmock"))
	return New(opts), mock
}

func expectBootstrap(mock sqlmock.Sqlmock, partitions ...string) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entities").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS components").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS entity_components").
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, table := range partitions {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS " + table + " PARTITION OF components").
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
}

func registerUser(r *registry.Registry) error {
	return r.Register(registry.ComponentDef{
		Name: "User",
		Fields: []registry.FieldDef{
			{Name: "email", Kind: types.KindString, Default: ""},
		},
	})
}

func TestBootAdvancesPhasesInOrder(t *testing.T) {
	a, mock := newMockApp(t, Options{RegisterComponents: registerUser})
	expectBootstrap(mock, "components_user")
	mock.ExpectClose()

	var order []lifecycle.Phase
	for _, p := range []lifecycle.Phase{
		lifecycle.DBReady, lifecycle.ComponentsReady,
		lifecycle.SystemRegistering, lifecycle.SystemReady, lifecycle.AppReady,
	} {
		a.Lifecycle.Subscribe(p, func(p lifecycle.Phase) { order = append(order, p) })
	}

	require.NoError(t, a.Boot(context.Background()))
	t.Cleanup(func() {
		_ = a.Shutdown(context.Background())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	assert.Equal(t, []lifecycle.Phase{
		lifecycle.DBReady, lifecycle.ComponentsReady,
		lifecycle.SystemRegistering, lifecycle.SystemReady, lifecycle.AppReady,
	}, order)
	assert.Equal(t, lifecycle.AppReady, a.Lifecycle.Phase())
	assert.True(t, a.Registry.Frozen())
	assert.NotNil(t, a.Store)
	assert.NotNil(t, a.Hooks)
	assert.NotNil(t, a.Scheduler)
}

func TestBootTwiceFails(t *testing.T) {
	a, mock := newMockApp(t, Options{})
	expectBootstrap(mock)
	mock.ExpectClose()

	require.NoError(t, a.Boot(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.Error(t, a.Boot(context.Background()))
}

func TestComponentCallbackErrorAbortsBoot(t *testing.T) {
	boom := &types.ValidationError{Component: "Bad Name", Reason: "component name must be an identifier"}
	a, mock := newMockApp(t, Options{
		RegisterComponents: func(r *registry.Registry) error { return boom },
	})
	expectBootstrap(mock)
	mock.ExpectClose()

	err := a.Boot(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, lifecycle.DBReady, a.Lifecycle.Phase())
	assert.False(t, a.Registry.Frozen())
	_ = a.Shutdown(context.Background())
}

func TestSystemCallbackSeesWiredEngine(t *testing.T) {
	var phaseDuringCallback lifecycle.Phase
	called := false
	a, mock := newMockApp(t, Options{
		RegisterComponents: registerUser,
		RegisterSystems: func(a *App) error {
			called = true
			phaseDuringCallback = a.Lifecycle.Phase()
			require.NotNil(t, a.Store)
			require.NotNil(t, a.Hooks)
			require.NotNil(t, a.Scheduler)
			return nil
		},
	})
	expectBootstrap(mock, "components_user")
	mock.ExpectClose()

	require.NoError(t, a.Boot(context.Background()))
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	assert.True(t, called)
	assert.Equal(t, lifecycle.SystemRegistering, phaseDuringCallback)
}

func TestShutdownOnUnbootedApp(t *testing.T) {
	a := New(Options{})
	assert.NoError(t, a.Shutdown(context.Background()))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	a, mock := newMockApp(t, Options{})
	expectBootstrap(mock)
	mock.ExpectClose()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Lifecycle.Phase() == lifecycle.AppReady
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
