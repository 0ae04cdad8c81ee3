package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/types"
)

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "fleet.db"))
	require.NoError(t, err)
	return s
}

func storedConfig(id string, priority int) *types.ModelConfig {
	return &types.ModelConfig{
		ID:        id,
		Name:      id,
		Framework: types.FrameworkProcess,
		ModelPath: "/models/" + id,
		Priority:  priority,
		Process:   &types.ProcessEngineParams{BinaryPath: "vllm", Port: 8001},
	}
}

func TestGormStore_SaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	config := storedConfig("llama-70b", 7)
	config.AutoStart = true
	require.NoError(t, s.SaveModel(ctx, config))
	require.False(t, config.CreatedAt.IsZero())

	got, err := s.GetModel(ctx, "llama-70b")
	require.NoError(t, err)
	require.Equal(t, "llama-70b", got.ID)
	require.Equal(t, 7, got.Priority)
	require.True(t, got.AutoStart)
	require.Equal(t, 8001, got.Process.Port)
}

func TestGormStore_SaveIsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveModel(ctx, storedConfig("m1", 3)))
	require.NoError(t, s.SaveModel(ctx, storedConfig("m1", 9)))

	got, err := s.GetModel(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, 9, got.Priority)

	all, err := s.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGormStore_GetMissingIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetModel(context.Background(), "nope")
	require.True(t, types.IsCode(err, types.CodeNotFound))
}

func TestGormStore_ListSortedByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveModel(ctx, storedConfig("b", 1)))
	require.NoError(t, s.SaveModel(ctx, storedConfig("a", 1)))

	all, err := s.ListModels(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "a", all[0].ID)
	require.Equal(t, "b", all[1].ID)
}

func TestGormStore_DeleteNotifiesSubscribers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var changes []Change
	s.Subscribe(func(change Change) { changes = append(changes, change) })

	require.NoError(t, s.SaveModel(ctx, storedConfig("m1", 5)))
	require.NoError(t, s.DeleteModel(ctx, "m1"))
	require.True(t, types.IsCode(s.DeleteModel(ctx, "m1"), types.CodeNotFound))

	require.Len(t, changes, 2)
	require.Equal(t, ChangePut, changes[0].Op)
	require.Equal(t, ChangeDelete, changes[1].Op)
	require.Equal(t, "m1", changes[1].Config.ID)

	_, err := s.GetModel(ctx, "m1")
	require.True(t, types.IsCode(err, types.CodeNotFound))
}

func TestGormStore_SurvivesReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "fleet.db")
	ctx := context.Background()

	first, err := NewGormStore(dsn)
	require.NoError(t, err)
	require.NoError(t, first.SaveModel(ctx, storedConfig("m1", 5)))

	second, err := NewGormStore(dsn)
	require.NoError(t, err)
	got, err := second.GetModel(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "m1", got.ID)
}
