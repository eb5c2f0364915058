package store

import (
	"testing"

	"github.com/sessamekesh/spanreed-relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name string
}

func TestMemoryRepositoryLifecycle(t *testing.T) {
	repo := CreateMemoryRepository[record]("record")

	first, err := repo.Save(record{Name: "a"})
	require.NoError(t, err)
	second, err := repo.Save(record{Name: "b"})
	require.NoError(t, err)
	assert.Less(t, first, second)

	got, err := repo.Find(first)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name)

	require.NoError(t, repo.Update(first, record{Name: "a2"}))
	got, _ = repo.Find(first)
	assert.Equal(t, "a2", got.Name)

	all, err := repo.List()
	require.NoError(t, err)
	assert.Equal(t, []record{{Name: "a2"}, {Name: "b"}}, all)

	require.NoError(t, repo.Delete(first))
	_, err = repo.Find(first)
	var missing *errors.MissingRecord
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "record", missing.Kind)
}

func TestMemoryRepositoryMissingIds(t *testing.T) {
	repo := CreateMemoryRepository[record]("record")

	assert.Error(t, repo.Update(42, record{}))
	assert.Error(t, repo.Delete(42))
}
