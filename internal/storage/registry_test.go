package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/analytics"
	"sitepulse/internal/projects"
	"sitepulse/internal/storage"
	"sitepulse/internal/testsupport"
)

func TestGormStoreProjectRegistry(t *testing.T) {
	dbManager, logger := testsupport.SetupTestDBManager(t)
	testsupport.CleanAllTables(dbManager.GetConnection())
	store := storage.NewGormStore(dbManager, logger)
	ctx := context.Background()

	first, err := store.RegisterProject(ctx, "Shop.Example.com")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", first.Domain)

	again, err := store.RegisterProject(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "registering twice returns the existing project")

	_, err = store.RegisterProject(ctx, "blog.example.com")
	require.NoError(t, err)

	list, err := store.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "blog.example.com", list[0].Domain)

	_, err = store.UpsertIncrement(ctx, storage.Upsert{
		Table:      analytics.AggregatesTable,
		Key:        []storage.Column{{Name: "project_id", Value: first.ID}},
		Increments: []storage.Column{{Name: "total_page_visits", Value: 1}, {Name: "total_visitors", Value: 1}},
	})
	require.NoError(t, err)

	require.NoError(t, store.RemoveProject(ctx, "shop.example.com"))

	var aggregates int64
	dbManager.GetConnection().Model(&analytics.AnalyticsAggregate{}).Count(&aggregates)
	assert.Equal(t, int64(0), aggregates, "removing a project cascades to its aggregate")

	err = store.RemoveProject(ctx, "shop.example.com")
	var notFound *projects.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}
