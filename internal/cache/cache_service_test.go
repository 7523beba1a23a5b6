package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"agri-advisory/internal/config"
	"agri-advisory/internal/metrics"
	"agri-advisory/internal/models"
)

type mockFarmerStore struct{ mock.Mock }

func (m *mockFarmerStore) GetFarmer(ctx context.Context, id uuid.UUID) (*models.Farmer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Farmer), args.Error(1)
}

func (m *mockFarmerStore) SetFarmer(ctx context.Context, farmer *models.Farmer) error {
	return m.Called(ctx, farmer).Error(0)
}

func (m *mockFarmerStore) InvalidateFarmers(ctx context.Context, ids []uuid.UUID) error {
	return m.Called(ctx, ids).Error(0)
}

type mockFarmerRepo struct{ mock.Mock }

func (m *mockFarmerRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Farmer, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Farmer), args.Error(1)
}

func (m *mockFarmerRepo) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Farmer, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]*models.Farmer), args.Error(1)
}

func (m *mockFarmerRepo) ListByFilter(ctx context.Context, filter models.RecipientFilter, limit int) ([]*models.Farmer, error) {
	args := m.Called(ctx, filter, limit)
	return args.Get(0).([]*models.Farmer), args.Error(1)
}

func testMetrics() *metrics.MetricsCollector {
	return metrics.NewMetricsCollector(&config.MetricsConfig{Enabled: true}, zap.NewNop())
}

func TestCachedFarmerRepository_GetByID_Hit(t *testing.T) {
	store := new(mockFarmerStore)
	repo := new(mockFarmerRepo)
	farmer := &models.Farmer{ID: uuid.New(), Name: "Sita"}
	store.On("GetFarmer", mock.Anything, farmer.ID).Return(farmer, nil)

	cached := NewCachedFarmerRepository(repo, store, testMetrics(), zap.NewNop())
	got, err := cached.GetByID(context.Background(), farmer.ID)

	require.NoError(t, err)
	assert.Equal(t, "Sita", got.Name)
	repo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestCachedFarmerRepository_GetByID_CacheErrorFallsBack(t *testing.T) {
	store := new(mockFarmerStore)
	repo := new(mockFarmerRepo)
	farmer := &models.Farmer{ID: uuid.New(), Name: "Ram"}
	store.On("GetFarmer", mock.Anything, farmer.ID).Return(nil, errors.New("redis down"))
	store.On("SetFarmer", mock.Anything, farmer).Return(errors.New("redis down"))
	repo.On("GetByID", mock.Anything, farmer.ID).Return(farmer, nil)

	cached := NewCachedFarmerRepository(repo, store, testMetrics(), zap.NewNop())
	got, err := cached.GetByID(context.Background(), farmer.ID)

	require.NoError(t, err)
	assert.Equal(t, farmer.ID, got.ID)
	repo.AssertExpectations(t)
}

func TestCachedFarmerRepository_ListByIDs_LoadsOnlyMisses(t *testing.T) {
	store := new(mockFarmerStore)
	repo := new(mockFarmerRepo)
	hit := &models.Farmer{ID: uuid.New()}
	miss := &models.Farmer{ID: uuid.New()}
	store.On("GetFarmer", mock.Anything, hit.ID).Return(hit, nil)
	store.On("GetFarmer", mock.Anything, miss.ID).Return(nil, nil)
	store.On("SetFarmer", mock.Anything, miss).Return(nil)
	repo.On("ListByIDs", mock.Anything, []uuid.UUID{miss.ID}).Return([]*models.Farmer{miss}, nil)

	m := testMetrics()
	cached := NewCachedFarmerRepository(repo, store, m, zap.NewNop())
	got, err := cached.ListByIDs(context.Background(), []uuid.UUID{hit.ID, miss.ID})

	require.NoError(t, err)
	assert.Len(t, got, 2)
	stats := m.GetStats()
	assert.Equal(t, int64(1), stats["cache_hits"])
	assert.Equal(t, int64(1), stats["cache_misses"])
	repo.AssertExpectations(t)
}

func TestCachedFarmerRepository_InvalidateForcesDatabaseRead(t *testing.T) {
	store := new(mockFarmerStore)
	repo := new(mockFarmerRepo)
	farmer := &models.Farmer{ID: uuid.New(), Name: "Gita", GrowthStage: "FLOWERING"}
	store.On("InvalidateFarmers", mock.Anything, []uuid.UUID{farmer.ID}).Return(nil)
	store.On("GetFarmer", mock.Anything, farmer.ID).Return(nil, nil)
	store.On("SetFarmer", mock.Anything, farmer).Return(nil)
	repo.On("GetByID", mock.Anything, farmer.ID).Return(farmer, nil)

	cached := NewCachedFarmerRepository(repo, store, testMetrics(), zap.NewNop())
	cached.Invalidate(context.Background(), farmer.ID)
	got, err := cached.GetByID(context.Background(), farmer.ID)

	require.NoError(t, err)
	assert.Equal(t, "FLOWERING", got.GrowthStage)
	store.AssertExpectations(t)
	repo.AssertExpectations(t)
}

func TestCachedFarmerRepository_InvalidateErrorIsSwallowed(t *testing.T) {
	store := new(mockFarmerStore)
	store.On("InvalidateFarmers", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	cached := NewCachedFarmerRepository(new(mockFarmerRepo), store, testMetrics(), zap.NewNop())
	cached.Invalidate(context.Background(), uuid.New(), uuid.New())
	cached.Invalidate(context.Background())

	store.AssertNumberOfCalls(t, "InvalidateFarmers", 1)
}
