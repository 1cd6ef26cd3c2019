package conversation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	values  map[string]string
	ttls    map[string]time.Duration
	expired map[string]bool
	getErr  error
	setErr  error
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		values:  make(map[string]string),
		ttls:    make(map[string]time.Duration),
		expired: make(map[string]bool),
	}
}

func (f *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	if f.getErr != nil {
		return "", false, f.getErr
	}
	if f.expired[key] {
		return "", false, nil
	}
	val, ok := f.values[key]
	return val, ok, nil
}

func (f *fakeCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if f.setErr != nil {
		return f.setErr
	}
	f.values[key] = value
	f.ttls[key] = ttl
	f.expired[key] = false
	return nil
}

func (f *fakeCache) Delete(_ context.Context, key string) error {
	delete(f.values, key)
	delete(f.ttls, key)
	return nil
}

func TestAppend_CreatesHistoryOnFirstTurn(t *testing.T) {
	cache := newFakeCache()
	s := NewStore(cache, 10, 30*time.Minute, nil)

	err := s.Append(context.Background(), "user-1", RoleUser, "Phòng A1.01 mất điện")
	require.NoError(t, err)

	h := s.Get(context.Background(), "user-1")
	require.Len(t, h.Messages, 1)
	assert.Equal(t, RoleUser, h.Messages[0].Role)
	assert.Equal(t, "Phòng A1.01 mất điện", h.Messages[0].Content)
	assert.False(t, h.Messages[0].Timestamp.IsZero(), "server assigns the timestamp")
	assert.False(t, h.CreatedAt.IsZero())
}

func TestAppend_TrimsOldestBeyondMax(t *testing.T) {
	cache := newFakeCache()
	s := NewStore(cache, 10, 30*time.Minute, nil)

	for i := 0; i < 11; i++ {
		require.NoError(t, s.Append(context.Background(), "user-1", RoleUser, fmt.Sprintf("turn %d", i)))
	}

	h := s.Get(context.Background(), "user-1")
	require.Len(t, h.Messages, 10, "eleventh turn evicts the oldest")
	assert.Equal(t, "turn 1", h.Messages[0].Content)
	assert.Equal(t, "turn 10", h.Messages[9].Content)
}

func TestAppendExchange_AddsBothTurnsInOrder(t *testing.T) {
	cache := newFakeCache()
	s := NewStore(cache, 10, 30*time.Minute, nil)

	err := s.AppendExchange(context.Background(), "user-1", "Wifi ở B2 yếu", "Đã ghi nhận, kỹ thuật sẽ kiểm tra.")
	require.NoError(t, err)

	h := s.Get(context.Background(), "user-1")
	require.Len(t, h.Messages, 2)
	assert.Equal(t, RoleUser, h.Messages[0].Role)
	assert.Equal(t, RoleAssistant, h.Messages[1].Role)
}

func TestAppend_ResetsTTLOnEveryWrite(t *testing.T) {
	cache := newFakeCache()
	s := NewStore(cache, 10, 30*time.Minute, nil)

	require.NoError(t, s.Append(context.Background(), "user-1", RoleUser, "first"))
	require.NoError(t, s.Append(context.Background(), "user-1", RoleUser, "second"))

	assert.Equal(t, 30*time.Minute, cache.ttls["conversation:user-1"],
		"every write rewrites the key with the full TTL; expiry is idle time")
}

func TestGet_ExpiredHistoryIsEmpty(t *testing.T) {
	cache := newFakeCache()
	s := NewStore(cache, 10, 30*time.Minute, nil)

	require.NoError(t, s.Append(context.Background(), "user-1", RoleUser, "hello"))
	cache.expired["conversation:user-1"] = true

	h := s.Get(context.Background(), "user-1")
	assert.Empty(t, h.Messages, "an expired conversation starts fresh")
}

func TestGet_DegradesToEmptyWhenCacheFails(t *testing.T) {
	cache := newFakeCache()
	cache.getErr = errors.New("connection refused")
	s := NewStore(cache, 10, 30*time.Minute, nil)

	h := s.Get(context.Background(), "user-1")
	require.NotNil(t, h)
	assert.Empty(t, h.Messages)
	assert.Equal(t, "user-1", h.UserID)
}

func TestGet_DiscardsCorruptHistory(t *testing.T) {
	cache := newFakeCache()
	cache.values["conversation:user-1"] = "{not json"
	s := NewStore(cache, 10, 30*time.Minute, nil)

	h := s.Get(context.Background(), "user-1")
	assert.Empty(t, h.Messages)
}

func TestAppend_ReportsWriteFailure(t *testing.T) {
	cache := newFakeCache()
	cache.setErr = errors.New("connection refused")
	s := NewStore(cache, 10, 30*time.Minute, nil)

	err := s.Append(context.Background(), "user-1", RoleUser, "hello")
	require.Error(t, err)
}
