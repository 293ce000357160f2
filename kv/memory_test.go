package kv

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetGetDel(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNil)

	ok, err := s.Set(ctx, "k", "v", SetOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	n, err := s.Del(ctx, "k", "missing")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNil)
}

func TestMemoryStore_SetNX(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.Set(ctx, "k", "first", SetOptions{NX: true})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Set(ctx, "k", "second", SetOptions{NX: true})
	require.NoError(t, err)
	require.False(t, ok, "NX must not overwrite a live key")

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "first", got)

	// Plain SET still overwrites.
	ok, err = s.Set(ctx, "k", "third", SetOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "third", got)
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.Now = func() time.Time { return now }

	_, err := s.Set(ctx, "k", "v", SetOptions{TTL: 30 * time.Second})
	require.NoError(t, err)

	now = now.Add(29 * time.Second)
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	now = now.Add(2 * time.Second)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNil)

	// An expired key no longer blocks NX.
	ok, err := s.Set(ctx, "k", "fresh", SetOptions{NX: true})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMemoryStore_Expire(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000000, 0)
	s.Now = func() time.Time { return now }

	ok, err := s.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Set(ctx, "k", "v", SetOptions{})
	require.NoError(t, err)
	ok, err = s.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(61 * time.Second)
	n, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestMemoryStore_Hashes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1", "b": "2"}))

	v, err := s.HGet(ctx, "h", "a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	_, err = s.HGet(ctx, "h", "missing")
	require.ErrorIs(t, err, ErrNil)

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	n, err := s.HDel(ctx, "h", "a", "missing")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	all, err = s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"b": "2"}, all)

	// HGETALL on a missing key returns an empty map, not an error.
	all, err = s.HGetAll(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, all)
}

func TestMemoryStore_Lists(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.RPush(ctx, "l", "a", "b")
	require.NoError(t, err)
	n, err := s.LPush(ctx, "l", "z")
	require.NoError(t, err)
	require.Equal(t, int64(3), n)

	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"z", "a", "b"}, items)

	head, err := s.LPop(ctx, "l")
	require.NoError(t, err)
	require.Equal(t, "z", head)

	n, err = s.LLen(ctx, "l")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	_, err = s.LPop(ctx, "empty")
	require.ErrorIs(t, err, ErrNil)
}

func TestMemoryStore_LRangeBounds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.RPush(ctx, "l", "a", "b", "c", "d")
	require.NoError(t, err)

	items, err := s.LRange(ctx, "l", 1, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, items)

	items, err = s.LRange(ctx, "l", -2, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, items)

	items, err = s.LRange(ctx, "l", 2, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "d"}, items)

	items, err = s.LRange(ctx, "l", 3, 1)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestMemoryStore_LTrim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.RPush(ctx, "l", "a", "b", "c", "d", "e")
	require.NoError(t, err)

	require.NoError(t, s.LTrim(ctx, "l", 0, 2))
	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, items)

	// Trimming to an empty window removes the key.
	require.NoError(t, s.LTrim(ctx, "l", 5, 10))
	n, err := s.Exists(ctx, "l")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestMemoryStore_ZSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.ZAdd(ctx, "z", 2, "b"))
	require.NoError(t, s.ZAdd(ctx, "z", 1, "a"))
	require.NoError(t, s.ZAdd(ctx, "z", 3, "c"))

	members, err := s.ZRevRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, members)

	// Re-adding an existing member updates its score in place.
	require.NoError(t, s.ZAdd(ctx, "z", 10, "a"))
	members, err = s.ZRevRange(ctx, "z", 0, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "c"}, members)
}

func TestMemoryStore_Scan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 25; i++ {
		_, err := s.Set(ctx, fmt.Sprintf("user:stats:%02d", i), "x", SetOptions{})
		require.NoError(t, err)
	}
	_, err := s.Set(ctx, "other:key", "x", SetOptions{})
	require.NoError(t, err)

	var (
		cursor uint64
		found  []string
	)
	for {
		keys, next, err := s.Scan(ctx, cursor, "user:stats:*", 10)
		require.NoError(t, err)
		found = append(found, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	require.Len(t, found, 25)
	for _, k := range found {
		require.Contains(t, k, "user:stats:")
	}
}

func TestMemoryStore_WrongType(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Set(ctx, "k", "v", SetOptions{})
	require.NoError(t, err)

	_, err = s.LPop(ctx, "k")
	require.ErrorIs(t, err, ErrWrongType)
	err = s.HSet(ctx, "k", map[string]string{"a": "1"})
	require.ErrorIs(t, err, ErrWrongType)
	err = s.ZAdd(ctx, "k", 1, "m")
	require.ErrorIs(t, err, ErrWrongType)
}

func TestMemoryStore_Pipeline(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	p := s.Pipeline()
	p.Set("a", "1", SetOptions{})
	p.RPush("l", "x", "y", "z")
	p.LTrim("l", 0, 1)
	p.HSet("h", map[string]string{"f": "v"})
	p.ZAdd("z", 5, "m")
	require.NoError(t, p.Exec(ctx))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", got)

	items, err := s.LRange(ctx, "l", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, items)

	v, err := s.HGet(ctx, "h", "f")
	require.NoError(t, err)
	require.Equal(t, "v", v)

	members, err := s.ZRevRange(ctx, "z", 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"m"}, members)
}
