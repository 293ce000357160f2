package kv

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrWrongType is returned when a command addresses a key holding a
// different data type, mirroring the remote store's WRONGTYPE error.
var ErrWrongType = errors.New("kv: operation against a key holding the wrong kind of value")

type entryKind int

const (
	kindString entryKind = iota
	kindHash
	kindList
	kindZSet
)

type zmember struct {
	member string
	score  float64
}

type entry struct {
	kind      entryKind
	str       string
	hash      map[string]string
	list      []string
	zset      []zmember
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is a process-local Store used by tests and the
// `--kv-backend memory` development mode. Semantics match the remote
// driver for the command subset the core uses, including TTL expiry.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*entry

	// Now is the clock used for TTL bookkeeping. Tests may replace it.
	Now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		Now:     time.Now,
	}
}

// live fetches a non-expired entry, reaping it when the TTL has lapsed.
// Callers must hold the mutex.
func (s *MemoryStore) live(key string) *entry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(s.Now()) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return "", ErrNil
	}
	if e.kind != kindString {
		return "", ErrWrongType
	}
	return e.str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, opts SetOptions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.NX && s.live(key) != nil {
		return false, nil
	}
	e := &entry{kind: kindString, str: value}
	if opts.TTL > 0 {
		e.expiresAt = s.Now().Add(opts.TTL)
	}
	s.entries[key] = e
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		if s.live(k) != nil {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Exists(_ context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range keys {
		if s.live(k) != nil {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return false, nil
	}
	e.expiresAt = s.Now().Add(ttl)
	return true, nil
}

func (s *MemoryStore) HSet(_ context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindHash, hash: make(map[string]string)}
		s.entries[key] = e
	}
	if e.kind != kindHash {
		return ErrWrongType
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

func (s *MemoryStore) HGet(_ context.Context, key, field string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return "", ErrNil
	}
	if e.kind != kindHash {
		return "", ErrWrongType
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNil
	}
	return v, nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	e := s.live(key)
	if e == nil {
		return out, nil
	}
	if e.kind != kindHash {
		return nil, ErrWrongType
	}
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStore) HDel(_ context.Context, key string, fields ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindHash {
		return 0, ErrWrongType
	}
	var n int64
	for _, f := range fields {
		if _, ok := e.hash[f]; ok {
			delete(e.hash, f)
			n++
		}
	}
	if len(e.hash) == 0 {
		delete(s.entries, key)
	}
	return n, nil
}

func (s *MemoryStore) LPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindList}
		s.entries[key] = e
	}
	if e.kind != kindList {
		return 0, ErrWrongType
	}
	for _, v := range values {
		e.list = append([]string{v}, e.list...)
	}
	return int64(len(e.list)), nil
}

func (s *MemoryStore) RPush(_ context.Context, key string, values ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindList}
		s.entries[key] = e
	}
	if e.kind != kindList {
		return 0, ErrWrongType
	}
	e.list = append(e.list, values...)
	return int64(len(e.list)), nil
}

func (s *MemoryStore) LPop(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return "", ErrNil
	}
	if e.kind != kindList {
		return "", ErrWrongType
	}
	if len(e.list) == 0 {
		return "", ErrNil
	}
	head := e.list[0]
	e.list = e.list[1:]
	if len(e.list) == 0 {
		delete(s.entries, key)
	}
	return head, nil
}

func (s *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return 0, nil
	}
	if e.kind != kindList {
		return 0, ErrWrongType
	}
	return int64(len(e.list)), nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindList {
		return nil, ErrWrongType
	}
	lo, hi, empty := rangeBounds(int64(len(e.list)), start, stop)
	if empty {
		return nil, nil
	}
	out := make([]string, hi-lo+1)
	copy(out, e.list[lo:hi+1])
	return out, nil
}

func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil
	}
	if e.kind != kindList {
		return ErrWrongType
	}
	lo, hi, empty := rangeBounds(int64(len(e.list)), start, stop)
	if empty {
		delete(s.entries, key)
		return nil
	}
	e.list = append([]string(nil), e.list[lo:hi+1]...)
	return nil
}

func (s *MemoryStore) ZAdd(_ context.Context, key string, score float64, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		e = &entry{kind: kindZSet}
		s.entries[key] = e
	}
	if e.kind != kindZSet {
		return ErrWrongType
	}
	for i := range e.zset {
		if e.zset[i].member == member {
			e.zset[i].score = score
			sortZSet(e.zset)
			return nil
		}
	}
	e.zset = append(e.zset, zmember{member: member, score: score})
	sortZSet(e.zset)
	return nil
}

func (s *MemoryStore) ZRevRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return nil, nil
	}
	if e.kind != kindZSet {
		return nil, ErrWrongType
	}
	n := int64(len(e.zset))
	lo, hi, empty := rangeBounds(n, start, stop)
	if empty {
		return nil, nil
	}
	out := make([]string, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		out = append(out, e.zset[n-1-i].member)
	}
	return out, nil
}

func (s *MemoryStore) Scan(_ context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if count <= 0 {
		count = 10
	}
	keys := make([]string, 0, len(s.entries))
	now := s.Now()
	for k, e := range s.entries {
		if e.expired(now) {
			continue
		}
		if match == "" || globMatch(match, k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if cursor >= uint64(len(keys)) {
		return nil, 0, nil
	}
	end := cursor + uint64(count)
	if end >= uint64(len(keys)) {
		return keys[cursor:], 0, nil
	}
	return keys[cursor:end], end, nil
}

func (s *MemoryStore) Pipeline() Pipeline {
	return &memoryPipeline{store: s}
}

type memoryPipeline struct {
	store *MemoryStore
	ops   []func(ctx context.Context) error
}

func (p *memoryPipeline) Set(key, value string, opts SetOptions) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		_, err := p.store.Set(ctx, key, value, opts)
		return err
	})
}

func (p *memoryPipeline) Del(keys ...string) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		_, err := p.store.Del(ctx, keys...)
		return err
	})
}

func (p *memoryPipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		_, err := p.store.Expire(ctx, key, ttl)
		return err
	})
}

func (p *memoryPipeline) HSet(key string, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for f, v := range fields {
		copied[f] = v
	}
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.store.HSet(ctx, key, copied)
	})
}

func (p *memoryPipeline) LPush(key string, values ...string) {
	vals := append([]string(nil), values...)
	p.ops = append(p.ops, func(ctx context.Context) error {
		_, err := p.store.LPush(ctx, key, vals...)
		return err
	})
}

func (p *memoryPipeline) RPush(key string, values ...string) {
	vals := append([]string(nil), values...)
	p.ops = append(p.ops, func(ctx context.Context) error {
		_, err := p.store.RPush(ctx, key, vals...)
		return err
	})
}

func (p *memoryPipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.store.LTrim(ctx, key, start, stop)
	})
}

func (p *memoryPipeline) ZAdd(key string, score float64, member string) {
	p.ops = append(p.ops, func(ctx context.Context) error {
		return p.store.ZAdd(ctx, key, score, member)
	})
}

func (p *memoryPipeline) Exec(ctx context.Context) error {
	for _, op := range p.ops {
		if err := op(ctx); err != nil {
			return err
		}
	}
	p.ops = nil
	return nil
}

func sortZSet(zs []zmember) {
	sort.SliceStable(zs, func(i, j int) bool {
		if zs[i].score != zs[j].score {
			return zs[i].score < zs[j].score
		}
		return zs[i].member < zs[j].member
	})
}

// rangeBounds normalizes redis-style inclusive start/stop indexes
// (negative offsets count from the tail) against a length n.
func rangeBounds(n, start, stop int64) (lo, hi int64, empty bool) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, true
	}
	return start, stop, false
}

// globMatch supports the '*' and '?' wildcards used by Scan patterns.
func globMatch(pattern, key string) bool {
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == key
	}
	ok, err := path.Match(pattern, key)
	return err == nil && ok
}
