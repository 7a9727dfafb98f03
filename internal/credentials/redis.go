package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps credentials in Redis so several batchcloud instances
// can share one credential set.  Each credential is a JSON value under
// <prefix>:cred:<id>; <prefix>:ids indexes them for listing.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore returns a Store backed by client.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "batchcloud"
	}
	return &RedisStore{
		client: client,
		prefix: normalized,
	}
}

// Lookup implements Store.
func (s *RedisStore) Lookup(ctx context.Context, id string) (*Credential, error) {
	raw, err := s.client.Get(ctx, s.credKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("credential lookup %s: %w", id, err)
	}

	var c Credential
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("credential decode %s: %w", id, err)
	}
	return &c, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, cred *Credential) error {
	if err := cred.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credential encode %s: %w", cred.ID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.credKey(cred.ID), raw, 0)
		pipe.SAdd(ctx, s.idsKey(), cred.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("credential store %s: %w", cred.ID, err)
	}
	return nil
}

// List implements Store.  Ids whose value has disappeared are skipped.
func (s *RedisStore) List(ctx context.Context, scope string) ([]Summary, error) {
	ids, err := s.client.SMembers(ctx, s.idsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("credential list: %w", err)
	}
	if len(ids) == 0 {
		return []Summary{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.credKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("credential list: %w", err)
	}

	out := make([]Summary, 0, len(values))
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var c Credential
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, fmt.Errorf("credential decode %s: %w", ids[i], err)
		}
		if inScope(&c, scope) {
			out = append(out, c.Summarize())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *RedisStore) credKey(id string) string {
	return s.prefix + ":cred:" + id
}

func (s *RedisStore) idsKey() string {
	return s.prefix + ":ids"
}
