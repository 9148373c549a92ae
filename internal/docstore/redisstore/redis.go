// Package redisstore implements the "redis" document store backend.
//
// Each document is a JSON string at <prefix>:<collection>:<id>; the set
// <prefix>:<collection>:ids indexes the members of a collection. Filters are
// evaluated client-side after an MGET of the indexed ids.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/loomkb/loom/internal/docstore"
)

const (
	defaultAddr   = "127.0.0.1:6379"
	defaultPrefix = "loom"
	mgetChunk     = 256
)

func init() {
	docstore.Register("redis", Open)
}

// Store is a docstore.Store backed by Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// Open connects to the server named by opts.DSN, either a redis:// URL or a
// host:port address. The "key_prefix" param namespaces keys so several
// databases can share one server.
func Open(ctx context.Context, opts docstore.Options) (docstore.Store, error) {
	var ropts *redis.Options
	dsn := strings.TrimSpace(opts.DSN)
	switch {
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		parsed, err := redis.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		ropts = parsed
	default:
		if dsn == "" {
			dsn = defaultAddr
		}
		ropts = &redis.Options{Addr: dsn, Password: opts.Param("password", "")}
	}

	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return New(client, opts.Param("key_prefix", defaultPrefix)), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) docKey(coll docstore.Collection, id string) string {
	return s.prefix + ":" + string(coll) + ":" + id
}

func (s *Store) indexKey(coll docstore.Collection) string {
	return s.prefix + ":" + string(coll) + ":ids"
}

// Upsert implements docstore.Store.
func (s *Store) Upsert(ctx context.Context, coll docstore.Collection, id string, doc docstore.Document) error {
	prepared, err := docstore.Prepare(coll, id, doc)
	if err != nil {
		return err
	}
	body, err := prepared.Encode()
	if err != nil {
		return docstore.WriteError("upsert", coll, id, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.docKey(coll, id), body, 0)
		pipe.SAdd(ctx, s.indexKey(coll), id)
		return nil
	})
	return docstore.WriteError("upsert", coll, id, err)
}

// Delete implements docstore.Store.
func (s *Store) Delete(ctx context.Context, coll docstore.Collection, id string) error {
	if err := docstore.CheckCollection(coll); err != nil {
		return err
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.docKey(coll, id))
		pipe.SRem(ctx, s.indexKey(coll), id)
		return nil
	})
	return docstore.WriteError("delete", coll, id, err)
}

// Get implements docstore.Store.
func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (docstore.Document, error) {
	if err := docstore.CheckCollection(coll); err != nil {
		return nil, err
	}
	body, err := s.client.Get(ctx, s.docKey(coll, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", coll, id, err)
	}
	return docstore.DecodeDocument(body)
}

// Find implements docstore.Store.
func (s *Store) Find(ctx context.Context, coll docstore.Collection, filter docstore.Filter) ([]docstore.Document, error) {
	if err := docstore.CheckCollection(coll); err != nil {
		return nil, err
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	ids, err := s.client.SMembers(ctx, s.indexKey(coll)).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s index: %w", coll, err)
	}
	sort.Strings(ids)

	var docs []docstore.Document
	for start := 0; start < len(ids); start += mgetChunk {
		end := min(start+mgetChunk, len(ids))
		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, s.docKey(coll, id))
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("read %s documents: %w", coll, err)
		}
		for _, v := range values {
			// Index entries can outlive their key if a writer died mid-way.
			raw, ok := v.(string)
			if !ok {
				continue
			}
			doc, err := docstore.DecodeDocument([]byte(raw))
			if err != nil {
				return nil, err
			}
			if filter.Match(doc) {
				docs = append(docs, doc)
			}
		}
	}
	return docs, nil
}

// Count implements docstore.Store.
func (s *Store) Count(ctx context.Context, coll docstore.Collection, filter docstore.Filter) (int, error) {
	if filter.IsZero() {
		if err := docstore.CheckCollection(coll); err != nil {
			return 0, err
		}
		n, err := s.client.SCard(ctx, s.indexKey(coll)).Result()
		if err != nil {
			return 0, fmt.Errorf("count %s: %w", coll, err)
		}
		return int(n), nil
	}
	docs, err := s.Find(ctx, coll, filter)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Close closes Redis resources.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}
