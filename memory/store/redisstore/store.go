// Package redisstore stores memory documents in Redis.
//
// Each memory is a HASH at memories:{namespace}:{userId}:{id} and each user
// has a SET of memory ids at memories:{namespace}:{userId}:ids. Batches are
// committed with WATCH on the membership set and MULTI/EXEC, so a concurrent
// writer to the same user aborts the commit instead of interleaving with it.
package redisstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/memory"
)

// Hash field names. The index schema refers to the same names.
const (
	FieldID        = "id"
	FieldText      = "text"
	FieldEmbedding = "embedding"
	FieldNamespace = "namespace"
	FieldUserID    = "userId"
	FieldCreatedAt = "createdAt"
	FieldUpdatedAt = "updatedAt"
)

const scanCount = 500

// Config holds connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// NewClient creates a client speaking RESP2, which the index commands parse.
func NewClient(cfg Config) *redis.Client {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 6379
	}
	return redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(host, strconv.Itoa(port)),
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		Protocol: 2,
	})
}

// Store implements memory.Store on Redis.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ memory.Store = (*Store)(nil)

// New wraps client. The store owns the client and closes it on Close.
func New(client redis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger.With("component", "redisstore")}
}

// Client exposes the underlying client for components sharing the connection.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Members implements memory.Store.
func (s *Store) Members(ctx context.Context, scope memory.Scope) ([]string, error) {
	ids, err := s.client.SMembers(ctx, memory.MembershipKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", scope, err)
	}
	return ids, nil
}

// IsMember implements memory.Store.
func (s *Store) IsMember(ctx context.Context, scope memory.Scope, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, memory.MembershipKey(scope), id).Result()
	if err != nil {
		return false, fmt.Errorf("check member %s of %s: %w", id, scope, err)
	}
	return ok, nil
}

// Get implements memory.Store.
func (s *Store) Get(ctx context.Context, scope memory.Scope, id string) (*memory.Memory, error) {
	fields, err := s.client.HGetAll(ctx, memory.DocumentKey(scope, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, memory.ErrNotFound
	}
	m, err := decode(fields)
	if err != nil {
		return nil, fmt.Errorf("decode memory %s: %w", id, err)
	}
	return &m, nil
}

// GetMany implements memory.Store. Ids whose document is missing or
// unreadable are skipped and logged.
func (s *Store) GetMany(ctx context.Context, scope memory.Scope, ids []string) ([]memory.Memory, error) {
	if len(ids) == 0 {
		return []memory.Memory{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, memory.DocumentKey(scope, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get memories of %s: %w", scope, err)
	}

	out := make([]memory.Memory, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			s.logger.Warn("orphan membership entry", "scope", scope.String(), "id", ids[i])
			continue
		}
		m, err := decode(fields)
		if err != nil {
			s.logger.Warn("unreadable memory document", "scope", scope.String(), "id", ids[i], "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Commit implements memory.Store.
func (s *Store) Commit(ctx context.Context, scope memory.Scope, batch memory.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	setKey := memory.MembershipKey(scope)

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkPatchTargets(ctx, tx, setKey, batch); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, mut := range batch.Mutations {
				docKey := memory.DocumentKey(scope, mut.Memory.ID)
				switch mut.Kind {
				case memory.MutationPut:
					pipe.HSet(ctx, docKey, encode(scope, mut.Memory))
					pipe.SAdd(ctx, setKey, mut.Memory.ID)
				case memory.MutationPatch:
					pipe.HSet(ctx, docKey, encodePatch(mut.Memory))
				case memory.MutationRemove:
					pipe.SRem(ctx, setKey, mut.Memory.ID)
					pipe.Del(ctx, docKey)
				default:
					return fmt.Errorf("unsupported mutation %s", mut.Kind)
				}
			}
			return nil
		})
		return err
	}, setKey)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("memories of %s changed during commit: %w", scope, err)
	}
	return err
}

// checkPatchTargets fails with *memory.StaleUpdateError when a patched id is
// not a member. HSET would otherwise leave an orphan partial hash.
func checkPatchTargets(ctx context.Context, tx *redis.Tx, setKey string, batch memory.Batch) error {
	var stale []string
	for _, mut := range batch.Mutations {
		if mut.Kind != memory.MutationPatch {
			continue
		}
		ok, err := tx.SIsMember(ctx, setKey, mut.Memory.ID).Result()
		if err != nil {
			return fmt.Errorf("check membership of %s: %w", mut.Memory.ID, err)
		}
		if !ok {
			stale = append(stale, mut.Memory.ID)
		}
	}
	if len(stale) > 0 {
		return &memory.StaleUpdateError{IDs: stale}
	}
	return nil
}

// Count implements memory.Store.
func (s *Store) Count(ctx context.Context, scope memory.Scope) (int64, error) {
	return s.client.SCard(ctx, memory.MembershipKey(scope)).Result()
}

// Users implements memory.Store.
func (s *Store) Users(ctx context.Context, namespace string) ([]string, error) {
	scopes, err := s.scan(ctx, memory.MembershipPattern(namespace))
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(scopes))
	for _, sc := range scopes {
		// a namespace glob like "acme:*" also matches "acme:x" namespaces
		if sc.Namespace == namespace {
			users = append(users, sc.UserID)
		}
	}
	sort.Strings(users)
	return users, nil
}

// Scopes implements memory.Store.
func (s *Store) Scopes(ctx context.Context) ([]memory.Scope, error) {
	scopes, err := s.scan(ctx, memory.MembershipPattern(""))
	if err != nil {
		return nil, err
	}
	sort.Slice(scopes, func(i, j int) bool {
		if scopes[i].Namespace != scopes[j].Namespace {
			return scopes[i].Namespace < scopes[j].Namespace
		}
		return scopes[i].UserID < scopes[j].UserID
	})
	return scopes, nil
}

func (s *Store) scan(ctx context.Context, pattern string) ([]memory.Scope, error) {
	seen := make(map[memory.Scope]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, k := range keys {
			if sc, ok := memory.ParseMembershipKey(k); ok {
				seen[sc] = struct{}{}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	out := make([]memory.Scope, 0, len(seen))
	for sc := range seen {
		out = append(out, sc)
	}
	return out, nil
}

// Close implements memory.Store.
func (s *Store) Close() error {
	return s.client.Close()
}

func encode(scope memory.Scope, m memory.Memory) map[string]interface{} {
	return map[string]interface{}{
		FieldID:        m.ID,
		FieldText:      m.Text,
		FieldEmbedding: VectorBytes(m.Embedding),
		FieldNamespace: scope.Namespace,
		FieldUserID:    scope.UserID,
		FieldCreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
		FieldUpdatedAt: m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func encodePatch(m memory.Memory) map[string]interface{} {
	return map[string]interface{}{
		FieldText:      m.Text,
		FieldEmbedding: VectorBytes(m.Embedding),
		FieldUpdatedAt: m.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func decode(fields map[string]string) (memory.Memory, error) {
	m := memory.Memory{
		ID:        fields[FieldID],
		Text:      fields[FieldText],
		Namespace: fields[FieldNamespace],
		UserID:    fields[FieldUserID],
	}
	if raw, ok := fields[FieldEmbedding]; ok && raw != "" {
		vec, err := ParseVector([]byte(raw))
		if err != nil {
			return m, err
		}
		m.Embedding = vec
	}
	var err error
	if m.CreatedAt, err = parseTime(fields[FieldCreatedAt]); err != nil {
		return m, fmt.Errorf("createdAt: %w", err)
	}
	if m.UpdatedAt, err = parseTime(fields[FieldUpdatedAt]); err != nil {
		return m, fmt.Errorf("updatedAt: %w", err)
	}
	return m, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// VectorBytes encodes a vector as little-endian FLOAT32, the layout
// RediSearch expects for vector fields and KNN parameters.
func VectorBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// ParseVector decodes VectorBytes output.
func ParseVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob of %d bytes is not float32 aligned", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
