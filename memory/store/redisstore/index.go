package redisstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/EAbdou1/recallkit/memory"
)

// DefaultIndexName is the RediSearch index over memory documents.
const DefaultIndexName = "recall-index"

const distanceField = "distance"

// tagSeparator splits multi-value TAG fields. Scope tags are single values,
// so it is a byte no namespace or user id carries.
const tagSeparator = "\x1f"

// Doer sends raw commands. redis.Client and redis.ClusterClient implement it.
type Doer interface {
	Do(ctx context.Context, args ...interface{}) *redis.Cmd
}

// IndexOptions configures a RediSearch vector index.
type IndexOptions struct {
	Name       string
	Dimensions int
	Logger     *slog.Logger
}

// Index is a RediSearch HNSW index over memory hashes. Redis maintains it on
// every HSET/DEL under the memories: prefix, so it needs no explicit sync.
type Index struct {
	client Doer
	name   string
	dims   int
	logger *slog.Logger
}

var _ memory.Index = (*Index)(nil)

// NewIndex creates an index handle. It does not touch Redis.
func NewIndex(client Doer, opts IndexOptions) *Index {
	if opts.Name == "" {
		opts.Name = DefaultIndexName
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Index{
		client: client,
		name:   opts.Name,
		dims:   opts.Dimensions,
		logger: opts.Logger.With("component", "redisearch", "index", opts.Name),
	}
}

// Ensure creates the index unless it already exists.
func (ix *Index) Ensure(ctx context.Context) error {
	err := ix.create(ctx)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "index already exists") {
		return nil
	}
	return err
}

// Recreate drops the index definition (keeping documents) and creates it again.
func (ix *Index) Recreate(ctx context.Context) error {
	err := ix.client.Do(ctx, "FT.DROPINDEX", ix.name).Err()
	if err != nil && !isUnknownIndex(err) {
		return fmt.Errorf("drop index %s: %w", ix.name, err)
	}
	if err == nil {
		ix.logger.Info("dropped index")
	}
	return ix.create(ctx)
}

func (ix *Index) create(ctx context.Context) error {
	args := []interface{}{
		"FT.CREATE", ix.name,
		"ON", "HASH",
		"PREFIX", "1", memory.KeyPrefix,
		"SCHEMA",
		FieldNamespace, "TAG", "SEPARATOR", tagSeparator, "CASESENSITIVE",
		FieldUserID, "TAG", "SEPARATOR", tagSeparator, "CASESENSITIVE",
		FieldText, "TEXT",
		FieldEmbedding, "VECTOR", "HNSW", "6",
		"TYPE", "FLOAT32",
		"DIM", strconv.Itoa(ix.dims),
		"DISTANCE_METRIC", "COSINE",
	}
	if err := ix.client.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("create index %s: %w", ix.name, err)
	}
	ix.logger.Info("created index", "dimensions", ix.dims)
	return nil
}

// Rank runs a KNN query restricted to the request's scope.
func (ix *Index) Rank(ctx context.Context, req memory.RankRequest) ([]memory.Match, error) {
	if len(req.Embedding) != ix.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", memory.ErrDimensionMismatch, len(req.Embedding), ix.dims)
	}
	k := req.TopK
	if k <= 0 {
		k = memory.DefaultTopK
	}

	res, err := ix.search(ctx, req, k)
	if err != nil && isUnknownIndex(err) {
		ix.logger.Warn("index missing, creating it", "error", err)
		if cerr := ix.Ensure(ctx); cerr != nil {
			return nil, cerr
		}
		res, err = ix.search(ctx, req, k)
	}
	if err != nil {
		return nil, fmt.Errorf("search index %s: %w", ix.name, err)
	}
	return parseSearchReply(res, req.Scope)
}

func (ix *Index) search(ctx context.Context, req memory.RankRequest, k int) (interface{}, error) {
	return ix.client.Do(ctx,
		"FT.SEARCH", ix.name, KNNQuery(req.Scope),
		"PARAMS", "4", "k", strconv.Itoa(k), "vec", VectorBytes(req.Embedding),
		"SORTBY", distanceField,
		"RETURN", "5", FieldID, FieldText, FieldNamespace, FieldUserID, distanceField,
		"LIMIT", "0", strconv.Itoa(k),
		"DIALECT", "2",
	).Result()
}

// KNNQuery builds the scoped KNN query string.
func KNNQuery(scope memory.Scope) string {
	return fmt.Sprintf("(@%s:{%s} @%s:{%s})=>[KNN $k @%s $vec AS %s]",
		FieldNamespace, EscapeTag(scope.Namespace),
		FieldUserID, EscapeTag(scope.UserID),
		FieldEmbedding, distanceField)
}

// EscapeTag escapes RediSearch tag syntax characters.
func EscapeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(",.<>{}[]\"':;!@#$%^&*()-+=~|/\\ ", r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseSearchReply reads a RESP2 FT.SEARCH reply:
// [total, key, [field, value, ...], key, [...], ...].
// Rows whose namespace or userId differ from scope are dropped.
func parseSearchReply(res interface{}, scope memory.Scope) ([]memory.Match, error) {
	rows, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected FT.SEARCH reply %T", res)
	}
	if len(rows) == 0 {
		return []memory.Match{}, nil
	}

	matches := make([]memory.Match, 0, (len(rows)-1)/2)
	for i := 1; i+1 < len(rows); i += 2 {
		fields, ok := rows[i+1].([]interface{})
		if !ok {
			continue
		}
		var m memory.Match
		var row memory.Scope
		var dist float64 = 1
		for j := 0; j+1 < len(fields); j += 2 {
			name := fmt.Sprint(fields[j])
			value := fmt.Sprint(fields[j+1])
			switch name {
			case FieldID:
				m.ID = value
			case FieldText:
				m.Text = value
			case FieldNamespace:
				row.Namespace = value
			case FieldUserID:
				row.UserID = value
			case distanceField:
				d, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return nil, fmt.Errorf("parse distance %q: %w", value, err)
				}
				dist = d
			}
		}
		if row != scope {
			continue
		}
		m.Score = 1 - dist
		matches = append(matches, m)
	}
	return matches, nil
}

func isUnknownIndex(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index name") || strings.Contains(msg, "no such index")
}
