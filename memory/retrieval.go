package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTopK is the retrieval size when a query does not set one.
	DefaultTopK = 3

	// DefaultIndexCooldown is how long a failing index is bypassed.
	DefaultIndexCooldown = 30 * time.Second
)

// Query is a retrieval request.
type Query struct {
	Scope         Scope
	Text          string
	TopK          int
	ForceFallback bool
}

// FallbackRanker ranks by exhaustive cosine similarity over the scope's
// membership set. Ties keep membership enumeration order.
type FallbackRanker struct {
	store  Store
	logger *slog.Logger
}

// NewFallbackRanker creates a ranker reading documents from store.
func NewFallbackRanker(store Store, logger *slog.Logger) *FallbackRanker {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackRanker{store: store, logger: logger.With("component", "fallback")}
}

// Rank implements Ranker.
func (f *FallbackRanker) Rank(ctx context.Context, req RankRequest) ([]Match, error) {
	ids, err := f.store.Members(ctx, req.Scope)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []Match{}, nil
	}
	docs, err := f.store.GetMany(ctx, req.Scope, ids)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(docs))
	for _, d := range docs {
		text := strings.TrimSpace(d.Text)
		if text == "" || len(d.Embedding) == 0 {
			continue
		}
		score, err := CosineSimilarity(req.Embedding, d.Embedding)
		if err != nil {
			f.logger.Warn("skipping memory", "scope", req.Scope.String(), "id", d.ID, "error", err)
			continue
		}
		matches = append(matches, Match{ID: d.ID, Text: text, Score: score})
	}

	sortMatches(matches)
	return truncate(matches, req.TopK), nil
}

func sortMatches(m []Match) {
	sort.SliceStable(m, func(i, j int) bool { return m[i].Score > m[j].Score })
}

func truncate(m []Match, k int) []Match {
	if k > 0 && len(m) > k {
		return m[:k]
	}
	return m
}

// Membership enumerates a scope's current memory ids. Store implements it.
type Membership interface {
	Members(ctx context.Context, scope Scope) ([]string, error)
}

// RetrieverConfig configures a Retriever.
type RetrieverConfig struct {
	// IndexCooldown is how long the index is skipped after it errors.
	IndexCooldown time.Duration

	// Membership, when set, drops index matches whose id has left the
	// scope's membership set, e.g. after a failed index sync.
	Membership Membership

	Logger        *slog.Logger
	Clock         func() time.Time
}

// Retriever returns the memories most similar to a query. It prefers the
// ANN index and falls back to exhaustive ranking when the index is absent,
// failing, cooling down, empty, or bypassed by the query.
type Retriever struct {
	embedder Embedder
	index    Ranker
	fallback Ranker
	members  Membership
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu             sync.Mutex
	unhealthyUntil time.Time
}

// NewRetriever creates a retriever. index may be nil.
func NewRetriever(embedder Embedder, index Ranker, fallback Ranker, cfg RetrieverConfig) *Retriever {
	if cfg.IndexCooldown <= 0 {
		cfg.IndexCooldown = DefaultIndexCooldown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Retriever{
		embedder: embedder,
		index:    index,
		fallback: fallback,
		members:  cfg.Membership,
		cooldown: cfg.IndexCooldown,
		now:      cfg.Clock,
		logger:   cfg.Logger.With("component", "retriever"),
	}
}

// Search ranks the scope's memories against q.Text.
// A blank query returns no matches without calling the embedder.
func (r *Retriever) Search(ctx context.Context, q Query) ([]Match, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []Match{}, nil
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &RetrievalError{Stage: "embed", Err: err}
	}
	req := RankRequest{Scope: q.Scope, Embedding: vec, TopK: q.TopK}

	if r.index != nil && !q.ForceFallback && r.indexHealthy() {
		matches, err := r.index.Rank(ctx, req)
		switch {
		case err != nil:
			r.markUnhealthy()
			r.logger.Warn("index search failed, using fallback", "scope", q.Scope.String(), "error", err)
		default:
			matches = usable(matches)
			matches, err = r.current(ctx, q.Scope, matches)
			if err != nil {
				r.logger.Warn("membership check failed, using fallback", "scope", q.Scope.String(), "error", err)
				break
			}
			if len(matches) > 0 {
				sortMatches(matches)
				return truncate(matches, q.TopK), nil
			}
			r.logger.Debug("index returned nothing, using fallback", "scope", q.Scope.String())
		}
	}

	matches, err := r.fallback.Rank(ctx, req)
	if err != nil {
		return nil, &RetrievalError{Stage: "fallback", Err: err}
	}
	return matches, nil
}

// Retrieve returns the texts of the best matches. It never fails: errors
// are logged and produce an empty list.
func (r *Retriever) Retrieve(ctx context.Context, q Query) []string {
	matches, err := r.Search(ctx, q)
	if err != nil {
		r.logger.Error("retrieval failed", "scope", q.Scope.String(), "error", err)
		return []string{}
	}
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Text
	}
	r.logger.Info("retrieved memories", "scope", q.Scope.String(), "count", len(texts), "query", truncateLog(q.Text, 50))
	return texts
}

// current keeps the matches that are still members of scope.
func (r *Retriever) current(ctx context.Context, scope Scope, matches []Match) ([]Match, error) {
	if r.members == nil || len(matches) == 0 {
		return matches, nil
	}
	ids, err := r.members.Members(ctx, scope)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(ids))
	for _, id := range ids {
		live[id] = true
	}
	out := matches[:0]
	for _, m := range matches {
		if live[m.ID] {
			out = append(out, m)
		} else {
			r.logger.Debug("dropping stale index match", "scope", scope.String(), "id", m.ID)
		}
	}
	return out, nil
}

func (r *Retriever) indexHealthy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.now().Before(r.unhealthyUntil)
}

func (r *Retriever) markUnhealthy() {
	r.mu.Lock()
	r.unhealthyUntil = r.now().Add(r.cooldown)
	r.mu.Unlock()
}

func usable(in []Match) []Match {
	out := in[:0]
	for _, m := range in {
		m.Text = strings.TrimSpace(m.Text)
		if m.Text != "" {
			out = append(out, m)
		}
	}
	return out
}

