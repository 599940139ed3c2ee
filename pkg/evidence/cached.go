package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/credence/pkg/cache"
	"github.com/soundprediction/credence/pkg/types"
)

// CachedEstimator memoizes another estimator by claim-set fingerprint.
// Cache failures are logged and bypassed.
type CachedEstimator struct {
	next   LikelihoodEstimator
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedEstimator wraps next.
func NewCachedEstimator(next LikelihoodEstimator, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedEstimator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEstimator{next: next, cache: c, ttl: ttl, logger: logger}
}

func (c *CachedEstimator) Name() string { return c.next.Name() }

func (c *CachedEstimator) EstimateLikelihoods(ctx context.Context, claims []types.Claim, judgment Judgment) (LikelihoodEstimate, error) {
	key := cache.Key("likelihood:"+c.next.Name(), Fingerprint(claims, judgment))

	if data, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("Likelihood cache read failed", "error", err)
	} else if ok {
		var est LikelihoodEstimate
		if err := json.Unmarshal(data, &est); err == nil {
			return est, nil
		}
		c.logger.Warn("Discarding corrupt likelihood cache entry", "key", key)
	}

	est, err := c.next.EstimateLikelihoods(ctx, claims, judgment)
	if err != nil {
		return LikelihoodEstimate{}, err
	}
	if data, err := json.Marshal(est); err == nil {
		if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
			c.logger.Warn("Likelihood cache write failed", "error", err)
		}
	}
	return est, nil
}

// Fingerprint identifies a claim set independently of input order.
func Fingerprint(claims []types.Claim, judgment Judgment) string {
	lines := make([]string, 0, len(claims)+len(judgment.Clusters))
	for _, cl := range claims {
		lines = append(lines, fmt.Sprintf("c|%s|%s|%.6f|%s|%s",
			cl.ID, cl.Key(), cl.AggregatedConfidence.Value, cl.Source.DocumentID, cl.Source.LineageRoot()))
	}
	for _, cluster := range judgment.Clusters {
		members := append([]string(nil), cluster.Members...)
		sort.Strings(members)
		lines = append(lines, "k|"+strings.Join(members, ","))
	}
	sort.Strings(lines)
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}
