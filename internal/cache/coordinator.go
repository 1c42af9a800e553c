package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/logging"
	"github.com/bilisim1995/mevzuatgpt-server-sub000/internal/model"
)

// Key prefixes. Keys never embed raw query text; only digests.
const (
	answerKeyPrefix    = "q:"
	embeddingKeyPrefix = "emb:"
	rateKeyPrefix      = "rl:user:"
	maintenanceKey     = "maintenance:flag"
)

// CoordinatorConfig holds memoization lifetimes.
type CoordinatorConfig struct {
	AnswerTTL      time.Duration
	EmbeddingTTL   time.Duration
	MaintenanceTTL time.Duration
}

func (c *CoordinatorConfig) applyDefaults() {
	if c.AnswerTTL == 0 {
		c.AnswerTTL = 30 * time.Minute
	}
	if c.EmbeddingTTL == 0 {
		c.EmbeddingTTL = time.Hour
	}
	if c.MaintenanceTTL == 0 {
		c.MaintenanceTTL = 30 * time.Second
	}
}

// Coordinator implements the query-path memoization policies on top of the
// byte cache: answer replay, embedding memo, rate-limit counters and the
// maintenance flag memo. Every read degrades to a miss on cache failure.
type Coordinator struct {
	cache  Cache
	config CoordinatorConfig
	logger *logging.Logger
}

// NewCoordinator creates the coordinator.
func NewCoordinator(c Cache, cfg CoordinatorConfig, logger *logging.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{cache: c, config: cfg, logger: logger}
}

// NormalizeQuery lowercases with Turkish casing rules (İ→i, I→ı) and
// collapses whitespace runs, so the same question always produces the same
// fingerprint.
func NormalizeQuery(s string) string {
	s = strings.ToLowerSpecial(unicode.TurkishCase, s)
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint derives the stable cache key input for one query shape.
func Fingerprint(query, institution string, k int, threshold float64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%.4f", NormalizeQuery(query), institution, k, threshold)
	return hex.EncodeToString(h.Sum(nil))
}

// GetAnswer returns a previously stored answer payload for the fingerprint.
func (co *Coordinator) GetAnswer(ctx context.Context, fingerprint string) ([]byte, bool) {
	val, ok, err := co.cache.Get(ctx, answerKeyPrefix+fingerprint)
	if err != nil {
		co.logger.Warn(ctx, "answer cache read failed, treating as miss", zap.Error(err))
		return nil, false
	}
	return val, ok
}

// StoreAnswer memoizes an answer payload under the fingerprint.
func (co *Coordinator) StoreAnswer(ctx context.Context, fingerprint string, payload []byte) {
	if err := co.cache.Set(ctx, answerKeyPrefix+fingerprint, payload, co.config.AnswerTTL); err != nil {
		co.logger.Warn(ctx, "answer cache write failed", zap.Error(err))
	}
}

// GetEmbedding returns a memoized query vector.
func (co *Coordinator) GetEmbedding(ctx context.Context, modelName, normalizedQuery string) ([]float32, bool) {
	val, ok, err := co.cache.Get(ctx, embeddingKey(modelName, normalizedQuery))
	if err != nil {
		co.logger.Warn(ctx, "embedding cache read failed, treating as miss", zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	vec, err := decodeVector(val)
	if err != nil {
		co.logger.Warn(ctx, "embedding cache entry malformed, treating as miss", zap.Error(err))
		return nil, false
	}
	return vec, true
}

// StoreEmbedding memoizes a query vector.
func (co *Coordinator) StoreEmbedding(ctx context.Context, modelName, normalizedQuery string, vec []float32) {
	if err := co.cache.Set(ctx, embeddingKey(modelName, normalizedQuery), encodeVector(vec), co.config.EmbeddingTTL); err != nil {
		co.logger.Warn(ctx, "embedding cache write failed", zap.Error(err))
	}
}

// Allow admits or rejects a request under the per-user per-minute quota.
// Cache failures fail open: the request is admitted and the miss logged.
// retryAfter is the wait until the current minute bucket rolls over.
func (co *Coordinator) Allow(ctx context.Context, userID string, perMinute int, now time.Time) (allowed bool, retryAfter time.Duration) {
	if perMinute <= 0 {
		return true, 0
	}
	bucket := now.Unix() / 60
	key := fmt.Sprintf("%s%s:minute:%d", rateKeyPrefix, userID, bucket)

	n, err := co.cache.Incr(ctx, key, time.Minute)
	if err != nil {
		co.logger.Warn(ctx, "rate limit counter unavailable, admitting request", zap.Error(err))
		return true, 0
	}
	if n > int64(perMinute) {
		next := time.Unix((bucket+1)*60, 0)
		return false, next.Sub(now)
	}
	return true, 0
}

// GetMaintenance returns the memoized maintenance flag.
func (co *Coordinator) GetMaintenance(ctx context.Context) (*model.MaintenanceFlag, bool) {
	val, ok, err := co.cache.Get(ctx, maintenanceKey)
	if err != nil || !ok {
		return nil, false
	}
	var flag model.MaintenanceFlag
	if err := json.Unmarshal(val, &flag); err != nil {
		co.logger.Warn(ctx, "maintenance flag cache entry malformed", zap.Error(err))
		return nil, false
	}
	return &flag, true
}

// StoreMaintenance memoizes the maintenance flag briefly.
func (co *Coordinator) StoreMaintenance(ctx context.Context, flag *model.MaintenanceFlag) {
	payload, err := json.Marshal(flag)
	if err != nil {
		return
	}
	if err := co.cache.Set(ctx, maintenanceKey, payload, co.config.MaintenanceTTL); err != nil {
		co.logger.Warn(ctx, "maintenance flag cache write failed", zap.Error(err))
	}
}

// InvalidateMaintenance drops the memoized flag after an admin update.
func (co *Coordinator) InvalidateMaintenance(ctx context.Context) {
	if err := co.cache.Delete(ctx, maintenanceKey); err != nil {
		co.logger.Warn(ctx, "maintenance flag cache invalidation failed", zap.Error(err))
	}
}

func embeddingKey(modelName, normalizedQuery string) string {
	digest := sha256.Sum256([]byte(normalizedQuery))
	return embeddingKeyPrefix + modelName + ":" + hex.EncodeToString(digest[:])
}

// encodeVector packs a vector as little-endian float32 bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("cache: vector payload length %d not divisible by 4", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
