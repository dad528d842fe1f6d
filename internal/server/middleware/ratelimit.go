package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/freema/regforge/internal/logger"
	"github.com/freema/regforge/internal/redisclient"
)

// RateLimiter is a Redis sorted-set sliding window keyed by bearer token.
// It guards run creation, since every run launches a browser automation.
type RateLimiter struct {
	redis  *redisclient.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(rdb *redisclient.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{redis: rdb, limit: limit, window: window, now: time.Now}
}

// Middleware enforces the limit. Requests without a token pass through and
// are left to BearerAuth.
func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok || rl.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			allowed, retryAfter, err := rl.allow(r, token)
			if err != nil {
				// Fail open; a Redis outage surfaces on the run itself.
				logger.FromContext(r.Context()).Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				secs := int(retryAfter.Round(time.Second).Seconds())
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					fmt.Sprintf("at most %d runs per %s, retry after %ds", rl.limit, rl.window, secs))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (rl *RateLimiter) allow(r *http.Request, token string) (bool, time.Duration, error) {
	ctx := r.Context()
	key := rl.redis.Key("ratelimit", "runs", hashToken(token))

	now := rl.now().UnixMilli()
	windowStart := now - rl.window.Milliseconds()

	pipe := rl.redis.Unwrap().TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	if countCmd.Val() >= int64(rl.limit) {
		retry := rl.window / time.Duration(rl.limit)
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			retry = time.Duration(int64(oldest[0].Score)+rl.window.Milliseconds()-now) * time.Millisecond
		}
		return false, retry, nil
	}

	member := strconv.FormatInt(now, 10) + "-" + strconv.FormatInt(countCmd.Val(), 10)
	add := rl.redis.Unwrap().TxPipeline()
	add.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	add.Expire(ctx, key, rl.window)
	if _, err := add.Exec(ctx); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:8])
}

func writeProblem(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
