package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/privacy-decision-gateway/internal/infrastructure/config"
)

// maxCASAttempts bounds WATCH retries inside a single store call. The
// services above retry on a false result, so this only absorbs bursts.
const maxCASAttempts = 8

// NewClient connects to Redis and verifies the connection. cfg.URL may be a
// redis:// URL or a bare host:port.
func NewClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL, DB: cfg.DB}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis client initialized",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB))
	return client, nil
}

// Keyspace builds every key the gateway writes under a common prefix.
// Subject-scoped cache entries live under subject:<id>: so that erasure can
// sweep them with one pattern.
type Keyspace struct {
	prefix string
}

func NewKeyspace(prefix string) Keyspace {
	if prefix == "" {
		prefix = "pdg"
	}
	return Keyspace{prefix: prefix}
}

func (k Keyspace) key(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

func (k Keyspace) budget(subjectID string) string        { return k.key("budget", subjectID) }
func (k Keyspace) budgetHistory(subjectID string) string { return k.key("budget_history", subjectID) }
func (k Keyspace) consent(subjectID string) string       { return k.key("consent", subjectID) }
func (k Keyspace) token(tokenID string) string           { return k.key("token", tokenID) }
func (k Keyspace) taskTokens(taskID string) string       { return k.key("task", taskID, "tokens") }
func (k Keyspace) taskCompleted(taskID string) string    { return k.key("task", taskID, "completed") }
func (k Keyspace) requesterTokens(id string) string      { return k.key("requester", id, "tokens") }
func (k Keyspace) blocked() string                       { return k.key("rtbf", "blocked") }
func (k Keyspace) rtbfRequest(id string) string          { return k.key("rtbf", "request", id) }
func (k Keyspace) rtbfIndex() string                     { return k.key("rtbf", "requests") }
func (k Keyspace) rtbfSubject(subjectID string) string   { return k.key("rtbf", "subject", subjectID) }

// SubjectCache returns the key of a subject-scoped cache entry.
func (k Keyspace) SubjectCache(subjectID, name string) string {
	return k.key("subject", subjectID, name)
}

func (k Keyspace) subjectPattern(subjectID string) string {
	return k.key("subject", escapeGlob(subjectID), "*")
}

// escapeGlob quotes the characters SCAN MATCH treats as wildcards.
func escapeGlob(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// errCASMismatch aborts a WATCH transaction whose precondition failed.
var errCASMismatch = errors.New("compare-and-swap precondition failed")

// watch runs fn under WATCH on keys. It reports false when fn rejected the
// precondition or another client kept winning the race.
func watch(ctx context.Context, client *redis.Client, fn func(tx *redis.Tx) error, keys ...string) (bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		err := client.Watch(ctx, fn, keys...)
		switch {
		case err == nil:
			return true, nil
		case err == errCASMismatch:
			return false, nil
		case err == redis.TxFailedErr:
			continue
		default:
			return false, err
		}
	}
	return false, nil
}
