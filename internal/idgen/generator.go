// Package idgen issues business identifiers that are verified unique against
// a persistent registry before they are handed out.
package idgen

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/punchamoorthee/exactlyonce/internal/clock"
	"github.com/punchamoorthee/exactlyonce/internal/metrics"
	"github.com/punchamoorthee/exactlyonce/internal/retry"
)

var (
	ErrUnknownEntity   = errors.New("unknown entity type")
	ErrUnknownStrategy = errors.New("unknown id strategy")
	ErrIDTooLong       = errors.New("generated id exceeds max length")
	ErrNoCounter       = errors.New("atomic counter strategy requires a Counter")
)

// Config enumerates every recognized generator setting.
type Config struct {
	Strategy   Strategy
	MaxRetries int
	RetryDelay time.Duration
	Checksum   bool
	// MaxLength bounds verified IDs; 0 disables the check.
	MaxLength int
	// MachineID is the snowflake node, 0..1023.
	MachineID int64
}

func DefaultConfig() Config {
	return Config{
		Strategy:   StrategyHybridSecure,
		MaxRetries: 5,
		RetryDelay: 75 * time.Millisecond,
		MaxLength:  32,
	}
}

// ID is a generated identifier. Verified is false only for emergency
// fallback IDs that were never checked against the registry.
type ID struct {
	Value    string   `json:"value"`
	Entity   Entity   `json:"entity"`
	Strategy Strategy `json:"strategy"`
	Verified bool     `json:"is_unique_verified"`
	Attempts int      `json:"attempts"`
}

func (id ID) String() string { return id.Value }

type Generator struct {
	cfg      Config
	registry Registry
	counter  Counter
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	node     *snowflake.Node

	mu     sync.Mutex
	hybrid map[Entity]*secondCounter
}

// secondCounter is the hybrid strategy's in-process sequence. It restarts
// whenever the wall-clock second changes.
type secondCounter struct {
	mu     sync.Mutex
	second int64
	n      int
}

// New builds a generator. counter may be nil when the atomic counter strategy
// is never requested.
func New(cfg Config, registry Registry, counter Counter, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) (*Generator, error) {
	if registry == nil {
		return nil, errors.New("idgen: registry is required")
	}
	def := DefaultConfig()
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}
	if _, err := ParseStrategy(string(cfg.Strategy)); err != nil {
		return nil, err
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	node, err := snowflake.NewNode(cfg.MachineID)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", cfg.MachineID, err)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		cfg:      cfg,
		registry: registry,
		counter:  counter,
		clock:    clk,
		logger:   logger.With("component", "idgen"),
		metrics:  m,
		node:     node,
		hybrid:   make(map[Entity]*secondCounter),
	}, nil
}

// Generate builds a candidate with strategy (the configured default when
// empty), reserves it in the registry and retries on collision with the same
// strategy. When every attempt fails it returns a fallback ID with
// Verified=false instead of an error.
func (g *Generator) Generate(ctx context.Context, entity Entity, strategy Strategy, userContext string) (ID, error) {
	prefix, err := Prefix(entity)
	if err != nil {
		return ID{}, err
	}
	if strategy == "" {
		strategy = g.cfg.Strategy
	}
	if strategy == StrategyAtomicCounter && g.counter == nil {
		return ID{}, ErrNoCounter
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return ID{}, err
	}

	var (
		value   string
		lastErr error
	)
	done, attempts, err := retry.Do(ctx, retry.Fixed(g.cfg.MaxRetries, g.cfg.RetryDelay), func(attempt int) (bool, error) {
		candidate, err := g.candidate(ctx, entity, prefix, strategy, userContext)
		if err != nil {
			if errors.Is(err, ErrIDTooLong) || ctx.Err() != nil {
				return false, err
			}
			lastErr = err
			g.logger.Warn("id candidate failed", "entity", entity, "strategy", strategy, "attempt", attempt, "error", err)
			return false, nil
		}
		reserved, err := g.registry.Reserve(ctx, entity, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			lastErr = err
			g.logger.Warn("id uniqueness check failed", "entity", entity, "strategy", strategy, "attempt", attempt, "error", err)
			return false, nil
		}
		if !reserved {
			g.metrics.ObserveIDCollision(string(entity), string(strategy))
			g.logger.Debug("id collision", "entity", entity, "strategy", strategy, "attempt", attempt, "id", candidate)
			return false, nil
		}
		value = candidate
		return true, nil
	})
	if err != nil {
		return ID{}, err
	}
	if done {
		g.metrics.ObserveIDGenerated(string(entity), string(strategy), true)
		return ID{Value: value, Entity: entity, Strategy: strategy, Verified: true, Attempts: attempts}, nil
	}

	fb := g.fallback(prefix)
	g.metrics.ObserveIDGenerated(string(entity), string(StrategyFallback), false)
	g.logger.Warn("id generation exhausted retries, issuing fallback id",
		"entity", entity, "strategy", strategy, "attempts", attempts,
		"id", fb, "is_unique_verified", false, "last_error", lastErr)
	return ID{Value: fb, Entity: entity, Strategy: StrategyFallback, Verified: false, Attempts: attempts}, nil
}

// Verify re-checks an issued ID against the registry.
func (g *Generator) Verify(ctx context.Context, id ID) (bool, error) {
	return g.registry.Exists(ctx, id.Entity, id.Value)
}

func (g *Generator) candidate(ctx context.Context, entity Entity, prefix string, strategy Strategy, userContext string) (string, error) {
	now := g.clock.Now().UTC()
	var body string
	switch strategy {
	case StrategyAtomicCounter:
		day := now.Format("060102")
		seq, err := g.counter.Next(ctx, entity, day)
		if err != nil {
			return "", fmt.Errorf("next sequence: %w", err)
		}
		body = day + fmt.Sprintf("%06d", seq)
	case StrategyDistributedUUID:
		body = strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36)) + uuidPart(userContext)
	case StrategyHybridSecure:
		seq := g.hybridSeq(entity, now)
		body = now.Format("060102150405") + fmt.Sprintf("%03d", seq) + userPart(userContext) + secureHex(2)
	case StrategySnowflake:
		body = g.node.Generate().String()
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, string(strategy))
	}

	id := prefix + body
	if g.cfg.Checksum {
		id = appendChecksum(id)
	}
	if g.cfg.MaxLength > 0 && len(id) > g.cfg.MaxLength {
		return "", fmt.Errorf("%w: %d > %d", ErrIDTooLong, len(id), g.cfg.MaxLength)
	}
	return id, nil
}

func (g *Generator) hybridSeq(entity Entity, now time.Time) int {
	g.mu.Lock()
	c, ok := g.hybrid[entity]
	if !ok {
		c = &secondCounter{}
		g.hybrid[entity] = c
	}
	g.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if sec := now.Unix(); sec != c.second {
		c.second = sec
		c.n = 0
	}
	c.n++
	return c.n % 1000
}

// fallback is prefix + "FB" + unix millis + random hex. It skips the registry.
func (g *Generator) fallback(prefix string) string {
	return prefix + "FB" + strconv.FormatInt(g.clock.Now().UnixMilli(), 10) + secureHex(4)
}

// uuidPart is 12 hex chars of a random UUID, salted with userContext when set.
func uuidPart(userContext string) string {
	u := uuid.New()
	if userContext == "" {
		return strings.ToUpper(hex.EncodeToString(u[:6]))
	}
	h := sha256.Sum256(append([]byte(userContext), u[:]...))
	return strings.ToUpper(hex.EncodeToString(h[:6]))
}

// userPart is 4 hex chars derived from the user, or random without one.
func userPart(userContext string) string {
	if userContext == "" {
		return secureHex(2)
	}
	h := sha256.Sum256([]byte(userContext))
	return strings.ToUpper(hex.EncodeToString(h[:2]))
}

func secureHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		u := uuid.New()
		copy(b, u[:])
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
