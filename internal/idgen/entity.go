package idgen

import (
	"fmt"
	"strings"
)

type Entity string

const (
	EntityEscrow             Entity = "ESCROW"
	EntityExchange           Entity = "EXCHANGE"
	EntityTransaction        Entity = "TRANSACTION"
	EntityCashout            Entity = "CASHOUT"
	EntityUnifiedTransaction Entity = "UNIFIED_TRANSACTION"
)

var prefixes = map[Entity]string{
	EntityEscrow:             "ES",
	EntityExchange:           "EX",
	EntityTransaction:        "TX",
	EntityCashout:            "CO",
	EntityUnifiedTransaction: "UTX",
}

// Prefix returns the business prefix of entity.
func Prefix(e Entity) (string, error) {
	p, ok := prefixes[e]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, string(e))
	}
	return p, nil
}

type Strategy string

const (
	StrategyAtomicCounter   Strategy = "atomic_counter"
	StrategyDistributedUUID Strategy = "distributed_uuid"
	StrategyHybridSecure    Strategy = "hybrid_secure"
	StrategySnowflake       Strategy = "snowflake"
	// StrategyFallback marks emergency IDs. It cannot be requested.
	StrategyFallback Strategy = "fallback"
)

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyAtomicCounter, StrategyDistributedUUID, StrategyHybridSecure, StrategySnowflake:
		return st, nil
	case "":
		return StrategyHybridSecure, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}
