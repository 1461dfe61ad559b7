package lock

import "hash/fnv"

// Namespaces partition the advisory lock keyspace so unrelated subsystems
// never contend on a hash collision.
const (
	NamespaceDefault  int32 = 0x45_4F_00_01
	NamespaceCashout  int32 = 0x45_4F_00_02
	NamespaceEscrow   int32 = 0x45_4F_00_03
	NamespaceIDGen    int32 = 0x45_4F_00_04
	NamespaceExchange int32 = 0x45_4F_00_05
)

// Hash maps a lock key to the 32-bit half of a two-argument advisory lock.
func Hash(key string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int32(h.Sum32())
}

// KeyID is the single 64-bit identifier Postgres reports for (ns, Hash(key))
// in pg_locks (classid<<32 | objid).
func KeyID(ns int32, key string) int64 {
	return int64(ns)<<32 | int64(uint32(Hash(key)))
}
