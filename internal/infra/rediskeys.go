package infra

const (
	// RedisNamespace isolates the project keys inside a shared Redis.
	RedisNamespace = "counter"
)

// Key prefixes (hashes and sorted sets), suffixed with a counter name or a fingerprint.
const (
	RedisKeyCounterPrefix = RedisNamespace + ":row:"
	RedisKeyClientPrefix  = RedisNamespace + ":client:"
	RedisKeyEventsPrefix  = RedisNamespace + ":events:fp:"
)

// Global indexes.
const (
	RedisKeyEvents       = RedisNamespace + ":events:all"
	RedisKeyActiveBlocks = RedisNamespace + ":blocks"
)

// Pub/Sub channels.
const (
	// RedisChanCounterUpdates carries every committed counter state as JSON.
	RedisChanCounterUpdates = RedisNamespace + ":updates"
	// RedisChanBlocks carries operator decisions as "<fingerprint>:true|false".
	RedisChanBlocks = RedisNamespace + ":security:blocks"
)

func CounterKey(name string) string { return RedisKeyCounterPrefix + name }

func ClientKey(fp string) string { return RedisKeyClientPrefix + fp }

func ClientEventsKey(fp string) string { return RedisKeyEventsPrefix + fp }
