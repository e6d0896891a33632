/*
Package storage owns the single BadgerDB instance the daemon persists into.

# One Database, Several Keyspaces

The stream store, the reducer's offset tracker and the activity store all
share one DB. Each claims a one-byte key prefix:

	's'  stream records      's' | xxhash64(topic) | millis (BE u64) | seq (BE u64)
	'n'  topic registry      'n' | topic
	'o'  reduction offsets   'o' | topic
	'a'  activities          'a' | timeline | 0x00 | score (sign-flipped BE u64)

Big-endian integers keep lexicographic key order equal to numeric order, so
range reads and "newest record" lookups are plain prefix iterations.

# Memory Bounds

Open applies conservative limits (16 MB memtable, caches sized from it, 64 MB
value log files) because telemetry records are small and the daemon is
expected to run next to the ground-station services on the same host.
MaxMemoryMB raises or lowers the memtable proportionally.

# Cancellation

Update and View run the transaction on the calling goroutine and check ctx
before starting and again after fn returns. Update commits only when ctx is
still live at that point, so a failed Update never leaves a write behind and
no transaction outlives the call (Close never races an abandoned write).

# Garbage Collection

Deleted activities and superseded offsets leave garbage in the value log.
RunGC reclaims one file per call; pkg/server schedules it periodically.
*/
package storage

// Key prefixes for the keyspaces sharing the database.
const (
	PrefixRecord   byte = 's'
	PrefixTopic    byte = 'n'
	PrefixOffset   byte = 'o'
	PrefixActivity byte = 'a'
)
