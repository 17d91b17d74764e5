// A per-group bandwidth and IOPS throttler for multi-tenant storage stacks.
//
// Features:
//
// - Time-sliced token-bucket accounting for bytes/sec and ops/sec limits, per direction and combined
//
// - Hierarchical groups: requests climb the ancestor chain and are gated at the first over-limit level
//
// - Round-robin fairness among sibling sources feeding the same queue
//
// - Device groups: several physical devices sharing one logical limit
//
// - Timer-driven dispatch with bounded batches, so admission never busy-waits
//
// - Requests are delayed, never rejected: backpressure is the only admission-control mechanism
//
// - Lock-free fast path for groups without any configured rule
//
// - Thread safe
package gothrottle
