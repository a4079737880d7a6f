// Package cache caches tool, resource, and prompt definition listings
// with TTL expiry, single-flight fetch deduplication, optional
// stale-while-revalidate serving, and proactive auto-refresh.
//
// A Cacher keeps one entry per definition kind in memory and can
// mirror entries to a pluggable Storage (a SQLite adapter is provided)
// so definitions survive restarts. At most one fetch per kind is ever
// in flight; concurrent misses join it.
package cache
