// Package jobwire provides a Redis-backed job queue with a request/response
// front end.
//
// It uses:
// - Redis Lists for wait/active/completed/failed
// - Redis Hashes for job records
// - Redis ZSet for delayed retries
// - Redis keys with PX expiry as job locks (stall detection)
// - Redis PubSub for per-queue job events
//
// A Dispatcher submits a job and blocks until a worker reports it completed
// or failed, or until a timeout. A Registry caches one Dispatcher per queue.
// A Worker, usually started with Bootstrap, consumes a queue with bounded
// concurrency and shuts down once on SIGTERM/SIGINT.
package jobwire
