// Package redis provides the Redis client shared by the audit fallback queue
// and the distributed lock that serializes worker maintenance sweeps.
package redis
