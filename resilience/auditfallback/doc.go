// Package auditfallback buffers audit records while the primary audit sink
// is unavailable and replays them once it recovers.
//
// A Queue is an ordinary value with an explicit lifecycle: build it with New,
// run it under the launcher (or RunContext) and stop it with Shutdown. The
// buffer itself lives behind Store, in process memory or in a Redis list
// shared by replicas. Its size feeds the health verdict.
package auditfallback
