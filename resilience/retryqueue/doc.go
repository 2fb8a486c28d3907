// Package retryqueue turns a transient failure into a durable, scheduled
// retry with a hard attempt ceiling.
//
// Callers Enqueue a failed operation under an operation key. A Worker claims
// due entries (Pending to Processing, atomically and per tenant), runs the
// Handler registered for the key and then completes, reschedules or
// dead-letters the entry. Dead-lettered entries are terminal: they are
// surfaced through Stats and ListDeadLettered and never retried again.
package retryqueue
