// Package webhook delivers events to tenant-registered HTTP endpoints.
//
// Every attempt is signed with the subscription secret and recorded as a
// Delivery, successful or not. A failed delivery never fails the caller; when
// a retry scheduler is configured it is handed to the retry queue instead of
// being retried inline.
package webhook
