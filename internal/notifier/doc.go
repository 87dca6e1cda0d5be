// Package notifier delivers listing announcements to the configured chat.
//
// Delivery is synchronous: Deliver returns only once the transport confirmed
// the message (or gave up), so the caller can advance its watermark strictly
// after a confirmed send.
//
// # Pacing
//
// Sends are paced with a token bucket so a burst of new listings doesn't trip
// the chat platform's flood control. Flood-control errors that carry a
// retry-after hint are honoured when retries are enabled.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recent deliveries.
package notifier
