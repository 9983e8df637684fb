// Package delivery implements the delivery gateway senders: SES v2 for
// email and a JSON-over-HTTP SMS provider behind a retrying client.
//
// Senders never retry a provider rejection. Transport retries on the SMS
// path are safe because every request carries the (enrollment, step)
// idempotency key.
package delivery
