// Package notifier records and delivers job outcome notifications.
//
// Every terminal outcome that passes the success/error filters is first
// written to the notification inbox in the store. Delivery to an outside
// channel happens afterwards on a worker pool: a per-channel Sender
// (Telegram chat, email) is called behind a shared rate limiter with
// jittered exponential retry, and the final delivery state is written back
// onto the inbox record.
//
// # History
//
// The service keeps a small in-memory history of recent deliveries for
// operator visibility.
package notifier
