// Package notifier delivers driver notifications (reminders, "starting
// soon" alerts, ride activation notices).
//
// # Dispatch
//
// Dispatcher.Send walks an ordered list of channels (primary chat, then
// SMS) and stops at the first one that accepts the message. Each attempt
// runs under its own timeout; errors and panics inside a channel are logged
// and never reach the caller. A channel declares whether it takes the rich
// (markdown) or the plain rendering of a Message.
//
// # Pipeline
//
// Service.Notify is the fire-and-forget entry used by the lifecycle ticks:
// a bounded queue drained by supervised workers, a token-bucket rate limit,
// and an optional dedup window keyed by Message.Key. A timed-out attempt is
// treated as a failure, so a provider that did deliver may receive the same
// message again from the next channel.
package notifier
