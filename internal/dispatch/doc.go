// Package dispatch delivers encoded commands to headset transports.
//
// Every attached device owns one FIFO queue drained by exactly one
// worker goroutine, so commands addressed to the same device reach the
// transport in the order they were dispatched. Devices never share a
// worker, so a slow or stalled headset does not delay any other.
//
// # Failure
//
// A failed send is classified into a *transport.Error. Timeouts and write
// failures are retried up to Config.MaxRetries times with a linear
// backoff. A disconnected link is never retried: Detach cancels the
// in-flight send and fails every queued command with
// transport.ReasonDisconnected. Nothing in this package panics or exits
// on a transport failure.
//
// The dispatcher never touches the device store. Callers apply the
// optimistic update once Dispatch accepts a command, and inspect the
// returned Ticket for the outcome.
package dispatch
