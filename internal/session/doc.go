// Package session ties a connected headset to its transport, its
// dispatch queue and its record in the device store.
//
// The Manager is the command submission surface of budlink. A change
// requested through Apply (or one of the typed helpers such as Rename and
// SetListeningMode) is validated, encoded, applied optimistically to the
// store and queued for the headset. Inbound events flow the other way:
// the transport hands raw events to the Manager, which forwards them on
// the event bus, decodes them and applies confirmed values to the store.
//
// # Lifecycle
//
// Connect opens the family transport and attaches a dispatch queue.
// When the link fails the queue is torn down (queued and in-flight
// commands fail with transport.ReasonDisconnected) but the record stays,
// so a later command still records its optimistic value as unconfirmed.
// Disconnect, driven by BlueZ, tears the link down and removes the record.
package session
