// Package bridge exposes budlink over MQTT.
//
// Inbound, it subscribes to budlink/command/+ and turns each
// CommandMessage into a session submission, acknowledging it on
// budlink/ack/{mac}. Outbound, it mirrors the event bus: every event is
// published on budlink/event/{kind} and each device's reconciled state is
// kept retained on budlink/state/{mac}. A HealthReporter publishes
// retained health on budlink/health; the broker's last will on
// budlink/system/status covers an unclean exit.
//
// Message flow:
//
//	client ──command──▶ Bridge ──Apply──▶ session.Manager ──▶ headset
//	client ◀──ack────── Bridge ◀──ticket──┘
//	client ◀──state/event── Bridge ◀── events.Bus
package bridge
