// Package transport holds what the Bluetooth channel clients share: the
// typed Error every send reports, and its classification of raw socket
// failures.
//
// The family clients live in sub-packages:
//
//	l2cap  raw L2CAP SEQPACKET sockets (Linux)
//	aacp   AirPods control protocol over PSM 0x1001
//	att    raw ATT writes and notifications over PSM 0x001F
//	bluez  connection events from BlueZ over D-Bus
package transport
