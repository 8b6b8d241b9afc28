// Package codec converts between field changes and wire bytes.
//
// Encoding is pure: Encode maps a normalised device.Change to either a
// complete AACP packet (AirPods family) or a 13-byte frame for an ATT
// write (Nothing family). Booleans use the toggle convention 0x01 for
// enabled and 0x02 for disabled.
//
// Decoding goes the other way for inbound events. Events budlink does not
// model decode to nil; malformed events of a modelled kind return a
// *ProtocolError, which callers log and discard.
package codec
