package aacp

import "bytes"

// Information is the hardware description carried by an
// OpcodeInformation packet. Any field may be empty.
type Information struct {
	Name              string
	ModelNumber       string
	Manufacturer      string
	SerialNumber      string
	Version1          string
	Version2          string
	HardwareRevision  string
	UpdaterIdentifier string
	LeftSerialNumber  string
	RightSerialNumber string
	Version3          string
}

// ParseInformation extracts the NUL-separated strings of an information
// payload. Leading binary bytes before the first printable character are
// skipped and missing trailing strings are left empty, so a truncated
// packet still yields what it carries.
func ParseInformation(payload []byte) Information {
	start := 0
	for start < len(payload) && !printable(payload[start]) {
		start++
	}

	parts := bytes.Split(payload[start:], []byte{0x00})
	field := func(i int) string {
		if i >= len(parts) {
			return ""
		}
		return string(bytes.TrimFunc(parts[i], func(r rune) bool { return r < 0x20 }))
	}

	return Information{
		Name:              field(0),
		ModelNumber:       field(1),
		Manufacturer:      field(2),
		SerialNumber:      field(3),
		Version1:          field(4),
		Version2:          field(5),
		HardwareRevision:  field(6),
		UpdaterIdentifier: field(7),
		LeftSerialNumber:  field(8),
		RightSerialNumber: field(9),
		Version3:          field(10),
	}
}

func printable(b byte) bool {
	return b >= 0x20 && b < 0x7F
}
