package att

// FrameSize is the length of a Nothing "everything" command frame.
const FrameSize = 13

// frameValueOffset is where the payload byte sits in a frame and in the
// matching notification.
const frameValueOffset = 9

// framePrefix is the fixed header of every frame. Changing any byte here
// breaks compatibility with the headset firmware.
var framePrefix = [frameValueOffset]byte{0x55, 0x60, 0x01, 0x0F, 0xF0, 0x03, 0x00, 0x00, 0x01}

// notificationMagic is the first byte of a valid notification.
const notificationMagic = 0x55

// ANC mode bytes.
const (
	ANCHigh         byte = 0x01
	ANCMid          byte = 0x02
	ANCLow          byte = 0x03
	ANCAdaptive     byte = 0x04
	ANCOff          byte = 0x05
	ANCTransparency byte = 0x07
)

// EncodeFrame embeds value in a 13-byte frame:
//
//	55 60 01 0F F0 03 00 00 01 <value> 00 00 00
func EncodeFrame(value byte) [FrameSize]byte {
	var f [FrameSize]byte
	copy(f[:], framePrefix[:])
	f[frameValueOffset] = value
	return f
}

// DecodeFrameValue extracts the payload byte from a notification on
// HandleNothingEverything. ok is false for any other handle, a short
// payload or a missing magic byte.
func DecodeFrameValue(h Handle, data []byte) (value byte, ok bool) {
	if h != HandleNothingEverything {
		return 0, false
	}
	if len(data) <= frameValueOffset || data[0] != notificationMagic {
		return 0, false
	}
	return data[frameValueOffset], true
}
