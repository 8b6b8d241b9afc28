package device

import (
	"slices"
	"time"
)

// Family identifies the accessory family of a headset. Each family speaks
// its own control protocol and has its own configuration shape.
type Family string

// Supported families.
const (
	// FamilyAirPods devices are driven over AACP control packets.
	FamilyAirPods Family = "airpods"

	// FamilyNothing devices are driven by raw ATT writes and notifications.
	FamilyNothing Family = "nothing"
)

// AllFamilies returns every supported family.
func AllFamilies() []Family {
	return []Family{FamilyAirPods, FamilyNothing}
}

// ValidFamily reports whether f is a supported family.
func ValidFamily(f Family) bool {
	return slices.Contains(AllFamilies(), f)
}

// Field names a configuration setting that can be changed and confirmed.
type Field string

// Configuration fields.
const (
	FieldDeviceName            Field = "device_name"
	FieldListeningMode         Field = "listening_mode"
	FieldPersonalizedVolume    Field = "personalized_volume"
	FieldConversationAwareness Field = "conversation_awareness"
	FieldAllowOffMode          Field = "allow_off_mode"
	FieldANCMode               Field = "anc_mode"
)

// FieldsFor returns the fields a family supports.
func FieldsFor(f Family) []Field {
	switch f {
	case FamilyAirPods:
		return []Field{
			FieldDeviceName,
			FieldListeningMode,
			FieldPersonalizedVolume,
			FieldConversationAwareness,
			FieldAllowOffMode,
		}
	case FamilyNothing:
		return []Field{FieldANCMode}
	default:
		return nil
	}
}

// SupportsField reports whether family f has field.
func SupportsField(f Family, field Field) bool {
	return slices.Contains(FieldsFor(f), field)
}

// ListeningMode is the noise-control mode of an AirPods-family headset.
type ListeningMode string

// Listening modes.
const (
	ListeningModeOff               ListeningMode = "off"
	ListeningModeNoiseCancellation ListeningMode = "noise_cancellation"
	ListeningModeTransparency      ListeningMode = "transparency"
	ListeningModeAdaptive          ListeningMode = "adaptive"
)

// ANCMode is the noise-control mode of a Nothing-family headset.
type ANCMode string

// ANC modes.
const (
	ANCModeHigh         ANCMode = "high"
	ANCModeMid          ANCMode = "mid"
	ANCModeLow          ANCMode = "low"
	ANCModeAdaptive     ANCMode = "adaptive"
	ANCModeOff          ANCMode = "off"
	ANCModeTransparency ANCMode = "transparency"
)

// AllANCModes returns every ANC mode in display order.
func AllANCModes() []ANCMode {
	return []ANCMode{ANCModeHigh, ANCModeMid, ANCModeLow, ANCModeAdaptive, ANCModeOff, ANCModeTransparency}
}

// listeningModesFor returns the selectable listening modes. Off is only
// offered when the headset allows it.
func listeningModesFor(allowOff bool) []ListeningMode {
	modes := []ListeningMode{ListeningModeNoiseCancellation, ListeningModeTransparency, ListeningModeAdaptive}
	if allowOff {
		modes = append([]ListeningMode{ListeningModeOff}, modes...)
	}
	return modes
}

// Configuration is the settings snapshot of one headset. The set of
// implementations is closed: one per Family.
type Configuration interface {
	// Family returns the family this configuration belongs to.
	Family() Family

	// Value returns the current value of field.
	Value(field Field) (any, bool)

	// Clone returns a deep copy.
	Clone() Configuration

	// set assigns an already normalised value.
	set(field Field, value any) error
}

// NewConfiguration returns the zero configuration for a family, or nil
// for an unknown family.
func NewConfiguration(f Family) Configuration {
	switch f {
	case FamilyAirPods:
		return &AirPodsConfiguration{ListeningModes: listeningModesFor(false)}
	case FamilyNothing:
		return &NothingConfiguration{ANCModes: AllANCModes()}
	default:
		return nil
	}
}

// AirPodsConfiguration holds the settings of an AirPods-family headset.
type AirPodsConfiguration struct {
	DeviceName            string          `json:"device_name"`
	ListeningMode         ListeningMode   `json:"listening_mode,omitempty"`
	ListeningModes        []ListeningMode `json:"listening_modes"`
	PersonalizedVolume    bool            `json:"personalized_volume"`
	ConversationAwareness bool            `json:"conversation_awareness"`
	AllowOffMode          bool            `json:"allow_off_mode"`
}

// Family implements Configuration.
func (*AirPodsConfiguration) Family() Family { return FamilyAirPods }

// Value implements Configuration.
func (c *AirPodsConfiguration) Value(field Field) (any, bool) {
	switch field {
	case FieldDeviceName:
		return c.DeviceName, true
	case FieldListeningMode:
		return c.ListeningMode, true
	case FieldPersonalizedVolume:
		return c.PersonalizedVolume, true
	case FieldConversationAwareness:
		return c.ConversationAwareness, true
	case FieldAllowOffMode:
		return c.AllowOffMode, true
	default:
		return nil, false
	}
}

// Clone implements Configuration.
func (c *AirPodsConfiguration) Clone() Configuration {
	cp := *c
	cp.ListeningModes = slices.Clone(c.ListeningModes)
	return &cp
}

func (c *AirPodsConfiguration) set(field Field, value any) error {
	switch field {
	case FieldDeviceName:
		v, ok := value.(string)
		if !ok {
			return valueTypeError(field, value)
		}
		c.DeviceName = v
	case FieldListeningMode:
		v, ok := value.(ListeningMode)
		if !ok {
			return valueTypeError(field, value)
		}
		c.ListeningMode = v
	case FieldPersonalizedVolume, FieldConversationAwareness, FieldAllowOffMode:
		v, ok := value.(bool)
		if !ok {
			return valueTypeError(field, value)
		}
		switch field {
		case FieldPersonalizedVolume:
			c.PersonalizedVolume = v
		case FieldConversationAwareness:
			c.ConversationAwareness = v
		default:
			c.AllowOffMode = v
			c.ListeningModes = listeningModesFor(v)
		}
	default:
		return unsupportedFieldError(FamilyAirPods, field)
	}
	return nil
}

// NothingConfiguration holds the settings of a Nothing-family headset.
type NothingConfiguration struct {
	ANCMode  ANCMode   `json:"anc_mode,omitempty"`
	ANCModes []ANCMode `json:"anc_modes"`
}

// Family implements Configuration.
func (*NothingConfiguration) Family() Family { return FamilyNothing }

// Value implements Configuration.
func (c *NothingConfiguration) Value(field Field) (any, bool) {
	if field == FieldANCMode {
		return c.ANCMode, true
	}
	return nil, false
}

// Clone implements Configuration.
func (c *NothingConfiguration) Clone() Configuration {
	cp := *c
	cp.ANCModes = slices.Clone(c.ANCModes)
	return &cp
}

func (c *NothingConfiguration) set(field Field, value any) error {
	if field != FieldANCMode {
		return unsupportedFieldError(FamilyNothing, field)
	}
	v, ok := value.(ANCMode)
	if !ok {
		return valueTypeError(field, value)
	}
	c.ANCMode = v
	return nil
}

// Information is the read-only hardware description of a headset. Any
// field may be empty when the headset did not report it.
type Information interface {
	Family() Family
}

// AirPodsInformation is decoded from the AACP information packet.
type AirPodsInformation struct {
	Name              string `json:"name,omitempty"`
	ModelNumber       string `json:"model_number,omitempty"`
	Manufacturer      string `json:"manufacturer,omitempty"`
	SerialNumber      string `json:"serial_number,omitempty"`
	LeftSerialNumber  string `json:"left_serial_number,omitempty"`
	RightSerialNumber string `json:"right_serial_number,omitempty"`
	Version1          string `json:"version1,omitempty"`
	Version2          string `json:"version2,omitempty"`
	Version3          string `json:"version3,omitempty"`
}

// Family implements Information.
func (AirPodsInformation) Family() Family { return FamilyAirPods }

// NothingInformation describes a Nothing-family headset.
type NothingInformation struct {
	SerialNumber    string `json:"serial_number,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
}

// Family implements Information.
func (NothingInformation) Family() Family { return FamilyNothing }

// FieldStatus tracks whether a field value has been confirmed by hardware.
type FieldStatus string

// Field statuses.
const (
	// StatusPending marks a locally written value awaiting confirmation.
	StatusPending FieldStatus = "pending"

	// StatusConfirmed marks a value reported by the headset.
	StatusConfirmed FieldStatus = "confirmed"

	// StatusUnconfirmed marks a local value whose command failed or whose
	// confirmation window expired.
	StatusUnconfirmed FieldStatus = "unconfirmed"
)

// Sources recorded alongside field transitions.
const (
	SourceCommand      = "command"
	SourceNotification = "notification"
	SourceTimeout      = "timeout"
	SourceTransport    = "transport"
)

// FieldState is the confirmation bookkeeping for one field.
type FieldState struct {
	Status FieldStatus `json:"status"`

	// CommandID is the command that produced a pending or unconfirmed value.
	CommandID string `json:"command_id,omitempty"`

	// Deadline is when a pending value becomes unconfirmed. Zero otherwise.
	Deadline time.Time `json:"deadline,omitzero"`

	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
	Reason    string    `json:"reason,omitempty"`
}

// Record is everything the store knows about one connected headset.
type Record struct {
	ID            string               `json:"id"`
	Family        Family               `json:"family"`
	Information   Information          `json:"information,omitempty"`
	Configuration Configuration        `json:"configuration"`
	Fields        map[Field]FieldState `json:"fields"`
	ConnectedAt   time.Time            `json:"connected_at"`
}

// DeepCopy returns a copy that shares no mutable state with r.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Configuration != nil {
		cp.Configuration = r.Configuration.Clone()
	}
	cp.Fields = make(map[Field]FieldState, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// Change is a requested value for one field.
type Change struct {
	Field Field `json:"field"`
	Value any   `json:"value"`
}

// StateUpdate is an authoritative value reported by a headset.
type StateUpdate struct {
	DeviceID string `json:"device_id"`
	Field    Field  `json:"field"`
	Value    any    `json:"value"`
}

// Transition describes one field status change in the store. It is
// handed to the store's change callback.
type Transition struct {
	DeviceID  string      `json:"device_id"`
	Family    Family      `json:"family"`
	Field     Field       `json:"field"`
	Value     any         `json:"value"`
	Status    FieldStatus `json:"status"`
	CommandID string      `json:"command_id,omitempty"`
	Source    string      `json:"source"`
	Reason    string      `json:"reason,omitempty"`
	At        time.Time   `json:"at"`

	// Seq increases by one with every transition of the device, in the
	// order the store applied them.
	Seq uint64 `json:"seq"`
}
