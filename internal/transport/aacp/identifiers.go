package aacp

import "fmt"

// ControlID identifies a setting carried by a control command packet.
type ControlID byte

// Control command identifiers.
const (
	ControlMicMode                   ControlID = 0x01
	ControlButtonSendMode            ControlID = 0x05
	ControlOwnsConnection            ControlID = 0x06
	ControlEarDetectionConfig        ControlID = 0x0A
	ControlListeningMode             ControlID = 0x0D
	ControlVoiceTrigger              ControlID = 0x12
	ControlSingleClickMode           ControlID = 0x14
	ControlDoubleClickMode           ControlID = 0x15
	ControlClickHoldMode             ControlID = 0x16
	ControlDoubleClickInterval       ControlID = 0x17
	ControlClickHoldInterval         ControlID = 0x18
	ControlListeningModeConfigs      ControlID = 0x1A
	ControlOneBudANCMode             ControlID = 0x1B
	ControlCrownRotationDirection    ControlID = 0x1C
	ControlAutoAnswerMode            ControlID = 0x1E
	ControlChimeVolume               ControlID = 0x1F
	ControlAutomaticConnectionConfig ControlID = 0x20
	ControlVolumeSwipeInterval       ControlID = 0x23
	ControlCallManagementConfig      ControlID = 0x24
	ControlVolumeSwipeMode           ControlID = 0x25
	ControlAdaptiveVolumeConfig      ControlID = 0x26
	ControlSoftwareMuteConfig        ControlID = 0x27
	ControlConversationDetectConfig  ControlID = 0x28
	ControlSSL                       ControlID = 0x29
	ControlHearingAid                ControlID = 0x2C
	ControlAutoANCStrength           ControlID = 0x2E
	ControlHPSGainSwipe              ControlID = 0x2F
	ControlHRMState                  ControlID = 0x30
	ControlInCaseToneConfig          ControlID = 0x31
	ControlSiriMultitoneConfig       ControlID = 0x32
	ControlHearingAssistConfig       ControlID = 0x33
	ControlAllowOffOption            ControlID = 0x34
	ControlSleepDetectionConfig      ControlID = 0x35
	ControlAllowAutoConnect          ControlID = 0x36
	ControlStemConfig                ControlID = 0x39
)

var controlNames = map[ControlID]string{
	ControlMicMode:                   "MicMode",
	ControlButtonSendMode:            "ButtonSendMode",
	ControlOwnsConnection:            "OwnsConnection",
	ControlEarDetectionConfig:        "EarDetectionConfig",
	ControlListeningMode:             "ListeningMode",
	ControlVoiceTrigger:              "VoiceTrigger",
	ControlSingleClickMode:           "SingleClickMode",
	ControlDoubleClickMode:           "DoubleClickMode",
	ControlClickHoldMode:             "ClickHoldMode",
	ControlDoubleClickInterval:       "DoubleClickInterval",
	ControlClickHoldInterval:         "ClickHoldInterval",
	ControlListeningModeConfigs:      "ListeningModeConfigs",
	ControlOneBudANCMode:             "OneBudANCMode",
	ControlCrownRotationDirection:    "CrownRotationDirection",
	ControlAutoAnswerMode:            "AutoAnswerMode",
	ControlChimeVolume:               "ChimeVolume",
	ControlAutomaticConnectionConfig: "AutomaticConnectionConfig",
	ControlVolumeSwipeInterval:       "VolumeSwipeInterval",
	ControlCallManagementConfig:      "CallManagementConfig",
	ControlVolumeSwipeMode:           "VolumeSwipeMode",
	ControlAdaptiveVolumeConfig:      "AdaptiveVolumeConfig",
	ControlSoftwareMuteConfig:        "SoftwareMuteConfig",
	ControlConversationDetectConfig:  "ConversationDetectConfig",
	ControlSSL:                       "SSL",
	ControlHearingAid:                "HearingAid",
	ControlAutoANCStrength:           "AutoANCStrength",
	ControlHPSGainSwipe:              "HPSGainSwipe",
	ControlHRMState:                  "HRMState",
	ControlInCaseToneConfig:          "InCaseToneConfig",
	ControlSiriMultitoneConfig:       "SiriMultitoneConfig",
	ControlHearingAssistConfig:       "HearingAssistConfig",
	ControlAllowOffOption:            "AllowOffOption",
	ControlSleepDetectionConfig:      "SleepDetectionConfig",
	ControlAllowAutoConnect:          "AllowAutoConnect",
	ControlStemConfig:                "StemConfig",
}

// String returns the identifier name, or its hex value when unknown.
func (id ControlID) String() string {
	if name, ok := controlNames[id]; ok {
		return name
	}
	return fmt.Sprintf("ControlID(0x%02X)", byte(id))
}

// Known reports whether id is in the identifier table.
func (id ControlID) Known() bool {
	_, ok := controlNames[id]
	return ok
}

// Listening mode values carried in the first byte of a ListeningMode
// control command.
const (
	ListeningModeOff               byte = 0x01
	ListeningModeNoiseCancellation byte = 0x02
	ListeningModeTransparency      byte = 0x03
	ListeningModeAdaptive          byte = 0x04
)
