package device

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestFieldsFor(t *testing.T) {
	if got := FieldsFor(FamilyNothing); !slices.Equal(got, []Field{FieldANCMode}) {
		t.Errorf("FieldsFor(nothing) = %v", got)
	}
	if !SupportsField(FamilyAirPods, FieldDeviceName) {
		t.Error("airpods should support device_name")
	}
	if SupportsField(FamilyAirPods, FieldANCMode) {
		t.Error("airpods should not support anc_mode")
	}
	if FieldsFor(Family("sony")) != nil {
		t.Error("unknown family should have no fields")
	}
}

func TestNewConfiguration(t *testing.T) {
	pods, ok := NewConfiguration(FamilyAirPods).(*AirPodsConfiguration)
	if !ok {
		t.Fatal("airpods configuration has wrong type")
	}
	if slices.Contains(pods.ListeningModes, ListeningModeOff) {
		t.Error("off should not be offered until allowed")
	}

	nothing, ok := NewConfiguration(FamilyNothing).(*NothingConfiguration)
	if !ok {
		t.Fatal("nothing configuration has wrong type")
	}
	if len(nothing.ANCModes) != 6 {
		t.Errorf("ANCModes = %v, want all six", nothing.ANCModes)
	}

	if NewConfiguration(Family("sony")) != nil {
		t.Error("unknown family should have no configuration")
	}
}

func TestAirPodsConfiguration_AllowOffMode(t *testing.T) {
	cfg := NewConfiguration(FamilyAirPods)

	if err := cfg.set(FieldAllowOffMode, true); err != nil {
		t.Fatalf("set() error = %v", err)
	}
	modes := cfg.(*AirPodsConfiguration).ListeningModes
	if len(modes) != 4 || modes[0] != ListeningModeOff {
		t.Errorf("ListeningModes = %v, want off first", modes)
	}

	if err := cfg.set(FieldAllowOffMode, false); err != nil {
		t.Fatalf("set() error = %v", err)
	}
	if slices.Contains(cfg.(*AirPodsConfiguration).ListeningModes, ListeningModeOff) {
		t.Error("off still offered after disallowing it")
	}
}

func TestConfiguration_SetRejectsWrongTypes(t *testing.T) {
	pods := NewConfiguration(FamilyAirPods)
	if err := pods.set(FieldListeningMode, "transparency"); err == nil {
		t.Error("untyped string should be rejected for listening_mode")
	}
	if err := pods.set(FieldPersonalizedVolume, "true"); err == nil {
		t.Error("string should be rejected for a boolean field")
	}

	nothing := NewConfiguration(FamilyNothing)
	if err := nothing.set(FieldDeviceName, "x"); err == nil {
		t.Error("nothing family has no device_name")
	}
}

func TestRecord_DeepCopy(t *testing.T) {
	orig := &Record{
		ID:            podsMAC,
		Family:        FamilyAirPods,
		Configuration: NewConfiguration(FamilyAirPods),
		Fields:        map[Field]FieldState{FieldDeviceName: {Status: StatusPending}},
	}

	cp := orig.DeepCopy()
	cp.Fields[FieldDeviceName] = FieldState{Status: StatusConfirmed}
	cp.Configuration.(*AirPodsConfiguration).ListeningModes[0] = ListeningModeOff

	if orig.Fields[FieldDeviceName].Status != StatusPending {
		t.Error("copy shares the fields map")
	}
	if orig.Configuration.(*AirPodsConfiguration).ListeningModes[0] == ListeningModeOff {
		t.Error("copy shares the listening modes slice")
	}

	var nilRec *Record
	if nilRec.DeepCopy() != nil {
		t.Error("DeepCopy of nil should be nil")
	}
}

func TestRecord_JSON(t *testing.T) {
	rec := &Record{
		ID:            nothingMAC,
		Family:        FamilyNothing,
		Configuration: &NothingConfiguration{ANCMode: ANCModeLow, ANCModes: AllANCModes()},
		Fields:        map[Field]FieldState{FieldANCMode: {Status: StatusConfirmed, Source: SourceNotification}},
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	cfg := decoded["configuration"].(map[string]any)
	if cfg["anc_mode"] != "low" {
		t.Errorf("configuration.anc_mode = %v", cfg["anc_mode"])
	}
	fields := decoded["fields"].(map[string]any)
	if _, ok := fields["anc_mode"].(map[string]any)["deadline"]; ok {
		t.Error("zero deadline should be omitted")
	}
}
