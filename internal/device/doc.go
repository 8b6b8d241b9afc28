// Package device holds the mirror of every connected headset's
// configuration and the rules for changing it.
//
// # Key Types
//
//   - Store: keyed by MAC address, one Record per headset
//   - Record: family, hardware Information and current Configuration
//   - Configuration: AirPodsConfiguration or NothingConfiguration
//   - FieldState: pending, confirmed or unconfirmed, with a deadline
//
// # State Synchronisation
//
// A settings change is applied optimistically with UpsertOptimistic and
// each touched field becomes pending. When the headset reports the value
// ApplyConfirmed overwrites it and the field becomes confirmed. A failed
// command (MarkUnconfirmed) or an expired deadline (ExpirePending, driven
// by Run) leaves the optimistic value in place but marks it unconfirmed.
//
//	UpsertOptimistic ──▶ pending ──ApplyConfirmed──▶ confirmed
//	                        │
//	                        └─ failure / deadline ─▶ unconfirmed
//
// Every transition is reported to the SetOnChange callback and can be
// persisted through a HistoryRepository.
//
// # Usage
//
//	store := device.NewStore(3 * time.Second)
//	store.SetOnChange(func(t device.Transition) { bus.Publish(...) })
//
//	store.Create("AA:BB:CC:DD:EE:FF", device.FamilyAirPods, nil)
//	store.UpsertOptimistic("AA:BB:CC:DD:EE:FF", cmdID, device.Change{
//	    Field: device.FieldListeningMode,
//	    Value: device.ListeningModeTransparency,
//	})
//
// # Thread Safety
//
// Store is safe for concurrent use. Each record is guarded by its own
// mutex and callers only ever receive deep copies.
package device
