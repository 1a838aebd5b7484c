package sync

// Telemetry receives sync lifecycle hooks. The metrics package provides a
// Prometheus-backed implementation; Nop is used when observability is off.
type Telemetry interface {
	// OnSyncStart fires when a phase ("push" or "pull") begins.
	OnSyncStart(ns, phase string)

	// OnSyncEnd fires when a phase completes, with the item count it moved.
	OnSyncEnd(ns, phase string, items int, err error)

	// OnError fires for every transport or storage failure inside a phase.
	OnError(ns, phase string, err error)
}

// Nop is a Telemetry that drops every event.
type Nop struct{}

func (Nop) OnSyncStart(string, string)            {}
func (Nop) OnSyncEnd(string, string, int, error)  {}
func (Nop) OnError(string, string, error)         {}
