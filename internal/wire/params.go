package wire

import "fmt"

// ParamsVersion identifies the wire shape of Params. The params object
// itself carries this field — unlike the original daemon's nativeSaceParams,
// which read the version off the wrong object (spec.md §9, Open Question).
const ParamsVersion uint8 = 1

// RLimit is one resource-limit pair to apply to a spawned child.
type RLimit struct {
	Resource string // e.g. "RLIMIT_NOFILE", "RLIMIT_CPU"
	Soft     uint64
	Hard     uint64
}

// TriggerKind distinguishes the two trigger kinds a spec (and the original
// source) supports.
type TriggerKind uint8

const (
	TriggerProperty TriggerKind = iota
	TriggerBoot
)

// Trigger is the wire shape of one event trigger. For TriggerProperty,
// PropertyKey/PropertyValue name the condition; for TriggerBoot they are
// unused.
type Trigger struct {
	Kind          TriggerKind
	PropertyKey   string
	PropertyValue string
}

// Params is the identity and resource envelope applied to a spawned child
// before exec, plus (for events) the trigger set that starts it.
type Params struct {
	Version uint8

	UIDOrName      string
	GIDOrName      string
	SuppGIDs       []string
	RLimits        []RLimit
	SecurityLabel  string
	CapabilityMask uint64

	// Triggers is populated only on event Params.
	Triggers []Trigger
}

// Validate enforces the wire-level invariants that must hold before a
// Params value is handed to an executor: most importantly, a property
// trigger must carry both a key and a value (the original source's
// SaceEventParams::property_size can miscount when the key/value arrays
// differ in length; this spec requires parity, checked here rather than
// trusting the array lengths implicitly, per spec.md §9 Open Question).
func (p *Params) Validate() error {
	for i, t := range p.Triggers {
		if t.Kind == TriggerProperty {
			if t.PropertyKey == "" || t.PropertyValue == "" {
				return fmt.Errorf("wire: trigger %d: property trigger requires both key and value", i)
			}
		}
	}
	return nil
}

func (p *Params) encode(e *encoder) {
	e.u8(p.Version)
	e.str(p.UIDOrName)
	e.str(p.GIDOrName)
	e.u32(uint32(len(p.SuppGIDs)))
	for _, g := range p.SuppGIDs {
		e.str(g)
	}
	e.u32(uint32(len(p.RLimits)))
	for _, rl := range p.RLimits {
		e.str(rl.Resource)
		e.u64(rl.Soft)
		e.u64(rl.Hard)
	}
	e.str(p.SecurityLabel)
	e.u64(p.CapabilityMask)
	e.u32(uint32(len(p.Triggers)))
	for _, t := range p.Triggers {
		e.u8(uint8(t.Kind))
		e.str(t.PropertyKey)
		e.str(t.PropertyValue)
	}
}

func decodeParams(d *decoder) *Params {
	p := &Params{}
	p.Version = d.u8()
	p.UIDOrName = d.strField()
	p.GIDOrName = d.strField()
	n := d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		p.SuppGIDs = append(p.SuppGIDs, d.strField())
	}
	n = d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		var rl RLimit
		rl.Resource = d.strField()
		rl.Soft = d.u64()
		rl.Hard = d.u64()
		p.RLimits = append(p.RLimits, rl)
	}
	p.SecurityLabel = d.strField()
	p.CapabilityMask = d.u64()
	n = d.u32()
	for i := uint32(0); i < n && d.err == nil; i++ {
		var t Trigger
		t.Kind = TriggerKind(d.u8())
		t.PropertyKey = d.strField()
		t.PropertyValue = d.strField()
		p.Triggers = append(p.Triggers, t)
	}
	return p
}
