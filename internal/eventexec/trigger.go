package eventexec

import (
	"github.com/execd/execd/internal/property"
	"github.com/execd/execd/internal/wire"
)

// trigger is the tagged-variant replacement for the original source's
// dynamic dispatch over a Trigger base class (spec.md §9 Design Notes):
// a single Evaluate reports whether the trigger has just had a positive
// edge, and each concrete trigger carries whatever state it needs to
// detect that edge (last-observed property value, once-fired flag).
type trigger interface {
	// Evaluate returns true at most once per edge: the instant the
	// trigger's condition becomes true. It must not return true again
	// until the condition has gone false and become true again (property
	// triggers), or ever again after the first true (boot triggers).
	Evaluate(props *property.Store) bool
	describe() string
}

// propertyTrigger fires whenever its property equals its target value and
// the value has changed since the last evaluation — matching-but-unchanged
// is not a new edge (spec.md §4.7, scenario 6).
type propertyTrigger struct {
	key, value string
	lastValue  string
	seen       bool
}

func (t *propertyTrigger) Evaluate(props *property.Store) bool {
	cur, _ := props.Get(t.key)
	changed := !t.seen || cur != t.lastValue
	t.seen = true
	fires := changed && cur == t.value
	t.lastValue = cur
	return fires
}

func (t *propertyTrigger) describe() string {
	return "property:" + t.key + "=" + t.value
}

// bootTrigger fires exactly once per daemon lifetime.
type bootTrigger struct {
	fired bool
}

func (t *bootTrigger) Evaluate(*property.Store) bool {
	if t.fired {
		return false
	}
	t.fired = true
	return true
}

func (t *bootTrigger) describe() string { return "boot" }

// buildTriggers converts the wire representation of an event's triggers
// into live evaluators. It is the inverse of the EventDef -> wire.Trigger
// direction used when persisting to the config file.
//
// bootFired is the daemon-lifetime registry of boot triggers keyed by event
// name, owned by the Executor (SPEC_FULL.md A4): a boot trigger must fire
// at most once per name for the life of the process, even across
// delete-then-re-add of the same name, so its "has fired" state cannot live
// on the EventDef or runState that delete/add recreate. buildTriggers
// reuses the existing *bootTrigger for name out of the registry instead of
// allocating a fresh, unfired one, and registers a new one the first time
// name is seen.
func buildTriggers(wts []wire.Trigger, name string, bootFired map[string]*bootTrigger) []trigger {
	out := make([]trigger, 0, len(wts))
	for _, wt := range wts {
		switch wt.Kind {
		case wire.TriggerBoot:
			bt, ok := bootFired[name]
			if !ok {
				bt = &bootTrigger{}
				bootFired[name] = bt
			}
			out = append(out, bt)
		case wire.TriggerProperty:
			out = append(out, &propertyTrigger{key: wt.PropertyKey, value: wt.PropertyValue})
		}
	}
	return out
}

// anyFires evaluates every trigger (always evaluating all, so property
// triggers keep tracking "last value" even when an earlier trigger in the
// list already fired) and reports whether at least one fired.
func anyFires(triggers []trigger, props *property.Store) bool {
	fired := false
	for _, t := range triggers {
		if t.Evaluate(props) {
			fired = true
		}
	}
	return fired
}
