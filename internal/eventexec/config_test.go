package eventexec

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/execd/execd/internal/capability"
	"github.com/execd/execd/internal/wire"
)

func TestSaveLoadConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "execd_event.conf")

	defs := []*EventDef{
		{
			Name:          "logd-restart",
			CommandString: "logd --restart --flag 'with spaces'",
			RestartOnFail: true,
			Params: &wire.Params{
				Version:        wire.ParamsVersion,
				UIDOrName:      "logd",
				GIDOrName:      "logd",
				SuppGIDs:       []string{"log", "net_admin"},
				SecurityLabel:  "u:r:logd:s0",
				CapabilityMask: mustMask(t, "CAP_CHOWN", "CAP_SETUID"),
				RLimits:        []wire.RLimit{{Resource: "RLIMIT_NOFILE", Soft: 256, Hard: 1024}},
				Triggers: []wire.Trigger{
					{Kind: wire.TriggerBoot},
					{Kind: wire.TriggerProperty, PropertyKey: "sys.boot_completed", PropertyValue: "1"},
				},
			},
			triggers: buildTriggers([]wire.Trigger{{Kind: wire.TriggerBoot}}, "logd-restart", map[string]*bootTrigger{}),
		},
		{
			Name:          "simple",
			CommandString: "true",
			Params:        &wire.Params{Version: wire.ParamsVersion, Triggers: []wire.Trigger{{Kind: wire.TriggerBoot}}},
			triggers:      buildTriggers([]wire.Trigger{{Kind: wire.TriggerBoot}}, "simple", map[string]*bootTrigger{}),
		},
	}

	if err := saveConfig(path, defs); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	loaded, err := loadConfig(path, filepath.Join(dir, "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d defs, want 2", len(loaded))
	}

	byName := make(map[string]*EventDef, len(loaded))
	for _, d := range loaded {
		byName[d.Name] = d
	}

	got := byName["logd-restart"]
	if got == nil {
		t.Fatal("logd-restart missing after round trip")
	}
	if got.CommandString != "logd --restart --flag 'with spaces'" {
		t.Fatalf("CommandString = %q, want original round-tripped value", got.CommandString)
	}
	if got.Params.UIDOrName != "logd" || got.Params.GIDOrName != "logd" {
		t.Fatalf("user/group = %q/%q, want logd/logd", got.Params.UIDOrName, got.Params.GIDOrName)
	}
	if len(got.Params.SuppGIDs) != 2 || got.Params.SuppGIDs[0] != "log" || got.Params.SuppGIDs[1] != "net_admin" {
		t.Fatalf("SuppGIDs = %v, want [log net_admin]", got.Params.SuppGIDs)
	}
	if got.Params.SecurityLabel != "u:r:logd:s0" {
		t.Fatalf("SecurityLabel = %q", got.Params.SecurityLabel)
	}
	if got.Params.CapabilityMask != mustMask(t, "CAP_CHOWN", "CAP_SETUID") {
		t.Fatalf("CapabilityMask = %#x", got.Params.CapabilityMask)
	}
	if len(got.Params.RLimits) != 1 || got.Params.RLimits[0].Resource != "RLIMIT_NOFILE" || got.Params.RLimits[0].Soft != 256 || got.Params.RLimits[0].Hard != 1024 {
		t.Fatalf("RLimits = %+v", got.Params.RLimits)
	}
	if len(got.Params.Triggers) != 2 {
		t.Fatalf("Triggers = %+v, want 2", got.Params.Triggers)
	}
}

func TestLoadConfigFallsBackWhenWritableMissing(t *testing.T) {
	dir := t.TempDir()
	fallback := filepath.Join(dir, "system.conf")
	defs := []*EventDef{{
		Name:          "fallback-event",
		CommandString: "true",
		Params:        &wire.Params{Version: wire.ParamsVersion, Triggers: []wire.Trigger{{Kind: wire.TriggerBoot}}},
	}}
	if err := saveConfig(fallback, defs); err != nil {
		t.Fatalf("saveConfig(fallback): %v", err)
	}

	loaded, err := loadConfig(filepath.Join(dir, "writable.conf"), fallback)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "fallback-event" {
		t.Fatalf("loaded = %+v, want one def named fallback-event", loaded)
	}
}

func TestLoadConfigMissingBothIsEmptyNotError(t *testing.T) {
	dir := t.TempDir()
	loaded, err := loadConfig(filepath.Join(dir, "a.conf"), filepath.Join(dir, "b.conf"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("loaded %d defs, want 0", len(loaded))
	}
}

func TestParseConfigRejectsAttributeOutsideBlock(t *testing.T) {
	_, err := parseConfig(strings.NewReader("  trigger boot\n"))
	if err == nil {
		t.Fatal("expected error for an attribute line with no preceding event header")
	}
}

func TestParseConfigRejectsMalformedTrigger(t *testing.T) {
	_, err := parseConfig(strings.NewReader("ev true\n  trigger not-a-valid-spec\n"))
	if err == nil {
		t.Fatal("expected error for a malformed trigger spec")
	}
}

func mustMask(t *testing.T, names ...string) uint64 {
	t.Helper()
	mask, err := capability.ParseMask(names)
	if err != nil {
		t.Fatalf("building capability mask: %v", err)
	}
	return mask
}
