package eventexec

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"al.essio.dev/pkg/shellescape"

	"github.com/execd/execd/internal/capability"
	"github.com/execd/execd/internal/wire"
)

// Default config paths (spec.md §6): a writable location the event executor
// rewrites atomically on every add/delete, falling back to a read-only
// system default when the writable path has never been created.
const (
	DefaultWritablePath = "/var/lib/execd/execd_event.conf"
	DefaultSystemPath   = "/etc/execd/execd_event.conf"
)

// loadConfig reads event definitions from path, falling back to
// fallbackPath if path does not exist. A missing fallback is not an error —
// an empty event set is a valid starting state.
func loadConfig(path, fallbackPath string) ([]*EventDef, error) {
	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open event config %q: %w", path, err)
		}
		f, err = os.Open(fallbackPath)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("open fallback event config %q: %w", fallbackPath, err)
		}
	}
	defer f.Close()
	return parseConfig(f)
}

// saveConfig atomically rewrites the writable config file with defs: it
// writes to a temp file in the same directory and renames over the target,
// so a crash mid-write never leaves a truncated file behind.
func saveConfig(path string, defs []*EventDef) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create event config dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".execd_event.conf.*")
	if err != nil {
		return fmt.Errorf("create temp event config: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := writeConfig(tmp, defs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp event config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename event config into place: %w", err)
	}
	return nil
}

func writeConfig(w io.Writer, defs []*EventDef) error {
	bw := bufio.NewWriter(w)
	for _, def := range defs {
		fmt.Fprintf(bw, "%s %s\n", def.Name, shellescape.Quote(def.CommandString))
		p := def.Params
		if p != nil {
			if p.UIDOrName != "" {
				fmt.Fprintf(bw, "  user    %s\n", p.UIDOrName)
			}
			if p.GIDOrName != "" {
				fmt.Fprintf(bw, "  group   %s\n", p.GIDOrName)
			}
			if len(p.SuppGIDs) > 0 {
				fmt.Fprintf(bw, "  groups  %s\n", strings.Join(p.SuppGIDs, " "))
			}
			if p.SecurityLabel != "" {
				fmt.Fprintf(bw, "  seclabel %s\n", p.SecurityLabel)
			}
			if p.CapabilityMask != 0 {
				fmt.Fprintf(bw, "  capability %s\n", capability.FormatMask(p.CapabilityMask))
			}
			for _, rl := range p.RLimits {
				fmt.Fprintf(bw, "  rlimits %s %d %d\n", rl.Resource, rl.Hard, rl.Soft)
			}
			for _, t := range p.Triggers {
				if t.Kind == wire.TriggerBoot {
					fmt.Fprintln(bw, "  trigger boot")
				} else {
					fmt.Fprintf(bw, "  trigger property:%s=%s\n", t.PropertyKey, t.PropertyValue)
				}
			}
		}
		fmt.Fprintln(bw)
	}
	return bw.Flush()
}

func parseConfig(r io.Reader) ([]*EventDef, error) {
	sc := bufio.NewScanner(r)
	var defs []*EventDef
	var cur *EventDef
	lineNo := 0

	flush := func() {
		if cur != nil {
			defs = append(defs, cur)
			cur = nil
		}
	}

	for sc.Scan() {
		lineNo++
		raw := sc.Text()
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			continue
		}
		indented := raw != trimmed

		if !indented {
			flush()
			name, cmd, ok := strings.Cut(trimmed, " ")
			if !ok {
				return nil, fmt.Errorf("event config line %d: expected %q, got %q", lineNo, "name command_string", trimmed)
			}
			cur = &EventDef{Name: name, CommandString: unquoteShell(cmd), Params: &wire.Params{Version: wire.ParamsVersion}}
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("event config line %d: attribute %q outside any event block", lineNo, trimmed)
		}
		if err := applyAttribute(cur, trimmed); err != nil {
			return nil, fmt.Errorf("event config line %d: %w", lineNo, err)
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event config: %w", err)
	}
	// def.triggers (the live evaluators) is left unset here: building a
	// boot trigger needs the daemon-lifetime bootFired registry that only
	// the Executor owns (SPEC_FULL.md A4), so Executor.New does this pass
	// itself once loadConfig returns, before any def is armed.
	return defs, nil
}

func applyAttribute(def *EventDef, line string) error {
	key, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	p := def.Params

	switch key {
	case "user":
		p.UIDOrName = rest
	case "group":
		p.GIDOrName = rest
	case "groups":
		p.SuppGIDs = strings.Fields(rest)
	case "seclabel":
		p.SecurityLabel = rest
	case "capability":
		mask, err := capability.ParseMask(strings.Fields(rest))
		if err != nil {
			return err
		}
		p.CapabilityMask = mask
	case "rlimits":
		fields := strings.Fields(rest)
		if len(fields) != 3 {
			return fmt.Errorf("rlimits needs 3 fields, got %d", len(fields))
		}
		hard, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("rlimits hard limit: %w", err)
		}
		soft, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			return fmt.Errorf("rlimits soft limit: %w", err)
		}
		p.RLimits = append(p.RLimits, wire.RLimit{Resource: fields[0], Hard: hard, Soft: soft})
	case "trigger":
		t, err := parseTriggerSpec(rest)
		if err != nil {
			return err
		}
		p.Triggers = append(p.Triggers, t)
	default:
		return fmt.Errorf("unknown attribute %q", key)
	}
	return nil
}

// unquoteShell inverts shellescape.Quote's single-quoted encoding
// ('it'"'"'s' -> it's). Anything that was never quoted (no special
// characters) passes through unchanged, matching shellescape's own
// decision to leave "plain" strings unquoted.
func unquoteShell(s string) string {
	if !strings.HasPrefix(s, "'") {
		return s
	}
	var b strings.Builder
	i := 1
	for i < len(s) {
		switch {
		case s[i] == '\'' && i+1 >= len(s):
			i++
		case s[i] == '\'' && strings.HasPrefix(s[i+1:], `"'"'`):
			b.WriteByte('\'')
			i += 5
		case s[i] == '\'':
			i++
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}

func parseTriggerSpec(s string) (wire.Trigger, error) {
	if s == "boot" {
		return wire.Trigger{Kind: wire.TriggerBoot}, nil
	}
	key, val, ok := strings.Cut(strings.TrimPrefix(s, "property:"), "=")
	if !ok || key == "" || val == "" {
		return wire.Trigger{}, fmt.Errorf("malformed trigger %q, want %q or %q", s, "boot", "property:KEY=VALUE")
	}
	return wire.Trigger{Kind: wire.TriggerProperty, PropertyKey: key, PropertyValue: val}, nil
}
