// Package spawn builds the children execd's normal/service/event executors
// run: a small re-exec of execd itself that applies every pre-exec step
// spec.md §4.8 requires (rlimits, capabilities, identity, security label,
// parent-death signal, process name) before handing control to
// "sh -c command_string" via syscall.Exec. Go's os/exec has no hook to run
// arbitrary code between fork and exec, so execd re-execs its own binary
// with a hidden argument instead — the same technique container runtimes
// use to apply namespace/cgroup setup before the real command starts.
package spawn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/execd/execd/internal/wire"
)

// HelperArg is the argv[1] that tells a re-invocation of the execd binary
// to act as the pre-exec helper instead of running the daemon.
const HelperArg = "__execd_spawn_helper__"

const payloadEnv = "EXECD_SPAWN_PAYLOAD"

// helperPayload is everything the helper process needs, carried across the
// fork boundary via an environment variable rather than a shared Go value.
type helperPayload struct {
	Params        *wire.Params
	Identity      Identity
	ProcessName   string
	CommandString string
}

// New builds an unstarted *exec.Cmd that, once started, applies every
// pre-exec step and then execs "sh -c commandString". Callers set
// Stdout/Stdin/ExtraFiles on the returned Cmd before calling Start, exactly
// as with any other os/exec.Cmd.
func New(params *wire.Params, defaultIdentity Identity, processName, commandString string, log *slog.Logger) (*exec.Cmd, error) {
	id := ResolveIdentity(params, defaultIdentity, log)
	payload := helperPayload{
		Params:        params,
		Identity:      id,
		ProcessName:   processName,
		CommandString: commandString,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("spawn: marshal helper payload: %w", err)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("spawn: resolve own executable: %w", err)
	}

	cmd := exec.Command(self, HelperArg)
	cmd.Env = append(os.Environ(), payloadEnv+"="+base64.StdEncoding.EncodeToString(data))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, nil
}

// RunHelper is the entry point cmd/execd's main invokes when it detects
// os.Args[1] == HelperArg. It never returns on success — it replaces this
// process's image with /bin/sh via syscall.Exec.
func RunHelper() error {
	encoded := os.Getenv(payloadEnv)
	if encoded == "" {
		return fmt.Errorf("spawn: helper invoked without %s", payloadEnv)
	}
	os.Unsetenv(payloadEnv)

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("spawn: decode helper payload: %w", err)
	}
	var payload helperPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("spawn: unmarshal helper payload: %w", err)
	}

	if err := ApplyAll(payload.Params, payload.Identity, payload.ProcessName); err != nil {
		return fmt.Errorf("spawn: pre-exec setup: %w", err)
	}

	argv := []string{"sh", "-c", payload.CommandString}
	return syscall.Exec("/bin/sh", argv, os.Environ())
}
