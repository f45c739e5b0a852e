package spawn

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/execd/execd/internal/wire"
)

// capHeader/capData mirror struct __user_cap_header_struct/__user_cap_data_struct
// from linux/capability.h. version 3 (_LINUX_CAPABILITY_VERSION_3) splits a
// capability set across two 32-bit words, data[0] for bits 0-31 and data[1]
// for bits 32-63.
type capHeader struct {
	version uint32
	pid     int32
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

const linuxCapabilityVersion3 = 0x20080522

// applyCapabilities clears the calling process's permitted/effective
// capability sets and then sets exactly the bits named by mask in both
// (spec.md §4.8 step 2: "clear, then set the permitted+effective bits
// indicated"). Inheritable is left clear; execd's children are not meant
// to hand capabilities further down an exec chain.
func applyCapabilities(mask uint64) error {
	hdr := capHeader{version: linuxCapabilityVersion3, pid: 0}
	var data [2]capData
	data[0].effective = uint32(mask)
	data[0].permitted = uint32(mask)
	data[1].effective = uint32(mask >> 32)
	data[1].permitted = uint32(mask >> 32)

	_, _, errno := unix.Syscall(unix.SYS_CAPSET, uintptr(unsafe.Pointer(&hdr)), uintptr(unsafe.Pointer(&data[0])), 0)
	if errno != 0 {
		return fmt.Errorf("capset: %w", errno)
	}
	return nil
}

// applyRLimits sets each resource limit named in rlimits in order.
func applyRLimits(rlimits []wire.RLimit) error {
	for _, rl := range rlimits {
		res, err := resourceFromName(rl.Resource)
		if err != nil {
			return err
		}
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(res, &lim); err != nil {
			return fmt.Errorf("setrlimit %s: %w", rl.Resource, err)
		}
	}
	return nil
}

// applyIdentity sets the calling process's gid, supplementary groups, and
// uid, strictly in that order — uid must drop last or the subsequent
// Setgroups/Setresgid calls would no longer be permitted.
func applyIdentity(id Identity) error {
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setgroups(id.SuppGIDs); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

// applySecurityLabel sets the exec security context for the next exec in
// this process, mirroring writing a context string to
// /proc/self/attr/exec under SELinux. A no-op when label is empty.
func applySecurityLabel(label string) error {
	if label == "" {
		return nil
	}
	f, err := os.OpenFile("/proc/self/attr/exec", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open /proc/self/attr/exec: %w", err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(label)); err != nil {
		return fmt.Errorf("write security label: %w", err)
	}
	return nil
}

// applyPdeathsig arranges for the kernel to deliver SIGHUP to this process
// when its parent dies, per spec.md §6.
func applyPdeathsig() error {
	return unix.Prctl(unix.PR_SET_PDEATHSIG, uintptr(unix.SIGHUP), 0, 0, 0)
}

// setProcessName sets this process's comm name (as seen in /proc/pid/comm
// and `ps`) to name, truncated to 15 bytes as PR_SET_NAME requires.
func setProcessName(name string) error {
	if len(name) > 15 {
		name = name[:15]
	}
	buf := make([]byte, 16)
	copy(buf, name)
	return unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&buf[0])), 0, 0, 0)
}

// ApplyAll runs every pre-exec step in the order spec.md §4.8 specifies.
// It must be called in the process that is about to exec the target
// command — its effects (dropped capabilities, changed uid/gid) cannot be
// undone.
func ApplyAll(params *wire.Params, id Identity, processName string) error {
	var mask uint64
	var rlimits []wire.RLimit
	var label string
	if params != nil {
		mask = params.CapabilityMask
		rlimits = params.RLimits
		label = params.SecurityLabel
	}

	if err := applyRLimits(rlimits); err != nil {
		return err
	}
	if err := applyCapabilities(mask); err != nil {
		return err
	}
	if err := applyIdentity(id); err != nil {
		return err
	}
	if err := applySecurityLabel(label); err != nil {
		return err
	}
	if err := applyPdeathsig(); err != nil {
		return err
	}
	if err := setProcessName(processName); err != nil {
		return err
	}
	return nil
}
