// Package capability maps Linux CAP_* names to their numeric bit position
// and back, for the event config file's textual capability attribute lines.
package capability

import (
	"fmt"
	"sort"
	"strings"
)

// names lists every capability bit execd knows how to parse and apply.
// Values match linux/capability.h (CAP_CHOWN = 0 through CAP_CHECKPOINT_RESTORE = 40).
var names = map[string]uint64{
	"CAP_CHOWN":              0,
	"CAP_DAC_OVERRIDE":       1,
	"CAP_DAC_READ_SEARCH":    2,
	"CAP_FOWNER":             3,
	"CAP_FSETID":             4,
	"CAP_KILL":               5,
	"CAP_SETGID":             6,
	"CAP_SETUID":             7,
	"CAP_SETPCAP":            8,
	"CAP_LINUX_IMMUTABLE":    9,
	"CAP_NET_BIND_SERVICE":   10,
	"CAP_NET_BROADCAST":      11,
	"CAP_NET_ADMIN":          12,
	"CAP_NET_RAW":            13,
	"CAP_IPC_LOCK":           14,
	"CAP_IPC_OWNER":          15,
	"CAP_SYS_MODULE":         16,
	"CAP_SYS_RAWIO":          17,
	"CAP_SYS_CHROOT":         18,
	"CAP_SYS_PTRACE":         19,
	"CAP_SYS_PACCT":          20,
	"CAP_SYS_ADMIN":          21,
	"CAP_SYS_BOOT":           22,
	"CAP_SYS_NICE":           23,
	"CAP_SYS_RESOURCE":       24,
	"CAP_SYS_TIME":           25,
	"CAP_SYS_TTY_CONFIG":     26,
	"CAP_MKNOD":              27,
	"CAP_LEASE":              28,
	"CAP_AUDIT_WRITE":        29,
	"CAP_AUDIT_CONTROL":      30,
	"CAP_SETFCAP":            31,
	"CAP_MAC_OVERRIDE":       32,
	"CAP_MAC_ADMIN":          33,
	"CAP_SYSLOG":             34,
	"CAP_WAKE_ALARM":         35,
	"CAP_BLOCK_SUSPEND":      36,
	"CAP_AUDIT_READ":         37,
	"CAP_PERFMON":            38,
	"CAP_BPF":                39,
	"CAP_CHECKPOINT_RESTORE": 40,
}

var bits = func() map[uint64]string {
	m := make(map[uint64]string, len(names))
	for n, b := range names {
		m[b] = n
	}
	return m
}()

// ParseMask converts a list of CAP_NAME tokens into a bitmask, one bit per
// capability named. Unknown names are reported individually.
func ParseMask(tokens []string) (uint64, error) {
	var mask uint64
	for _, t := range tokens {
		bit, ok := names[t]
		if !ok {
			return 0, fmt.Errorf("unknown capability %q", t)
		}
		mask |= 1 << bit
	}
	return mask, nil
}

// FormatMask renders mask back into its CAP_NAME tokens, sorted by bit
// position for deterministic config-file output.
func FormatMask(mask uint64) string {
	var names []string
	var bitsSet []uint64
	for b := range bits {
		if mask&(1<<b) != 0 {
			bitsSet = append(bitsSet, b)
		}
	}
	sort.Slice(bitsSet, func(i, j int) bool { return bitsSet[i] < bitsSet[j] })
	for _, b := range bitsSet {
		names = append(names, bits[b])
	}
	return strings.Join(names, " ")
}
