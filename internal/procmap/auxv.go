package procmap

import (
	"encoding/binary"
	"fmt"
	"os"
)

// atEntry is AT_ENTRY from linux/auxvec.h: the tracee's ELF entry point,
// valid before any PIE/ASLR relocation for absolute-addressing purposes
// since ASLR is disabled for every traced child.
const atEntry = 9

// EntryPoint reads pid's auxiliary vector and returns AT_ENTRY, the address
// of the tracee's entry point. The event loop installs its one-shot entry
// breakpoint here.
func EntryPoint(pid int) (uint64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/auxv", pid))
	if err != nil {
		return 0, fmt.Errorf("procmap: read auxv for pid %d: %w", pid, err)
	}
	if len(data)%16 != 0 {
		return 0, fmt.Errorf("procmap: auxv for pid %d has unexpected length %d", pid, len(data))
	}
	for i := 0; i+16 <= len(data); i += 16 {
		typ := binary.NativeEndian.Uint64(data[i : i+8])
		if typ == 0 {
			break
		}
		if typ == atEntry {
			return binary.NativeEndian.Uint64(data[i+8 : i+16]), nil
		}
	}
	return 0, fmt.Errorf("procmap: AT_ENTRY not found in auxv for pid %d", pid)
}
