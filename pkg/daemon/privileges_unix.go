//go:build unix

package daemon

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// dropPrivileges switches group first (while still privileged), then user.
// A negative id leaves that identity unchanged.
func dropPrivileges(uid, gid int) error {
	if gid >= 0 {
		if err := unix.Setgroups([]int{gid}); err != nil {
			return fmt.Errorf("failed to set supplementary groups to %d: %w", gid, err)
		}
		if err := unix.Setgid(gid); err != nil {
			return fmt.Errorf("failed to setgid %d: %w", gid, err)
		}
	}
	if uid >= 0 {
		if err := unix.Setuid(uid); err != nil {
			return fmt.Errorf("failed to setuid %d: %w", uid, err)
		}
	}
	return nil
}
