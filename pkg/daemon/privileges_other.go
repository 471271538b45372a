//go:build !unix

package daemon

import "errors"

// dropPrivileges is not supported off unix.
func dropPrivileges(uid, gid int) error {
	return errors.New("privilege drop is not supported on this platform")
}
