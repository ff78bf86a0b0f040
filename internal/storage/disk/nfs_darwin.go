//go:build darwin

package disk

import (
	"strings"

	"golang.org/x/sys/unix"
)

func isNFS(root string) bool {
	var st unix.Statfs_t
	if err := unix.Statfs(root, &st); err != nil {
		return false
	}
	name := unix.ByteSliceToString(st.Fstypename[:])
	return strings.HasPrefix(strings.ToLower(name), "nfs")
}
