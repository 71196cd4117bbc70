package resource

import "golang.org/x/sys/unix"

// CheckDiskSpace reports whether the filesystem holding path has at least
// minFreeBytes available. Pure read, no state mutated; used as a
// precondition gate before scheduling new uploads.
func CheckDiskSpace(path string, minFreeBytes int64) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, err
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	return free >= minFreeBytes, nil
}
