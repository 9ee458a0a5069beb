//go:build windows

package archive

import "golang.org/x/sys/windows"

func freeSpace(dir string) (uint64, error) {
	var avail, total, free uint64
	path, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, err
	}
	if err := windows.GetDiskFreeSpaceEx(path, &avail, &total, &free); err != nil {
		return 0, err
	}
	return avail, nil
}
