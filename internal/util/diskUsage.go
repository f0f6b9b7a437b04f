// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package util

import (
	"os"
	"syscall"

	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// DiskUsage sums the sizes of a directory's entries, in megabytes. The
// outbox budget check uses this as its cheap preflight before deciding
// whether a per-file cleanup scan is worth doing.
func DiskUsage(dirpath string) float64 {
	var size int64

	dir, err := os.Open(dirpath)
	if err != nil {
		log.Errorf("DiskUsage() error: %v", err)
		return 0
	}
	defer dir.Close()

	files, err := dir.Readdir(-1)
	if err != nil {
		log.Errorf("DiskUsage() error: %v", err)
		return 0
	}

	for _, file := range files {
		size += file.Size()
	}

	return float64(size) * 1e-6
}

// FreeSpaceMB returns the free space on the filesystem containing dirpath,
// in megabytes. Returns 0 (treated as "no room") if the path can't be
// statted, so a budget check fails closed rather than silently skipping.
func FreeSpaceMB(dirpath string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(dirpath, &stat); err != nil {
		log.Errorf("FreeSpaceMB() error: %v", err)
		return 0
	}
	return float64(stat.Bavail) * float64(stat.Bsize) * 1e-6
}
