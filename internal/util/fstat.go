// Copyright (C) 2023 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package util

import (
	"errors"
	"os"

	"github.com/cc-edge/modbus-gateway/pkg/log"
)

// CheckFileExists reports whether a configuration or data file is present,
// used to decide between "load it" and "run without it" at startup.
func CheckFileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !errors.Is(err, os.ErrNotExist)
}

// GetFilesize returns a file's size in bytes, 0 if it can't be statted.
// The snapshot store reports its sqlite file size through this.
func GetFilesize(filePath string) int64 {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		log.Errorf("Error on Stat %s: %v", filePath, err)
		return 0
	}
	return fileInfo.Size()
}

// GetFilecount returns the number of entries in a directory, 0 on error.
// The metrics sampler uses this to gauge the outbox backlog.
func GetFilecount(path string) int {
	files, err := os.ReadDir(path)
	if err != nil {
		log.Errorf("Error on ReadDir %s: %v", path, err)
		return 0
	}

	return len(files)
}
