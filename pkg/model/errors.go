package model

import "errors"

var (
	// ErrNotFound is returned when a root, path or backup id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when a file or directory cannot be read.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("timed out")

	// ErrNotRegularFile is returned when a file operation targets a directory,
	// symlink or device.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrFileTooLarge is returned when a file exceeds the configured hashing limit.
	ErrFileTooLarge = errors.New("file too large")
)
