package domain

import "errors"

var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("another backup or restore is in progress")
	ErrNotFound       = errors.New("not found")
	ErrArchiveMissing = errors.New("archive file missing")
	ErrNotRestorable  = errors.New("backup is not restorable")
	ErrCorruptArchive = errors.New("archive is corrupt")
)
