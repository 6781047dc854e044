package archive

import "errors"

var (
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidKey         = errors.New("invalid archive key") // Prevents path traversal
	ErrNotFound           = errors.New("archived event not found")
	ErrBucketNotFound     = errors.New("bucket not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
	ErrOperationTimeout   = errors.New("operation timed out")
	ErrOperationCanceled  = errors.New("operation canceled")
	ErrFailedToLoadConfig = errors.New("failed to load AWS config")
	ErrFailedToWrite      = errors.New("failed to write archived event")
	ErrFailedToRead       = errors.New("failed to read archived event")
)
