// Package vherrors defines the error-kind taxonomy shared by every
// component of the index (spec §7). Each kind is a sentinel that
// concrete errors wrap with fmt.Errorf("%w: ...", KindX), so callers
// can dispatch with errors.Is without the taxonomy owning the error
// text itself.
package vherrors

import "errors"

var (
	// InvalidArgument covers sectors past end of disk, wrong block
	// size, bad magic cookies, malformed path fields. Never retried.
	InvalidArgument = errors.New("invalid argument")

	// NameTooLong is raised when a path field's declared length is
	// >= the fixed capacity.
	NameTooLong = errors.New("name too long")

	// NoSuchEntity covers a file_id absent from the file table, or a
	// file missing at load time.
	NoSuchEntity = errors.New("no such entity")

	// BusyExhaustion is returned when the request, cache, or fd pool
	// is fully committed; callers should retry later.
	BusyExhaustion = errors.New("busy")

	// IoError covers short reads/writes and other I/O failures.
	IoError = errors.New("i/o error")

	// ShortIo is a specialization of IoError for "fewer bytes than
	// requested" failures, kept distinct so callers can tell the two
	// apart without string matching.
	ShortIo = errors.New("short i/o")

	// ChecksumMismatch is footer or header checksum validation
	// failure after all legacy-compat fallbacks are exhausted; it is
	// treated as InvalidArgument by callers that don't care about the
	// distinction.
	ChecksumMismatch = errors.New("checksum mismatch")

	// UuidOrTimestampMismatch means a file-table entry's stored uuid
	// or mtime no longer matches the referenced file.
	UuidOrTimestampMismatch = errors.New("uuid or timestamp mismatch")

	// PermissionDenied is always returned for writes against the
	// indexed, read-only view.
	PermissionDenied = errors.New("permission denied")
)

// Is reports whether err is, or wraps, any of the given sentinel kinds.
func Is(err error, kinds ...error) bool {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}
