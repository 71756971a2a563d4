package vhdfile

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/asig/vhdindex/internal/vherrors"
)

// OpenFlags controls how Open acquires its underlying file descriptor.
type OpenFlags struct {
	// Cached disables O_DIRECT; set for small/metadata-only opens
	// where bypassing the page cache isn't worth the alignment cost.
	Cached bool
}

const (
	footerRetries    = 10
	footerRetryDelay = time.Second
)

// VHD is a read-only handle on one VHD file's footer, header and BAT.
// It never mutates the underlying file (spec §1 Non-goals).
type VHD struct {
	f      *os.File
	path   string
	footer Footer
	header Header
}

// Path returns the filesystem path this handle was opened from.
func (v *VHD) Path() string { return v.path }

// Footer returns the parsed 512-byte footer.
func (v *VHD) Footer() Footer { return v.footer }

// Header returns the parsed 1024-byte dynamic-disk header. Zero value
// for fixed-disk images (DiskType == 2), which Open rejects anyway
// since this package only serves dynamic/differencing chains.
func (v *VHD) Header() Header { return v.header }

// IsDifferencing reports whether this VHD is a differencing disk
// (has a parent).
func (v *VHD) IsDifferencing() bool {
	return v.footer.DiskType == DiskTypeDifferencing
}

// Open opens path, reads and validates its footer (retrying transient
// read failures up to footerRetries times, spaced footerRetryDelay
// apart) and its dynamic-disk header, per spec §4.B.
func Open(path string, flags OpenFlags) (*VHD, error) {
	f, err := openFile(path, flags)
	if err != nil {
		return nil, fmt.Errorf("vhdfile: open %s: %w", path, err)
	}

	footer, err := readFooterWithRetry(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	if footer.DiskType != DiskTypeDynamic && footer.DiskType != DiskTypeDifferencing {
		f.Close()
		return nil, fmt.Errorf("vhdfile: %s: unsupported disk type %d: %w", path, footer.DiskType, vherrors.InvalidArgument)
	}

	hraw := make([]byte, headerSize)
	if _, err := f.ReadAt(hraw, int64(footer.DataOffset)); err != nil {
		f.Close()
		return nil, fmt.Errorf("vhdfile: %s: read header: %w", path, wrapShortIo(err, "header"))
	}
	header, err := parseHeader(hraw, isLegacyTapName(footer))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("vhdfile: %s: %w", path, err)
	}

	return &VHD{f: f, path: path, footer: footer, header: header}, nil
}

// Close releases the underlying file descriptor.
func (v *VHD) Close() error {
	return v.f.Close()
}

// File exposes the raw *os.File (the builder stats it to record the
// image's mtime in the file table).
func (v *VHD) File() *os.File { return v.f }

func openFile(path string, flags OpenFlags) (*os.File, error) {
	if flags.Cached {
		return os.Open(path)
	}
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECT, 0)
	if err != nil {
		// O_DIRECT isn't available on every filesystem (e.g. tmpfs);
		// fall back to a cached open rather than failing outright.
		return os.Open(path)
	}
	return os.NewFile(uintptr(fd), path), nil
}

// readFooterWithRetry implements spec §4.B's footer resolution order:
// primary footer at EOF-512 (or EOF-511 for the "short" variant), then
// the backup footer at offset 0 as a last resort. Only transient
// header-read I/O errors are retried, up to footerRetries times; a
// footer that was read successfully but fails checksum/cookie
// validation is a genuinely bad image and is surfaced immediately
// (spec §4.B scopes the retry to "transient header read errors", not
// corrupt content).
func readFooterWithRetry(f *os.File) (Footer, error) {
	var lastErr error
	for attempt := 0; attempt < footerRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(footerRetryDelay)
		}

		footer, err := tryReadFooter(f)
		if err == nil {
			return footer, nil
		}
		if vherrors.Is(err, vherrors.ChecksumMismatch, vherrors.InvalidArgument) {
			return Footer{}, err
		}
		lastErr = err
	}
	return Footer{}, fmt.Errorf("vhdfile: could not locate a valid footer after %d attempts: %w", footerRetries, lastErr)
}

func tryReadFooter(f *os.File) (Footer, error) {
	info, err := f.Stat()
	if err != nil {
		return Footer{}, err
	}
	size := info.Size()

	if size >= footerSize {
		raw := make([]byte, footerSize)
		if _, err := f.ReadAt(raw, size-footerSize); err == nil {
			if footer, ferr := parseFooter(raw); ferr == nil {
				return footer, nil
			}
		}
	}

	if size >= shortFooterSize {
		raw := make([]byte, shortFooterSize)
		if _, err := f.ReadAt(raw, size-shortFooterSize); err == nil {
			if footer, ferr := parseFooter(raw); ferr == nil {
				return footer, nil
			}
		}
	}

	raw := make([]byte, footerSize)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return Footer{}, err
	}
	return parseFooter(raw)
}

func wrapShortIo(err error, what string) error {
	return fmt.Errorf("%s: %w: %v", what, vherrors.ShortIo, err)
}

// ReadAt reads len(buf) bytes starting at absolute byte offset off in
// the underlying file.
func (v *VHD) ReadAt(buf []byte, off int64) (int, error) {
	return v.f.ReadAt(buf, off)
}
