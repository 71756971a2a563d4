package vhdfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/asig/vhdindex/internal/wire"
)

// decodeUTF16 decodes a NUL-terminated (or fully-packed) UTF-16 byte
// string to ASCII-ish Go text, honoring byte order.
func decodeUTF16(raw []byte, bigEndian bool) string {
	n := len(raw) / 2
	units := make([]uint16, 0, n)
	for i := 0; i < n; i++ {
		var u uint16
		if bigEndian {
			u = wire.Uint16(raw, i*2)
		} else {
			u = uint16(raw[i*2]) | uint16(raw[i*2+1])<<8
		}
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// encodeUTF16 is the symmetric encoder used by tests and by builders
// that need to round-trip a parent-locator name.
func encodeUTF16(s string, bigEndian bool) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		if bigEndian {
			wire.PutUint16(out, i*2, u)
		} else {
			out[i*2] = byte(u)
			out[i*2+1] = byte(u >> 8)
		}
	}
	return out
}

// normalizeParentPath converts a decoded Windows-style parent path to a
// host path resolved relative to childDir: backslashes become forward
// slashes, an optional "C:" drive prefix is stripped, and the result is
// joined with childDir if it isn't already absolute.
func normalizeParentPath(raw string, childDir string) string {
	p := strings.ReplaceAll(raw, `\`, `/`)
	if len(p) >= 2 && p[1] == ':' {
		p = p[2:]
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(childDir, p)
	}
	return filepath.Clean(p)
}

// ParentLocatorGet resolves the child VHD's parent path by trying each
// recognized parent-locator platform code in turn (MACX, W2KU, W2RU),
// decoding the stored UTF-16 name and returning the first candidate
// that exists on disk.
func (v *VHD) ParentLocatorGet() (string, error) {
	legacy := isLegacyTapName(v.footer)
	childDir := filepath.Dir(v.path)

	for _, code := range []string{platformMACX, platformW2KU, platformW2RU} {
		for _, loc := range v.header.ParentLocators {
			if strings.TrimRight(loc.PlatformCode, "\x00") != code {
				continue
			}
			if loc.PlatformDataLength == 0 {
				continue
			}
			raw := make([]byte, loc.PlatformDataLength)
			if _, err := v.f.ReadAt(raw, int64(loc.PlatformDataOffset)); err != nil {
				continue
			}
			name := decodeUTF16(raw, legacy)
			if name == "" {
				continue
			}
			candidate := normalizeParentPath(name, childDir)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("vhdfile: no readable parent locator found for %s", v.path)
}

// isLegacyTapName reports whether name fields should be decoded as
// big-endian UTF-16, per spec §4.B: creator "tap" at version 0.1.
func isLegacyTapName(f Footer) bool {
	return f.CreatorApplication == "tap" && f.CreatorVersion == 0x00000001
}

// isLegacyBitmapOrder reports whether the allocation bitmap for f uses
// the legacy 32-bit-word bit order rather than the spec-compliant
// byte-indexed order (spec §4.B, §8 scenario 5).
func isLegacyBitmapOrder(f Footer) bool {
	return f.CreatorApplication == "tap" && f.CreatorVersion == 0x00000001
}
