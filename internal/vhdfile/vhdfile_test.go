package vhdfile

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/asig/vhdindex/internal/wire"
)

// buildFooterBytes returns a valid, checksummed 512-byte footer.
func buildFooterBytes(diskType uint32, currentSize uint64, creatorApp string, creatorVersion uint32) []byte {
	b := make([]byte, footerSize)
	copy(b[0:8], cookieConectix)
	wire.PutUint32(b, 8, 2)          // Features
	wire.PutUint32(b, 12, 0x00010000) // FileFormatVersion
	wire.PutUint64(b, 16, footerSize) // DataOffset: header follows the leading footer copy
	wire.PutUint32(b, 24, 0)         // TimeStamp
	copy(b[28:32], creatorApp)
	wire.PutUint32(b, 32, creatorVersion)
	wire.PutUint32(b, 36, 0) // CreatorHostOS
	wire.PutUint64(b, 40, currentSize)
	wire.PutUint64(b, 48, currentSize)
	wire.PutUint32(b, 56, 0)        // DiskGeometry
	wire.PutUint32(b, 60, diskType) // DiskType
	wire.PutUint32(b, 64, 0)        // Checksum placeholder
	sum := footerChecksum(b)
	wire.PutUint32(b, 64, sum)
	return b
}

func buildHeaderBytes(tableOffset uint64, blockSize uint32) []byte {
	return buildHeaderBytesWithParent(tableOffset, blockSize, uuid.UUID{}, 0)
}

// buildHeaderBytesWithParent builds a dynamic-disk header with the
// real on-disk field offsets: Checksum at 36, ParentUniqueID at 40,
// ParentTimeStamp at 56 (spec §6, cross-checked against libvhd).
func buildHeaderBytesWithParent(tableOffset uint64, blockSize uint32, parentUUID uuid.UUID, parentTimestamp uint32) []byte {
	b := make([]byte, headerSize)
	copy(b[0:8], cookieCxsparse)
	wire.PutUint64(b, 8, 0xFFFFFFFFFFFFFFFF) // DataOffset
	wire.PutUint64(b, 16, tableOffset)
	wire.PutUint32(b, 24, 0x00010000) // HeaderVersion
	wire.PutUint32(b, 28, 1024)       // MaxTableEntries
	wire.PutUint32(b, 32, blockSize)
	copy(b[40:56], parentUUID[:])
	wire.PutUint32(b, 56, parentTimestamp)
	sum := headerChecksum(b)
	wire.PutUint32(b, 36, sum)
	return b
}

func writeVHD(t *testing.T, path string, diskType uint32, currentSize uint64, blockSize uint32, batEntries []uint32) {
	t.Helper()
	tableOffset := uint64(footerSize + headerSize)
	header := buildHeaderBytes(tableOffset, blockSize)
	footer := buildFooterBytes(diskType, currentSize, "tst", 0x00010000)

	content := append([]byte{}, footer...)
	content = append(content, header...)
	batBytes := make([]byte, len(batEntries)*4)
	for i, e := range batEntries {
		wire.PutUint32(batBytes, i*4, e)
	}
	content = append(content, batBytes...)
	// pad up to a round sector boundary, then append footer again
	for len(content)%wire.SectorSize != 0 {
		content = append(content, 0)
	}
	content = append(content, footer...)

	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("write test vhd: %v", err)
	}
}

func TestOpenDynamicDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	blockSize := uint32(2 * 1024 * 1024)
	writeVHD(t, path, DiskTypeDynamic, uint64(blockSize)*4, blockSize, []uint32{BatUnused, 100, BatUnused, BatUnused})

	v, err := Open(path, OpenFlags{Cached: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	if v.IsDifferencing() {
		t.Errorf("expected a non-differencing disk")
	}
	if got, want := v.BlockCount(), uint32(4); got != want {
		t.Errorf("BlockCount = %d, want %d", got, want)
	}
	if got, want := v.SectorsPerBlock(), blockSize/512; got != want {
		t.Errorf("SectorsPerBlock = %d, want %d", got, want)
	}

	bat, err := v.ReadBAT()
	if err != nil {
		t.Fatalf("ReadBAT: %v", err)
	}
	if len(bat) != 4 || bat[1] != 100 {
		t.Errorf("ReadBAT = %v, want [_,100,_,_]", bat)
	}
	if bat[0] != BatUnused {
		t.Errorf("bat[0] = %d, want BatUnused", bat[0])
	}
}

func TestHeaderParentFieldsAtRealOffsets(t *testing.T) {
	wantUUID := uuid.New()
	raw := buildHeaderBytesWithParent(uint64(footerSize+headerSize), 2*1024*1024, wantUUID, 12345)

	h, err := parseHeader(raw, false)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if h.ParentUniqueId != wantUUID {
		t.Errorf("ParentUniqueId = %s, want %s", h.ParentUniqueId, wantUUID)
	}
	if h.ParentTimeStamp != 12345 {
		t.Errorf("ParentTimeStamp = %d, want 12345", h.ParentTimeStamp)
	}
}

func TestFooterChecksumRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.vhd")
	blockSize := uint32(2 * 1024 * 1024)
	writeVHD(t, path, DiskTypeDynamic, uint64(blockSize), blockSize, []uint32{BatUnused})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt a non-cookie byte (OriginalSize) in both footer copies
	// without fixing the checksum, so no valid copy remains to fall
	// back on.
	raw[40] ^= 0xFF
	raw[len(raw)-footerSize+40] ^= 0xFF
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Open(path, OpenFlags{Cached: true}); err == nil {
		t.Errorf("Open should fail on a corrupted, unrecomputed footer")
	}
}

func TestBitmapOrderSwitchesOnLegacyCreator(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.vhd")
	blockSize := uint32(2 * 1024 * 1024)
	writeVHD(t, path, DiskTypeDynamic, uint64(blockSize), blockSize, []uint32{BatUnused})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	// Rewrite the trailing footer as creator "tap"/0x00000001 with a
	// fresh checksum, to exercise the legacy bitmap order.
	footer := buildFooterBytes(DiskTypeDynamic, uint64(blockSize), "tap", 0x00000001)
	copy(raw[len(raw)-footerSize:], footer)
	copy(raw[0:footerSize], footer)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	v, err := Open(path, OpenFlags{Cached: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	bitmap := make([]byte, int(v.BitmapSectors())*wire.SectorSize)
	v.BitmapSet(bitmap, 33)
	if !v.BitmapTest(bitmap, 33) {
		t.Errorf("legacy BitmapTest should see bit just set")
	}
	// Legacy order packs bit 33 into word 1, bit 1 (byte 4, mask 0x02 on
	// a little-endian host); the spec-compliant order also uses byte 4
	// (mask 0x40), so this test only asserts internal consistency via
	// clear.
	v.BitmapClear(bitmap, 33)
	if v.BitmapTest(bitmap, 33) {
		t.Errorf("BitmapClear should clear the bit set by BitmapSet")
	}
}

func TestBitmapLegacyOrderIsHostNative(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.vhd")
	blockSize := uint32(2 * 1024 * 1024)
	writeVHD(t, path, DiskTypeDynamic, uint64(blockSize), blockSize, []uint32{BatUnused})

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	footer := buildFooterBytes(DiskTypeDynamic, uint64(blockSize), "tap", 0x00000001)
	copy(raw[len(raw)-footerSize:], footer)
	copy(raw[0:footerSize], footer)
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	v, err := Open(path, OpenFlags{Cached: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	bitmap := make([]byte, int(v.BitmapSectors())*wire.SectorSize)
	v.BitmapSet(bitmap, 33) // word 1, bit 1 of ((u32*)map)[i>>5]
	if binary.NativeEndian.Uint32(bitmap[4:8])&(1<<1) == 0 {
		t.Errorf("BitmapSet(33) should set bit 1 of word 1 read with host-native byte order")
	}
}

func TestBitmapSpecOrderByteIndexed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "modern.vhd")
	blockSize := uint32(2 * 1024 * 1024)
	writeVHD(t, path, DiskTypeDynamic, uint64(blockSize), blockSize, []uint32{BatUnused})

	v, err := Open(path, OpenFlags{Cached: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer v.Close()

	bitmap := make([]byte, int(v.BitmapSectors())*wire.SectorSize)
	v.BitmapSet(bitmap, 0)
	if bitmap[0]&0x80 == 0 {
		t.Errorf("bit 0 should set the MSB of byte 0 under the spec-compliant order")
	}
	if !v.BitmapTest(bitmap, 0) {
		t.Errorf("BitmapTest should see bit 0 just set")
	}
}

func TestUTF16RoundTrip(t *testing.T) {
	for _, be := range []bool{true, false} {
		raw := make([]byte, 64)
		copy(raw, encodeUTF16("child.vhd", be))
		got := decodeUTF16(raw, be)
		if got != "child.vhd" {
			t.Errorf("decodeUTF16(be=%v) = %q, want %q", be, got, "child.vhd")
		}
	}
}

func TestNormalizeParentPath(t *testing.T) {
	cases := []struct {
		raw, childDir, want string
	}{
		{`C:\images\parent.vhd`, "/work/vhds", "/images/parent.vhd"},
		{`parent.vhd`, "/work/vhds", "/work/vhds/parent.vhd"},
		{`./sub/parent.vhd`, "/work/vhds", "/work/vhds/sub/parent.vhd"},
	}
	for _, c := range cases {
		if got := normalizeParentPath(c.raw, c.childDir); got != c.want {
			t.Errorf("normalizeParentPath(%q, %q) = %q, want %q", c.raw, c.childDir, got, c.want)
		}
	}
}
