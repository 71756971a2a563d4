// vhdindex-mount FUSE-mounts the indexed, read-only view of a VHD
// differencing chain as a single file, driving internal/blockdriver
// synchronously. It is a debug/demo front-end external to the core
// (SPEC_FULL.md §11), descended from the teacher's odit.go +
// internal/fuse in layout and logging style.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	fuse "bazil.org/fuse"
	fuse_fs "bazil.org/fuse/fs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asig/vhdindex/internal/blockdriver"
	"github.com/asig/vhdindex/internal/fuseview"
	"github.com/asig/vhdindex/internal/indexstore"
)

const (
	version         = "v0.1"
	requestPoolSize = blockdriver.CacheSize + 32
)

var (
	flagBat        = flag.String("bat", "", "Path to the chain's .bat file")
	flagMountpoint = flag.String("mountpoint", "", "Directory to mount the indexed view at")
	flagLogLevel   = newLogLevelFlag(zerolog.InfoLevel, "log-level", "Log level (trace, debug, info, warn, error, fatal, panic)")
)

// logLevelFlag implements flag.Value for zerolog.Level, copied from
// the teacher's odit.go.
type logLevelFlag struct {
	level zerolog.Level
}

func newLogLevelFlag(value zerolog.Level, name string, usage string) *logLevelFlag {
	p := &logLevelFlag{level: value}
	flag.Var(p, name, usage)
	return p
}

func (f *logLevelFlag) String() string { return f.level.String() }

func (f *logLevelFlag) Set(value string) error {
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return err
	}
	f.level = level
	return nil
}

func (f *logLevelFlag) Get() zerolog.Level { return f.level }

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s -bat <chain.bat> -mountpoint <dir>\n", os.Args[0])
	flag.PrintDefaults()
}

func initLogging(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = zerolog.
		New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}).
		With().Timestamp().Caller().
		Logger()
}

// zeroUpstream serves every forwarded read with zero bytes: an
// unallocated VHD block reads as zero with no backing ancestor (spec
// §3 "BAT entry 0 means no stored index block"). There is no real
// tapdisk runtime beneath this debug mount to forward to.
type zeroUpstream struct{}

func (zeroUpstream) ForwardRead(buf []byte, sec uint64, secs uint32, cb func(n int, err error)) {
	for i := range buf {
		buf[i] = 0
	}
	cb(len(buf), nil)
}

func main() {
	fmt.Printf("vhdindex-mount %s\n", version)

	flag.Usage = usage
	flag.Parse()
	initLogging(flagLogLevel.Get())

	if *flagBat == "" || *flagMountpoint == "" {
		usage()
		os.Exit(1)
	}

	if err := run(*flagBat, *flagMountpoint); err != nil {
		log.Error().Err(err).Msg("vhdindex-mount failed")
		os.Exit(1)
	}
}

func run(batPath, mountpoint string) error {
	bat, err := indexstore.LoadBAT(batPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", batPath, err)
	}
	defer bat.Close()

	batEntries, err := bat.Entries()
	if err != nil {
		return err
	}

	store, err := indexstore.Open(bat.IndexPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", bat.IndexPath, err)
	}
	defer store.Close()

	ft, err := indexstore.OpenFileTable(bat.FileTablePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", bat.FileTablePath, err)
	}
	defer ft.Close()

	entries, err := ft.Load()
	if err != nil {
		return fmt.Errorf("validate file table: %w", err)
	}
	paths := make(map[uint32]string, len(entries))
	for _, e := range entries {
		paths[e.FileID] = e.Path
	}

	driver, err := blockdriver.New(blockdriver.Config{
		Store:           store,
		BAT:             batEntries,
		SectorsPerBlock: store.SectorsPerBlock(),
		VhdBlocks:       uint32(bat.VhdBlocks),
		Opener:          blockdriver.NewFileTableOpener(paths),
		Upstream:        zeroUpstream{},
		IO:              blockdriver.SyncIO{},
		RequestPoolSize: requestPoolSize,
	})
	if err != nil {
		return fmt.Errorf("construct driver: %w", err)
	}
	defer func() {
		if err := driver.Close(); err != nil {
			log.Error().Err(err).Msg("close driver")
		}
	}()

	sizeBytes := bat.VhdBlocks * uint64(bat.VhdBlockSize)
	name := filepath.Base(bat.VhdPath)
	log.Info().Str("name", name).Uint64("size", sizeBytes).Str("mountpoint", mountpoint).Msg("mounting")

	c, err := fuse.Mount(mountpoint,
		fuse.FSName("vhdindex"),
		fuse.Subtype("vhdindexfs"),
		fuse.ReadOnly(),
	)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountpoint, err)
	}
	defer c.Close()

	fsImpl := fuseview.NewFS(name, sizeBytes, driver)
	if err := fuse_fs.Serve(c, fsImpl); err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	<-c.Ready
	if err := c.MountError; err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	return nil
}
