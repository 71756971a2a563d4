// vhd-index builds, updates and inspects the sector index for a VHD
// differencing chain (spec §6 "CLI surface of the builder tool").
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/asig/vhdindex/internal/builder"
	"github.com/asig/vhdindex/internal/indexstore"
	"github.com/asig/vhdindex/internal/vherrors"
)

const version = "v0.1"

type options struct {
	Index     string `short:"i" long:"index" description:"Index file (.index); .files and .bat are derived from it" required:"true"`
	Vhd       string `short:"v" long:"vhd" description:"Differencing VHD whose chain to build or inspect"`
	Summarize bool   `short:"s" long:"summarize" description:"Summarize an existing index instead of building one"`
	Block     int    `short:"b" long:"block" description:"With -s -v, dump the entry table for this virtual block" default:"-1"`
	LogLevel  string `long:"log-level" description:"trace, debug, info, warn, error" default:"info"`
}

func initLogging(levelName string) {
	level, err := zerolog.ParseLevel(strings.ToLower(levelName))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.
		New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02T15:04:05.000Z07:00"}).
		With().Timestamp().Caller().
		Logger()
}

func derivedPaths(indexPath string) builder.Paths {
	dir := filepath.Dir(indexPath)
	base := strings.TrimSuffix(filepath.Base(indexPath), filepath.Ext(indexPath))
	return builder.Paths{
		IndexPath: indexPath,
		FilesPath: filepath.Join(dir, base+".files"),
	}
}

func batPathFor(vhdPath string) string {
	return strings.TrimSuffix(vhdPath, filepath.Ext(vhdPath)) + ".bat"
}

func runBuild(opts options) error {
	if opts.Vhd == "" {
		return fmt.Errorf("-v is required to build or update an index: %w", vherrors.InvalidArgument)
	}
	paths := derivedPaths(opts.Index)
	paths.BatPath = batPathFor(opts.Vhd)

	if _, err := os.Stat(paths.BatPath); err == nil {
		log.Info().Str("bat", paths.BatPath).Msg("refreshing existing index")
		return builder.UpdateBAT(paths, opts.Vhd)
	}
	log.Info().Str("index", opts.Index).Str("vhd", opts.Vhd).Msg("building new index")
	return builder.Build(paths, opts.Vhd)
}

func runSummarize(opts options) error {
	paths := derivedPaths(opts.Index)

	ft, err := indexstore.OpenFileTable(paths.FilesPath)
	if err != nil {
		return fmt.Errorf("open file table %s: %w", paths.FilesPath, err)
	}
	defer ft.Close()

	entries, err := ft.All()
	if err != nil {
		return err
	}
	fmt.Printf("file table: %s\n", paths.FilesPath)
	for _, e := range entries {
		fmt.Printf("  %3d  %s  uuid=%s  mtime=%d\n", e.FileID, e.Path, e.VhdUUID, e.VhdTimestamp)
	}

	if opts.Vhd == "" {
		return nil
	}

	batPath := batPathFor(opts.Vhd)
	bat, err := indexstore.LoadBAT(batPath)
	if err != nil {
		return fmt.Errorf("open bat %s: %w", batPath, err)
	}
	defer bat.Close()

	b, err := bat.Entries()
	if err != nil {
		return err
	}
	occupied := 0
	for _, sector := range b {
		if sector != 0 {
			occupied++
		}
	}
	fmt.Printf("bat: %s\n", batPath)
	fmt.Printf("  vhd_blocks=%d  vhd_block_size=%s  occupied=%d/%d\n",
		bat.VhdBlocks, humanize.Bytes(uint64(bat.VhdBlockSize)), occupied, len(b))

	if opts.Block < 0 {
		return nil
	}
	if opts.Block >= len(b) {
		return fmt.Errorf("block %d out of range [0,%d): %w", opts.Block, len(b), vherrors.InvalidArgument)
	}

	store, err := indexstore.Open(paths.IndexPath)
	if err != nil {
		return fmt.Errorf("open index %s: %w", paths.IndexPath, err)
	}
	defer store.Close()

	sector := b[opts.Block]
	if sector == 0 {
		fmt.Printf("block %d: unallocated in every ancestor (forwards upstream)\n", opts.Block)
		return nil
	}
	block, err := store.ReadBlock(sector)
	if err != nil {
		return err
	}
	fmt.Printf("block %d (sector %d, %s):\n", opts.Block, sector, humanize.Bytes(uint64(indexstore.BlockByteSize(store.SectorsPerBlock()))))
	for i, e := range block {
		if e.IsUnindexed() {
			fmt.Printf("  [%4d] unindexed\n", i)
			continue
		}
		fmt.Printf("  [%4d] file_id=%d offset=%d\n", i, e.FileID, e.Offset)
	}
	return nil
}

func exitCode(err error) int {
	switch {
	case vherrors.Is(err, vherrors.InvalidArgument, vherrors.ChecksumMismatch):
		return 1
	case vherrors.Is(err, vherrors.NoSuchEntity):
		return 2
	case vherrors.Is(err, vherrors.BusyExhaustion):
		return 3
	case vherrors.Is(err, vherrors.IoError, vherrors.ShortIo):
		return 4
	case vherrors.Is(err, vherrors.UuidOrTimestampMismatch):
		return 5
	case vherrors.Is(err, vherrors.PermissionDenied):
		return 6
	default:
		return 1
	}
}

func main() {
	fmt.Printf("vhd-index %s\n", version)

	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Usage = "-i <index> -v <vhd>  (build/update)\n  " +
		"vhd-index -s -i <index> [-v <vhd> [-b <block>]]  (summarize)"

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}

	initLogging(opts.LogLevel)

	var err error
	if opts.Summarize {
		err = runSummarize(opts)
	} else {
		err = runBuild(opts)
	}

	if err != nil {
		log.Error().Err(err).Msg("vhd-index failed")
		os.Exit(-exitCode(err))
	}
}
