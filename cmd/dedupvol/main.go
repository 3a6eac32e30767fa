package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/viant/dedupvol/checkpoint"
	"github.com/viant/dedupvol/volume"
	"gopkg.in/yaml.v3"
)

func main() {
	startGops()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "create":
		createCmd(os.Args[2:])
	case "inspect":
		inspectCmd(os.Args[2:])
	case "check":
		checkCmd(os.Args[2:])
	case "snapshot":
		snapshotCmd(os.Args[2:])
	case "restore":
		restoreCmd(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: dedupvol <command> [options]")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  create    Initialise a new volume directory")
	fmt.Fprintln(os.Stderr, "  inspect   Print the volume structure and unfinished records")
	fmt.Fprintln(os.Stderr, "  check     Load the volume and verify its structure")
	fmt.Fprintln(os.Stderr, "  snapshot  Copy the volume config to a snapshot location")
	fmt.Fprintln(os.Stderr, "  restore   Install the latest (or a given) snapshot as the volume config")
}

func createCmd(args []string) {
	flags := flag.NewFlagSet("create", flag.ExitOnError)
	dir := flags.String("volume", "", "volume directory (required)")
	configPath := flags.String("config", "", "options yaml (optional)")
	blockSizes := flags.String("data-block-sizes", "", "comma-separated data file block sizes, 0 accepts any size")
	flags.Parse(args)

	if err := runCreate(*dir, *configPath, *blockSizes); err != nil {
		log.Fatalf("create: %v", err)
	}
}

func inspectCmd(args []string) {
	flags := flag.NewFlagSet("inspect", flag.ExitOnError)
	dir := flags.String("volume", "", "volume directory (required)")
	format := flags.String("format", "yaml", "output format: yaml|json")
	flags.Parse(args)

	if err := runInspect(os.Stdout, *dir, *format); err != nil {
		log.Fatalf("inspect: %v", err)
	}
}

func checkCmd(args []string) {
	flags := flag.NewFlagSet("check", flag.ExitOnError)
	dir := flags.String("volume", "", "volume directory (required)")
	flags.Parse(args)

	if err := runCheck(os.Stdout, *dir); err != nil {
		log.Fatalf("check: %v", err)
	}
}

func snapshotCmd(args []string) {
	flags := flag.NewFlagSet("snapshot", flag.ExitOnError)
	dir := flags.String("volume", "", "volume directory (required)")
	dest := flags.String("dest", "", "snapshot location URL or path (required)")
	keep := flags.Int("keep", 0, "number of snapshots to keep, 0 keeps all")
	debugSleep := flags.Int("debug-sleep", 0, "debug: sleep N seconds before execution (for gops)")
	flags.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	maybeDebugSleep("snapshot", *debugSleep)

	URL, err := runSnapshot(ctx, *dir, *dest, *keep)
	if err != nil {
		log.Fatalf("snapshot: %v", err)
	}
	fmt.Println(URL)
}

func restoreCmd(args []string) {
	flags := flag.NewFlagSet("restore", flag.ExitOnError)
	dir := flags.String("volume", "", "volume directory (required)")
	src := flags.String("src", "", "snapshot location URL or path (required)")
	snapshot := flags.String("snapshot", "", "snapshot URL (defaults to the latest under --src)")
	flags.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := runRestore(ctx, *dir, *src, *snapshot); err != nil {
		log.Fatalf("restore: %v", err)
	}
}

func runCreate(dir, configPath, blockSizes string) error {
	if dir == "" {
		return fmt.Errorf("--volume is required")
	}
	var opts []volume.Option
	if configPath != "" {
		loaded, err := volume.LoadOptions(configPath)
		if err != nil {
			return err
		}
		opts = append(opts, volume.WithOptions(loaded))
	}
	if blockSizes != "" {
		sizes, err := parseSizes(blockSizes)
		if err != nil {
			return err
		}
		opts = append(opts, volume.WithDataBlockSizes(sizes...))
	}
	v, err := volume.Create(dir, opts...)
	if err != nil {
		return err
	}
	return v.Close()
}

func runInspect(w io.Writer, dir, format string) error {
	v, err := openVolume(dir)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()

	description := v.Describe()
	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(description)
	case "yaml", "":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(description); err != nil {
			return err
		}
		return encoder.Close()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func runCheck(w io.Writer, dir string) error {
	v, err := openVolume(dir)
	if err != nil {
		return err
	}
	defer func() { _ = v.Close() }()
	if err := v.Check(); err != nil {
		return err
	}
	fmt.Fprintf(w, "ok: blocks=%d records=%d unfinished=%d\n", v.BlockCount(), v.RecordCount(), len(v.Unfinished()))
	return nil
}

func runSnapshot(ctx context.Context, dir, dest string, keep int) (string, error) {
	if dest == "" {
		return "", fmt.Errorf("--dest is required")
	}
	v, err := openVolume(dir)
	if err != nil {
		return "", err
	}
	defer func() { _ = v.Close() }()
	return checkpoint.New(dest, checkpoint.WithKeep(keep)).Save(ctx, v)
}

func runRestore(ctx context.Context, dir, src, snapshot string) error {
	if dir == "" || src == "" {
		return fmt.Errorf("--volume and --src are required")
	}
	store := checkpoint.New(src)
	if snapshot == "" {
		latest, _, err := store.Latest(ctx)
		if err != nil {
			return err
		}
		snapshot = latest
	}
	if err := store.Restore(ctx, snapshot, dir); err != nil {
		return err
	}
	// the restored config must describe files that are actually there
	v, err := openVolume(dir)
	if err != nil {
		return fmt.Errorf("restored config does not open: %w", err)
	}
	return v.Close()
}

// openVolume opens dir for inspection; nothing is written back on Close.
func openVolume(dir string) (*volume.Volume, error) {
	if dir == "" {
		return nil, fmt.Errorf("--volume is required")
	}
	return volume.Open(dir, volume.WithReadOnly())
}

func parseSizes(value string) ([]uint64, error) {
	var result []uint64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		size, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid block size %q: %w", part, err)
		}
		result = append(result, size)
	}
	return result, nil
}

func maybeDebugSleep(cmd string, seconds int) {
	if seconds <= 0 {
		seconds = debugSleepFromEnv()
	}
	if seconds <= 0 {
		return
	}
	log.Printf("debug: cmd=%s pid=%d sleep=%ds", cmd, os.Getpid(), seconds)
	time.Sleep(time.Duration(seconds) * time.Second)
}

func startGops() {
	if err := agent.Listen(agent.Options{ShutdownCleanup: true}); err != nil {
		log.Printf("gops: %v", err)
	}
}

func debugSleepFromEnv() int {
	val := strings.TrimSpace(os.Getenv("DEDUPVOL_DEBUG_SLEEP"))
	if val == "" {
		return 0
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
