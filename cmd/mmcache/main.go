// mmcache is a CLI for inspecting and driving mmapcache files.
//
// Usage:
//
//	mmcache info [--live] <cache-file>       Show header geometry
//	mmcache entries [-d N] <cache-file>      List entries (detail 0..2)
//	mmcache get <cache-file> <key>           Read one key
//	mmcache put <cache-file> <key> <value>   Write one key
//	mmcache del <cache-file> <key>           Delete one key
//	mmcache clear <cache-file>               Quick-clear all buckets
//	mmcache dump -o <out.json> <cache-file>  Dump entries to a JSON file
//	mmcache shell <cache-file>               Interactive shell
//
// Options:
//
//	-b, --buckets      Bucket count for newly created files
//	-s, --bucket-size  Bucket size in bytes for newly created files
//	-p, --page-size    Page size in bytes for newly created files
//	    --strings      Create as a strings cache
//	-e, --expiry       Entry time-to-live (e.g. 30s, 5m; 0 = none)
//	    --writeback    Defer backing-store flushes to eviction
//	    --negative     Cache backing-store misses
//	    --store        Attach a SQLite backing store at this path
//	-c, --config       HuJSON config file with geometry defaults
//	-o, --out          Output file for dump
//
// Existing cache files keep their on-disk geometry; the geometry flags
// only shape files this invocation creates.
package main

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"
	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/mmapcache"
	"github.com/calvinalkan/mmapcache/internal/sqlstore"
)

func main() {
	err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cliOptions collects every flag the tool understands.
type cliOptions struct {
	buckets    int
	bucketSize int
	pageSize   int
	strs       bool
	expiry     time.Duration
	writeback  bool
	negative   bool
	storePath  string
	configPath string
	outPath    string
	detail     int
	live       bool
}

func run(args []string) error {
	flags := flag.NewFlagSet("mmcache", flag.ContinueOnError)

	var opts cliOptions

	flags.IntVarP(&opts.buckets, "buckets", "b", 0, "bucket count for newly created files")
	flags.IntVarP(&opts.bucketSize, "bucket-size", "s", 0, "bucket size in bytes for newly created files")
	flags.IntVarP(&opts.pageSize, "page-size", "p", 0, "page size in bytes for newly created files")
	flags.BoolVar(&opts.strs, "strings", false, "create as a strings cache")
	flags.DurationVarP(&opts.expiry, "expiry", "e", 0, "entry time-to-live (0 = none)")
	flags.BoolVar(&opts.writeback, "writeback", false, "defer backing-store flushes to eviction")
	flags.BoolVar(&opts.negative, "negative", false, "cache backing-store misses")
	flags.StringVar(&opts.storePath, "store", "", "attach a SQLite backing store at this path")
	flags.StringVarP(&opts.configPath, "config", "c", "", "HuJSON config file with geometry defaults")
	flags.StringVarP(&opts.outPath, "out", "o", "", "output file for dump")
	flags.IntVarP(&opts.detail, "detail", "d", 2, "entries detail level (0..2)")
	flags.BoolVar(&opts.live, "live", false, "open the cache and include occupancy totals")

	err := flags.Parse(args)
	if err != nil {
		return err
	}

	rest := flags.Args()
	if len(rest) < 1 {
		printUsage(flags)

		return errors.New("missing command")
	}

	cmd, rest := rest[0], rest[1:]

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	applyConfig(&opts, cfg, flags)

	switch cmd {
	case "info":
		return cmdInfo(rest, opts)
	case "entries":
		return cmdEntries(rest, opts)
	case "get":
		return cmdGet(rest, opts)
	case "put":
		return cmdPut(rest, opts)
	case "del", "delete":
		return cmdDel(rest, opts)
	case "clear":
		return cmdClear(rest, opts)
	case "dump":
		return cmdDump(rest, opts)
	case "shell":
		return cmdShell(rest, opts)
	default:
		printUsage(flags)

		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage(flags *flag.FlagSet) {
	fmt.Fprintln(os.Stderr, `Usage: mmcache <command> [options] <cache-file> [args]

Commands:
  info      Show header geometry
  entries   List entries
  get       Read one key
  put       Write one key
  del       Delete one key
  clear     Quick-clear all buckets
  dump      Dump entries to a JSON file
  shell     Interactive shell

Options:`)
	fmt.Fprint(os.Stderr, flags.FlagUsages())
}

// Config holds geometry defaults loaded from a HuJSON config file.
type Config struct {
	Buckets    int    `json:"buckets,omitempty"`
	BucketSize int    `json:"bucket_size,omitempty"` //nolint:tagliatelle // snake_case for config file
	PageSize   int    `json:"page_size,omitempty"`   //nolint:tagliatelle // snake_case for config file
	Strings    bool   `json:"strings,omitempty"`
	Expiry     string `json:"expiry,omitempty"`
}

// configFilePath resolves the config location: the explicit flag, else
// $XDG_CONFIG_HOME/mmcache/config.json, else ~/.config/mmcache/config.json.
func configFilePath(explicit string) string {
	if explicit != "" {
		return explicit
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "mmcache", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "mmcache", "config.json")
}

// loadConfig reads the HuJSON config file if it exists. A missing default
// config is not an error; a missing explicit one is.
func loadConfig(explicit string) (Config, error) {
	path := configFilePath(explicit)
	if path == "" {
		return Config{}, nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path is from the user
	if err != nil {
		if os.IsNotExist(err) && explicit == "" {
			return Config{}, nil
		}

		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	var cfg Config

	err = json.Unmarshal(standardized, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	return cfg, nil
}

// applyConfig fills unset geometry flags from the config file. Flags the
// user passed explicitly win.
func applyConfig(opts *cliOptions, cfg Config, flags *flag.FlagSet) {
	if opts.buckets == 0 && cfg.Buckets != 0 {
		opts.buckets = cfg.Buckets
	}

	if opts.bucketSize == 0 && cfg.BucketSize != 0 {
		opts.bucketSize = cfg.BucketSize
	}

	if opts.pageSize == 0 && cfg.PageSize != 0 {
		opts.pageSize = cfg.PageSize
	}

	if !flags.Changed("strings") && cfg.Strings {
		opts.strs = true
	}

	if !flags.Changed("expiry") && cfg.Expiry != "" {
		if d, err := time.ParseDuration(cfg.Expiry); err == nil {
			opts.expiry = d
		}
	}
}

// openCache opens the cache file, wiring in the SQLite store when one was
// requested. The returned cleanup closes both.
func openCache(path string, opts cliOptions) (*mmapcache.Cache, func(), error) {
	cacheOpts := mmapcache.Options{
		Buckets:       opts.buckets,
		BucketSize:    opts.bucketSize,
		PageSize:      opts.pageSize,
		Strings:       opts.strs,
		Expiry:        opts.expiry,
		Writeback:     opts.writeback,
		CacheNegative: opts.negative,
	}

	var store *sqlstore.Store

	if opts.storePath != "" {
		var err error

		store, err = sqlstore.Open(opts.storePath)
		if err != nil {
			return nil, nil, err
		}

		cacheOpts.Read = store.ReadFunc()
		cacheOpts.Write = store.WriteFunc()
		cacheOpts.Delete = store.DeleteFunc()

		// Values must pass through verbatim for the store adapters.
		cacheOpts.Strings = true
	}

	cache, err := mmapcache.Open(path, cacheOpts)
	if err != nil {
		if store != nil {
			_ = store.Close()
		}

		return nil, nil, err
	}

	cleanup := func() {
		_ = cache.Close()

		if store != nil {
			_ = store.Close()
		}
	}

	return cache, cleanup, nil
}

// Header constants for the lock-free info peek (matches the file format).
const (
	headerSize    = 40
	offMagic      = 0
	offBuckets    = 4
	offBucketSize = 8
	offPageSize   = 12
	offFlags      = 16
	offVersion    = 20

	cacheMagic  = uint32(0x015ACACE)
	flagStrings = uint32(0x0001)
)

// peekHeader reads the file header directly, without taking any locks.
func peekHeader(path string) (buckets, bucketSize, pageSize int, strs bool, version int, err error) {
	f, err := os.Open(path) //nolint:gosec // path is from the user
	if err != nil {
		return 0, 0, 0, false, 0, err
	}
	defer f.Close()

	header := make([]byte, headerSize)

	_, err = io.ReadFull(f, header)
	if err != nil {
		return 0, 0, 0, false, 0, fmt.Errorf("reading header: %w", err)
	}

	if binary.LittleEndian.Uint32(header[offMagic:]) != cacheMagic {
		return 0, 0, 0, false, 0, errors.New("invalid magic: not a mmapcache file")
	}

	return int(binary.LittleEndian.Uint32(header[offBuckets:])),
		int(binary.LittleEndian.Uint32(header[offBucketSize:])),
		int(binary.LittleEndian.Uint32(header[offPageSize:])),
		binary.LittleEndian.Uint32(header[offFlags:])&flagStrings != 0,
		int(binary.LittleEndian.Uint32(header[offVersion:])),
		nil
}

func cmdInfo(args []string, opts cliOptions) error {
	if len(args) != 1 {
		return errors.New("usage: mmcache info [--live] <cache-file>")
	}

	buckets, bucketSize, pageSize, strs, version, err := peekHeader(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("file:        %s\n", args[0])
	fmt.Printf("version:     %d\n", version)
	fmt.Printf("buckets:     %d\n", buckets)
	fmt.Printf("bucket size: %d\n", bucketSize)
	fmt.Printf("page size:   %d\n", pageSize)
	fmt.Printf("strings:     %v\n", strs)
	fmt.Printf("total size:  %d\n", pageSize+buckets*bucketSize)

	if !opts.live {
		return nil
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := cache.Stat()
	if err != nil {
		return err
	}

	fmt.Printf("entries:     %d (%d dirty, %d expired)\n", stats.Entries, stats.DirtyEntries, stats.ExpiredEntries)
	fmt.Printf("bytes used:  %d\n", stats.BytesUsed)

	return nil
}

func cmdEntries(args []string, opts cliOptions) error {
	if len(args) != 1 {
		return errors.New("usage: mmcache entries [-d N] <cache-file>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := cache.Entries(mmapcache.Detail(opts.detail))
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	for _, e := range entries {
		printEntry(os.Stdout, e, mmapcache.Detail(opts.detail))
	}

	fmt.Printf("%d entries\n", len(entries))

	return nil
}

func printEntry(w io.Writer, e mmapcache.Entry, detail mmapcache.Detail) {
	switch detail {
	case mmapcache.DetailKeys:
		fmt.Fprintf(w, "%s\n", e.Key)
	case mmapcache.DetailMeta:
		fmt.Fprintf(w, "%-30s dirty=%-5v %s\n", e.Key, e.Dirty, e.Time.Format(time.RFC3339))
	default:
		fmt.Fprintf(w, "%-30s dirty=%-5v %s %v\n", e.Key, e.Dirty, e.Time.Format(time.RFC3339), e.Value)
	}
}

func cmdGet(args []string, opts cliOptions) error {
	if len(args) != 2 {
		return errors.New("usage: mmcache get <cache-file> <key>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	value, found, err := cache.Read(args[1])
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("key %q not found", args[1])
	}

	fmt.Printf("%v\n", value)

	return nil
}

func cmdPut(args []string, opts cliOptions) error {
	if len(args) != 3 {
		return errors.New("usage: mmcache put <cache-file> <key> <value>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	return cache.Write(args[1], args[2])
}

func cmdDel(args []string, opts cliOptions) error {
	if len(args) != 2 {
		return errors.New("usage: mmcache del <cache-file> <key>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	old, found, err := cache.Delete(args[1])
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("key %q not found", args[1])
	}

	fmt.Printf("deleted %q (was %v)\n", args[1], old)

	return nil
}

func cmdClear(args []string, opts cliOptions) error {
	if len(args) != 1 {
		return errors.New("usage: mmcache clear <cache-file>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	err = cache.QuickClear()
	if err != nil {
		return err
	}

	fmt.Println("cleared")

	return nil
}

// dumpEntry is the JSON shape written by dump.
type dumpEntry struct {
	Key   string `json:"key"`
	Time  string `json:"time"`
	Dirty bool   `json:"dirty"`
	Value any    `json:"value"`
}

func cmdDump(args []string, opts cliOptions) error {
	if len(args) != 1 {
		return errors.New("usage: mmcache dump -o <out.json> <cache-file>")
	}

	if opts.outPath == "" {
		return errors.New("dump requires -o <out.json>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := cache.Entries(mmapcache.DetailValues)
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	out := make([]dumpEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, dumpEntry{
			Key:   e.Key,
			Time:  e.Time.Format(time.RFC3339),
			Dirty: e.Dirty,
			Value: e.Value,
		})
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dump: %w", err)
	}

	err = atomic.WriteFile(opts.outPath, strings.NewReader(string(data)+"\n"))
	if err != nil {
		return fmt.Errorf("write %s: %w", opts.outPath, err)
	}

	fmt.Printf("wrote %d entries to %s\n", len(out), opts.outPath)

	return nil
}

// shellCommands feed the completer and the help text.
var shellCommands = []string{
	"get", "put", "del", "entries", "stat", "info", "clear", "flush", "help", "exit",
}

func cmdShell(args []string, opts cliOptions) error {
	if len(args) != 1 {
		return errors.New("usage: mmcache shell <cache-file>")
	}

	cache, cleanup, err := openCache(args[0], opts)
	if err != nil {
		return err
	}
	defer cleanup()

	sh := &shell{cache: cache}

	return sh.run()
}

// shell is the interactive command loop.
type shell struct {
	cache *mmapcache.Cache
	liner *liner.State
}

// historyFile returns the path to the shell history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".mmcache_history")
}

func (s *shell) run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(func(line string) []string {
		var out []string

		for _, c := range shellCommands {
			if strings.HasPrefix(c, strings.ToLower(line)) {
				out = append(out, c+" ")
			}
		}

		return out
	})

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = s.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("mmcache - %s (buckets=%d, bucket_size=%d, strings=%v)\n",
		s.cache.Path(), s.cache.Buckets(), s.cache.BucketSize(), s.cache.Strings())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := s.liner.Prompt("mmcache> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd, rest := strings.ToLower(parts[0]), parts[1:]

		if cmd == "exit" || cmd == "quit" || cmd == "q" {
			fmt.Println("Bye!")

			break
		}

		s.dispatch(cmd, rest)
	}

	s.saveHistory()

	return nil
}

func (s *shell) dispatch(cmd string, args []string) {
	var err error

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "get":
		err = s.cmdGet(args)
	case "put":
		err = s.cmdPut(args)
	case "del", "delete":
		err = s.cmdDel(args)
	case "entries", "ls", "list":
		err = s.cmdEntries(args)
	case "stat":
		err = s.cmdStat()
	case "info":
		s.cmdInfo()
	case "clear":
		err = s.cache.QuickClear()
	case "flush":
		err = s.cache.Flush()
	default:
		fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

func (s *shell) printHelp() {
	fmt.Println(`Commands:
  get <key>             Read a key
  put <key> <value>     Write a key
  del <key>             Delete a key
  entries [detail]      List entries (detail 0..2, default 2)
  stat                  Show occupancy totals
  info                  Show geometry
  clear                 Quick-clear all buckets
  flush                 msync the mapping
  exit                  Leave the shell`)
}

func (s *shell) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}

	value, found, err := s.cache.Read(args[0])
	if err != nil {
		return err
	}

	if !found {
		fmt.Println("(not found)")

		return nil
	}

	fmt.Printf("%v\n", value)

	return nil
}

func (s *shell) cmdPut(args []string) error {
	if len(args) < 2 {
		return errors.New("usage: put <key> <value>")
	}

	return s.cache.Write(args[0], strings.Join(args[1:], " "))
}

func (s *shell) cmdDel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}

	old, found, err := s.cache.Delete(args[0])
	if err != nil {
		return err
	}

	if !found {
		fmt.Println("(not found)")

		return nil
	}

	fmt.Printf("deleted (was %v)\n", old)

	return nil
}

func (s *shell) cmdEntries(args []string) error {
	detail := mmapcache.DetailValues

	if len(args) > 0 {
		switch args[0] {
		case "0":
			detail = mmapcache.DetailKeys
		case "1":
			detail = mmapcache.DetailMeta
		case "2":
			detail = mmapcache.DetailValues
		default:
			return fmt.Errorf("invalid detail %q", args[0])
		}
	}

	entries, err := s.cache.Entries(detail)
	if err != nil {
		return err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })

	for _, e := range entries {
		printEntry(os.Stdout, e, detail)
	}

	fmt.Printf("%d entries\n", len(entries))

	return nil
}

func (s *shell) cmdStat() error {
	stats, err := s.cache.Stat()
	if err != nil {
		return err
	}

	fmt.Printf("entries:    %d\n", stats.Entries)
	fmt.Printf("dirty:      %d\n", stats.DirtyEntries)
	fmt.Printf("expired:    %d\n", stats.ExpiredEntries)
	fmt.Printf("bytes used: %d\n", stats.BytesUsed)

	return nil
}

func (s *shell) cmdInfo() {
	fmt.Printf("file:        %s\n", s.cache.Path())
	fmt.Printf("buckets:     %d\n", s.cache.Buckets())
	fmt.Printf("bucket size: %d\n", s.cache.BucketSize())
	fmt.Printf("page size:   %d\n", s.cache.PageSize())
	fmt.Printf("strings:     %v\n", s.cache.Strings())
	fmt.Printf("expiry:      %v\n", s.cache.Expiry())
	fmt.Printf("writeback:   %v\n", s.cache.Writeback())
}

func (s *shell) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}

	f, err := os.Create(path) //nolint:gosec // fixed path under $HOME
	if err != nil {
		return
	}
	defer f.Close()

	_, _ = s.liner.WriteHistory(f)
}
