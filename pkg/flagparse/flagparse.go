package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-failover/pkg/buildinfo"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel  *string
	Quiet     *bool
	Metrics   *bool
	ConfigDir *string

	// Shared: Serve / Init
	Listen        *string
	Partitions    *string
	DeleteWorkers *int
	BufferSizeKB  *int
	MaxBatchSize  *int
	SessionMemMB  *int
	DataIndex     *bool
	MySQLRestart  *bool
	MySQLInitDir  *string

	// Push specific
	Source      *string
	Address     *string
	FromServer  *string
	ToPath      *string
	Retention   *int
	Compression *bool
	Date        *string
	BatchSize   *int
	MySQL       *string
	QuotaGID    *int

	// Prune specific
	ServerRoot *string
	DryRun     *bool

	// Clean-index specific
	Partition *string

	// Init specific
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Suppress info and notice output, e.g. when run from cron.")
	f.Metrics = fs.Bool("metrics", false, "Enable detailed transfer and retention metrics.")
	f.ConfigDir = fs.String("config-dir", "", "Directory holding the configuration file (default /etc/pgl-failover).")
}

func registerDaemonFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Listen = fs.String("listen", "", "TCP address the daemon listens on, e.g. ':7011'.")
	f.Partitions = fs.String("partitions", "", "Comma-separated list of backup partitions served by the daemon.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated backup sets.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the socket buffers in kilobytes.")
	f.MaxBatchSize = fs.Int("max-batch-size", 0, "Largest entry batch accepted from a sender.")
	f.SessionMemMB = fs.Int("session-memory-mb", 0, "Buffer memory shared by all concurrent sessions, in megabytes.")
	f.DataIndex = fs.Bool("data-index", true, "Share identical .gz files through the partition content index.")
	f.MySQLRestart = fs.Bool("mysql-restart", false, "Restart replicated MySQL servers after live-mirror passes.")
	f.MySQLInitDir = fs.String("mysql-init-dir", "", "Init script directory inside the mirrored root.")
}

func registerPushFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "/", "Local directory tree to replicate.")
	f.Address = fs.String("address", "", "Address of the failover daemon. (Required unless configured)")
	f.FromServer = fs.String("from-server", "", "Name of this server as reported to the daemon (default hostname).")
	f.ToPath = fs.String("to-path", "", "Server root on the daemon, directly below a backup partition. (Required)")
	f.Retention = fs.Int("retention", 7, "Retention in days: 1 for a live mirror, up to 7, or a configured retention level.")
	f.Compression = fs.Bool("compression", true, "Compress literal payloads and allow chunked transfers.")
	f.Date = fs.String("date", "", "Pass date as YYYY-MM-DD (default today).")
	f.BatchSize = fs.Int("batch-size", 0, "Number of entries sent per batch.")
	f.MySQL = fs.String("mysql", "", "Comma-separated list of replicated MySQL servers as name:minorVersion.")
	f.QuotaGID = fs.Int("quota-gid", -1, "Group id applied to every replicated file (-1 keeps the source group).")
}

func registerPruneFlags(fs *flag.FlagSet, f *cliFlags) {
	f.ServerRoot = fs.String("server-root", "", "Server root holding dated backup sets. (Required)")
	f.Retention = fs.Int("retention", 0, "Retention in days. (Required)")
	f.Date = fs.String("date", "", "Reference date as YYYY-MM-DD (default today).")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated backup sets.")
	f.DryRun = fs.Bool("dry-run", false, "Show what would be recycled or deleted without making any changes.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
}

func registerCleanIndexFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Partition = fs.String("partition", "", "Backup partition whose content index is swept. (Required)")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	// Init supports all daemon flags (to generate config) plus 'force' and 'default'.
	registerDaemonFlags(fs, f)
	f.Address = fs.String("address", "", "Default daemon address for the push command.")
	f.Compression = fs.Bool("compression", true, "Default compression setting for the push command.")
	f.BatchSize = fs.Int("batch-size", 0, "Default batch size for the push command.")
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
}

type commandSpec struct {
	desc     string
	register func(*flag.FlagSet, *cliFlags)
}

var commandSpecs = map[Command]commandSpec{
	Serve:      {"Run the failover daemon.", registerDaemonFlags},
	Push:       {"Replicate a local tree to a failover daemon.", registerPushFlags},
	Prune:      {"Apply the retention policy to one server root.", registerPruneFlags},
	CleanIndex: {"Delete orphaned entries from a partition's content index.", registerCleanIndexFlags},
	Init:       {"Write a configuration file.", registerInitFlags},
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	spec, ok := commandSpecs[command]
	if !ok {
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)
	spec.register(fs, f)

	// Custom usage for the subcommand
	fs.Usage = func() {
		printSubcommandUsage(command, spec.desc, fs)
	}

	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}
	if fs.NArg() > 0 {
		return command, nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "config-dir", f.ConfigDir)

	addIfUsed(flagMap, usedFlags, "listen", f.Listen)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "max-batch-size", f.MaxBatchSize)
	addIfUsed(flagMap, usedFlags, "session-memory-mb", f.SessionMemMB)
	addIfUsed(flagMap, usedFlags, "data-index", f.DataIndex)
	addIfUsed(flagMap, usedFlags, "mysql-restart", f.MySQLRestart)
	addIfUsed(flagMap, usedFlags, "mysql-init-dir", f.MySQLInitDir)

	addIfUsed(flagMap, usedFlags, "source", f.Source)
	addIfUsed(flagMap, usedFlags, "address", f.Address)
	addIfUsed(flagMap, usedFlags, "from-server", f.FromServer)
	addIfUsed(flagMap, usedFlags, "to-path", f.ToPath)
	addIfUsed(flagMap, usedFlags, "retention", f.Retention)
	addIfUsed(flagMap, usedFlags, "compression", f.Compression)
	addIfUsed(flagMap, usedFlags, "date", f.Date)
	addIfUsed(flagMap, usedFlags, "batch-size", f.BatchSize)
	addIfUsed(flagMap, usedFlags, "quota-gid", f.QuotaGID)

	addIfUsed(flagMap, usedFlags, "server-root", f.ServerRoot)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "partition", f.Partition)

	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "partitions", f.Partitions, ParseList)
	addParsedIfUsed(flagMap, usedFlags, "mysql", f.MySQL, ParseList)

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Versioned, hard-linked failover mirrors of whole servers.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  serve        Run the failover daemon\n")
	fmt.Fprintf(fs.Output(), "  push         Replicate a local tree to a daemon\n")
	fmt.Fprintf(fs.Output(), "  prune        Apply the retention policy to a server root\n")
	fmt.Fprintf(fs.Output(), "  clean-index  Sweep orphaned content index entries\n")
	fmt.Fprintf(fs.Output(), "  init         Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  version      Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Versioned, hard-linked failover mirrors of whole servers.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseList parses a comma-separated list. Single (') and double (") quotes
// group items containing commas or spaces and are removed from the output.
func ParseList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
