package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/elfhook/pkg/hook"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	app := kingpin.New(filepath.Base(os.Args[0]), "Load ELF shared objects into the current process, hook their symbols and call into them.").UsageWriter(os.Stdout)
	app.Version(version.Print("elfhook"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	inspectCmd := app.Command("inspect", "Print the headers, segments, sections, dynamic symbols and relocations of an ELF file.")
	inspectParams := addInspectParams(inspectCmd)

	runCmd := app.Command("run", "Load an ELF shared object, install hooks and call a function in it.")
	runParams := addRunParams(runCmd)

	// parse command line arguments
	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	// enable verbose logging if requested
	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	os.Exit(dispatch(parsedCmd, map[string]func() error{
		inspectCmd.FullCommand(): func() error { return inspect(os.Stdout, inspectParams) },
		runCmd.FullCommand():     func() error { return run(os.Stdout, runParams) },
	}))
}

// dispatch runs the command selected on the command line and returns the
// process exit code.
func dispatch(parsedCmd string, commands map[string]func() error) int {
	cmd, ok := commands[parsedCmd]
	if !ok {
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		return 1
	}
	return checkError(cmd())
}

func checkError(err error) int {
	switch {
	case err == nil:
		return 0
	case hook.IsStateError(err), hook.IsBoundsError(err), hook.IsMemoryMapError(err):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return 1
}
