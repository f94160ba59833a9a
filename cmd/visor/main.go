// Command-line front of the specimen data service.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"

	"github.com/visor-platform/visor/server"
	"github.com/visor-platform/visor/visor"

	// storage engines register themselves
	_ "github.com/visor-platform/visor/storage/stackfile"
	_ "github.com/visor-platform/visor/storage/zarr3"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Path to the TOML configuration file.
	configFile = flag.String("config", "", "")

	// Overrides the http address in the config file.
	httpAddress = flag.String("http", "", "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")
)

const helpMessage = `
visor serves multi-resolution brain-specimen imagery, region masks, and meshes

Usage: visor [options] serve

      -config     =string   Path to TOML configuration file (required).
      -http       =string   Address for HTTP communication, overrides config.
      -cpuprofile =string   Write CPU profile to this file.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	serve
`

var usage = func() {
	fmt.Print(helpMessage)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *runVerbose {
		visor.Verbose = true
		visor.SetLogMode(visor.DebugMode)
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	switch flag.Arg(0) {
	case "about":
		fmt.Printf("visor %s (%s)\n", Version, runtime.Version())
	case "serve":
		if err := serve(); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", flag.Arg(0))
		flag.Usage()
		os.Exit(1)
	}
}

func serve() error {
	config, err := server.LoadConfig(*configFile)
	if err != nil {
		return err
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			return fmt.Errorf("unable to create CPU profile file: %v", err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	service, err := server.NewService(config)
	if err != nil {
		return err
	}

	addr := server.HTTPAddress()
	if *httpAddress != "" {
		addr = *httpAddress
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	visor.Infof("Starting visor %s, data root %s\n", Version, server.DataRoot())
	err = service.Serve(ctx, addr)

	service.Shutdown()
	visor.Shutdown()
	return err
}
