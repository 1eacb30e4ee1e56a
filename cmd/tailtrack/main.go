// Command tailtrack tracks larval fish pose in videos and manages the run
// registry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/tailtrack/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "track":
		err = handleTrack(args)
	case "batch":
		err = handleBatch(args)
	case "background":
		err = handleBackground(args)
	case "runs":
		err = handleRuns(args)
	case "migrate":
		err = handleMigrate(args)
	case "version":
		fmt.Println(version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tailtrack %s: %v\n", command, err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`tailtrack - larval fish pose tracking

Usage: tailtrack <command> [options]

Commands:
  track       Track one video (tailtrack track [flags] <video>)
  batch       Run every job in a .yaml/.json job file
  background  Estimate and save a background image for a video
  runs        List runs recorded in a registry
  migrate     Apply or roll back registry migrations (up|down|status)
  version     Show version
  help        Show this help message

Run 'tailtrack <command> -h' for the flags of a command.`)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
