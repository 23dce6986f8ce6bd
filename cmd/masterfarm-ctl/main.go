// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

// masterfarm-ctl is the admin client for the masterfarmd control
// socket.
package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/masterfarm/masterfarm/lib/control"
	"github.com/masterfarm/masterfarm/lib/process"
	"github.com/masterfarm/masterfarm/lib/version"
)

const defaultSocket = "/run/masterfarm/control.sock"

const usage = `Usage: masterfarm-ctl [flags] <command>

Commands:
  status                     daemon status summary
  list                       running sessions
  start <owner-id> <login>   start a session for a stored account
  stop <owner-id> <login>    stop a running session

Flags:
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("masterfarm-ctl", pflag.ContinueOnError)
	socketPath := flags.String("socket", defaultSocket, "path to the daemon control socket")
	ownerFilter := flags.Int64("owner", 0, "filter list output to one owner")
	showVersion := flags.Bool("version", false, "print version information and exit")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		version.Print("masterfarm-ctl")
		return nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return fmt.Errorf("command required")
	}

	client := control.NewClient(*socketPath)

	switch command := rest[0]; command {
	case "status":
		return runStatus(client)
	case "list":
		return runList(client, *ownerFilter)
	case "start":
		ownerID, login, err := accountArgs(rest[1:])
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if err := client.Start(ownerID, login); err != nil {
			return err
		}
		fmt.Printf("started %s\n", login)
		return nil
	case "stop":
		ownerID, login, err := accountArgs(rest[1:])
		if err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if err := client.Stop(ownerID, login); err != nil {
			return err
		}
		fmt.Printf("stopped %s\n", login)
		return nil
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runStatus(client *control.Client) error {
	status, err := client.Status()
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "version:\t%s\n", status.Version)
	if status.GitCommit != "" {
		fmt.Fprintf(writer, "commit:\t%s\n", status.GitCommit)
	}
	fmt.Fprintf(writer, "started:\t%s\n", status.StartedAt)
	fmt.Fprintf(writer, "accounts:\t%d\n", status.Accounts)
	fmt.Fprintf(writer, "sessions:\t%d\n", status.Sessions)
	return writer.Flush()
}

func runList(client *control.Client, ownerID int64) error {
	listed, err := client.List(ownerID)
	if err != nil {
		return err
	}
	if len(listed.Sessions) == 0 {
		fmt.Println("no running sessions")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "OWNER\tLOGIN\tSTATE")
	for _, status := range listed.Sessions {
		fmt.Fprintf(writer, "%d\t%s\t%s\n", status.OwnerID, status.Login, status.State)
	}
	return writer.Flush()
}

func accountArgs(args []string) (int64, string, error) {
	if len(args) != 2 {
		return 0, "", fmt.Errorf("expected <owner-id> <login>")
	}
	ownerID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || ownerID <= 0 {
		return 0, "", fmt.Errorf("bad owner id %q", args[0])
	}
	return ownerID, args[1], nil
}
