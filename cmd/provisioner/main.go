// Package main provides the partition provisioning CLI.
//
// Usage:
//
//	provisioner [flags] [command]
//
// Commands:
//
//	provision  create every partition in the topology (default)
//	plan       print the partition plan without touching the database
//	list       print the partitions present in the database
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/s2report/ingestor/internal/audit"
	"github.com/s2report/ingestor/internal/bootstrap"
	"github.com/s2report/ingestor/internal/storage"
	"github.com/s2report/ingestor/internal/topology"
)

const (
	version = "1.0.0-dev"
	name    = "provisioner"
)

// ErrUnknownCommand is returned for commands the provisioner does not know.
var ErrUnknownCommand = errors.New("unknown command")

type options struct {
	topologyPath string
	jsonOutput   bool
	actor        string
}

func main() {
	opts := options{}

	versionFlag := flag.Bool("version", false, "show version information")
	flag.StringVar(&opts.topologyPath, "topology", "", "topology file (overrides TOPOLOGY_PATH)")
	flag.BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of a table")
	flag.StringVar(&opts.actor, "actor", audit.SystemActor, "audit actor recorded for provisioning")
	flag.Usage = usage
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, flag.Args(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, err)

		if errors.Is(err, ErrUnknownCommand) {
			usage()
		}

		stop()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] [provision|plan|list]\n\nFlags:\n", name)
	flag.PrintDefaults()
}

func run(ctx context.Context, args []string, opts options, out io.Writer) error {
	command := "provision"
	if len(args) > 0 {
		command = strings.ToLower(args[0])
	}

	if opts.topologyPath != "" {
		if err := os.Setenv(topology.PathEnvVar, opts.topologyPath); err != nil {
			return err
		}
	}

	switch command {
	case "plan":
		topo, err := topology.LoadFromEnv()
		if err != nil {
			return err
		}

		return printPlan(out, topo, opts.jsonOutput)
	case "provision", "list":
		return withRuntime(func(rt *bootstrap.Runtime) error {
			provisioner, err := rt.Provisioner()
			if err != nil {
				return err
			}

			if command == "list" {
				tables, err := provisioner.ListPartitions(ctx)
				if err != nil {
					return err
				}

				return printList(out, tables, opts.jsonOutput)
			}

			report, err := provisioner.Provision(audit.WithActor(ctx, opts.actor), rt.Topology)
			if err != nil {
				return err
			}

			return printReport(out, report, opts.jsonOutput)
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

func withRuntime(fn func(*bootstrap.Runtime) error) error {
	rt, err := bootstrap.Open(bootstrap.NewLogger(), storage.LoadConfig(), bootstrap.LoadAuditConfig())
	if err != nil {
		return err
	}

	return errors.Join(fn(rt), rt.Close())
}

func printPlan(out io.Writer, topo *topology.Topology, jsonOutput bool) error {
	nodes, err := topo.Plan()
	if err != nil {
		return err
	}

	if jsonOutput {
		return writeJSON(out, nodes)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "LEVEL\tTABLE\tPARENT\tVALUE")

	for _, n := range nodes {
		value := n.Value
		if n.IsDefault() {
			value = "DEFAULT"
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.Level, n.Table, n.Parent, value)
	}

	return tw.Flush()
}

func printList(out io.Writer, tables []string, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, tables)
	}

	for _, table := range tables {
		if _, err := fmt.Fprintln(out, table); err != nil {
			return err
		}
	}

	return nil
}

func printReport(out io.Writer, report *storage.ProvisionReport, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(out, report)
	}

	_, err := fmt.Fprintf(out, "created: %d\nalready present: %d\nduration: %s\n",
		report.Created, report.AlreadyPresent, report.Duration)

	return err
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
