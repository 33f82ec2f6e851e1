// Command `recurse` is the end-user CLI for the recurse daemon.
//
// Recursed is a caching recursive DNS resolver that walks the delegation
// tree from the root servers itself instead of forwarding to someone
// else's resolver. The CLI talks to the daemon two ways: DNS queries go
// to its listen address, control commands go over its Unix socket.
//
// Usage:
//
//	recurse query <name> [type]  - Resolve a name through the daemon
//	recurse status               - Show daemon counters and cache sizes
//	recurse flush                - Empty the daemon's caches
//
// Examples:
//
//	recurse query example.com        - Look up A and AAAA records
//	recurse query example.com MX     - Look up MX records
//	recurse status                   - Show uptime, cache sizes, in-flight work
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/miekg/dns"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lc/recurse/internal/buildinfo"
	"github.com/lc/recurse/internal/config"
	"github.com/lc/recurse/pkg/client"
)

func main() {
	cfg, err := config.New().Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	cli := client.New(cfg.Socket.Path)

	root := &cobra.Command{
		Use:   "recurse",
		Short: "Recurse resolver CLI",
		Long: `Recurse drives the recursed daemon, a caching recursive DNS resolver
that iterates from the root servers rather than forwarding queries.`,
	}
	// ---- version command ----
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Show version information for the recurse CLI and daemon.`,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version: %s\n", buildinfo.Version)
			fmt.Printf("commit: %s\n", buildinfo.Commit)
		},
	}
	// ---- query command ----
	queryCmd := &cobra.Command{
		Use:   "query <name> [type]",
		Short: "Resolve a name through the daemon",
		Long: `Resolve a name by sending the query to the daemon's DNS listener.
Without a type, A and AAAA are looked up in parallel. With a type
("MX", "TXT", "NS", ...), only that type is queried.

Examples:
  recurse query example.com        Look up A and AAAA records
  recurse query example.com MX     Look up MX records`,
		Example: "recurse query example.com MX",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			name := dns.Fqdn(args[0])
			types := []uint16{dns.TypeA, dns.TypeAAAA}
			if len(args) == 2 {
				qtype, ok := dns.StringToType[strings.ToUpper(args[1])]
				if !ok {
					return fmt.Errorf("unknown record type %q", args[1])
				}
				types = []uint16{qtype}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			replies := make([]*dns.Msg, len(types))
			g, gctx := errgroup.WithContext(ctx)
			for i, qtype := range types {
				i, qtype := i, qtype
				g.Go(func() error {
					m := new(dns.Msg)
					m.SetQuestion(name, qtype)
					m.RecursionDesired = true

					c := new(dns.Client)
					reply, _, err := c.ExchangeContext(gctx, m, cfg.Server.Listen)
					if err != nil {
						return fmt.Errorf("querying %s %s: %w", name, dns.TypeToString[qtype], err)
					}
					replies[i] = reply
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Name", "TTL", "Type", "Data"})
			table.SetHeaderColor(
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
				tablewriter.Colors{tablewriter.Bold, tablewriter.FgHiCyanColor},
			)
			table.SetBorder(false)

			rows := 0
			for _, reply := range replies {
				if reply.Rcode != dns.RcodeSuccess {
					color.Yellow("%s: %s", name, dns.RcodeToString[reply.Rcode])
					continue
				}
				for _, rr := range reply.Answer {
					h := rr.Header()
					data := strings.TrimPrefix(rr.String(), h.String())
					table.Append([]string{
						h.Name,
						fmt.Sprintf("%d", h.Ttl),
						dns.TypeToString[h.Rrtype],
						data,
					})
					rows++
				}
			}
			if rows == 0 {
				color.Yellow("No records found for %s.", name)
				return nil
			}
			table.Render()
			return nil
		},
	}

	// ---- status command ----
	statusCmd := &cobra.Command{
		Use:     "status",
		Short:   "Show daemon status",
		Long:    `Show daemon counters: in-flight and completed resolutions, cache sizes, uptime, and version.`,
		Example: "recurse status",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			st, err := cli.Status(ctx)
			if err != nil {
				return err
			}

			mode := "iterating from root hints"
			if st.Forwarding {
				mode = "forwarding"
			}

			color.New(color.Bold).Println("RECURSED STATUS:")
			table := tablewriter.NewWriter(os.Stdout)
			table.SetBorder(false)
			table.Append([]string{"Mode", mode})
			table.Append([]string{"In flight", fmt.Sprintf("%d", st.InFlight)})
			table.Append([]string{"Started", fmt.Sprintf("%d", st.Started)})
			table.Append([]string{"Finished", fmt.Sprintf("%d", st.Finished)})
			table.Append([]string{"Cached messages", fmt.Sprintf("%d", st.CachedMessages)})
			table.Append([]string{"Cached zone cuts", fmt.Sprintf("%d", st.CachedZoneCuts)})
			table.Append([]string{"Uptime", st.Uptime.Round(time.Second).String()})
			table.Append([]string{"Version", fmt.Sprintf("%s (%s)", st.Version, st.Commit)})
			table.Render()
			return nil
		},
	}

	// ---- flush command ----
	flushCmd := &cobra.Command{
		Use:     "flush",
		Short:   "Empty the daemon's caches",
		Long:    `Empty the daemon's message and zone-cut caches. Later queries iterate from the root hints again.`,
		Example: "recurse flush",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			dropped, err := cli.Flush(ctx)
			if err != nil {
				return err
			}
			color.New(color.FgGreen, color.Bold).Printf("✓ Flushed ")
			color.New(color.FgHiGreen, color.Bold).Printf("%d messages ", dropped.Messages)
			color.New(color.FgGreen, color.Bold).Printf("and ")
			color.New(color.FgHiGreen, color.Bold).Printf("%d zone cuts\n", dropped.ZoneCuts)
			return nil
		},
	}

	root.AddCommand(queryCmd, statusCmd, flushCmd, versionCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
