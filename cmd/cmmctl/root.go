package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/cmm/internal/api"
	"github.com/dreamware/cmm/internal/cluster"
	"github.com/dreamware/cmm/internal/configstore"
)

// dial connects to a node. Tests replace it.
var dial = func(ctx context.Context, addr string) (api.API, func() error, error) {
	c, err := api.Dial(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Close, nil
}

type cli struct {
	out     io.Writer
	addr    string
	timeout time.Duration
	asJSON  bool
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}
	root := &cobra.Command{
		Use:           "cmmctl",
		Short:         "Query and control a cluster membership daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&c.addr, "addr", "a", "127.0.0.1:8072", "API address of the node")
	root.PersistentFlags().DurationVarP(&c.timeout, "timeout", "t", 70*time.Second, "timeout for one call")
	root.PersistentFlags().BoolVar(&c.asJSON, "json", false, "print JSON")

	root.AddCommand(
		c.simple("id", "Print the node id", c.id),
		c.simple("nodes", "List the nodes and their state", c.nodes),
		c.simple("master", "Print the master", c.office(cluster.OfficeMaster)),
		c.simple("vicemaster", "Print the vice-master", c.office(cluster.OfficeViceMaster)),
		c.simple("quorum", "Report whether the cell has quorum", c.quorum),
		c.eligibleCmd(),
		c.disksCmd(),
		c.versionCmd(),
		c.updateCmd(),
		c.wipeCmd(),
		c.storeCmd(),
		c.watchCmd(),
	)
	return root
}

// with connects and runs fn under the call timeout.
func (c *cli) with(cmd *cobra.Command, fn func(ctx context.Context, a api.API) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	a, closeFn, err := dial(ctx, c.addr)
	if err != nil {
		return err
	}
	defer closeFn()
	return fn(ctx, a)
}

func (c *cli) simple(use, short string, fn func(ctx context.Context, a api.API) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.with(cmd, fn)
		},
	}
}

func (c *cli) print(v any, text string) error {
	if c.asJSON {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(c.out, text)
	return err
}

func (c *cli) id(ctx context.Context, a api.API) error {
	id, err := a.NodeID(ctx)
	if err != nil {
		return err
	}
	return c.print(map[string]int{"id": id}, strconv.Itoa(id))
}

func (c *cli) nodes(ctx context.Context, a api.API) error {
	nodes, err := a.GetNodes(ctx)
	if err != nil {
		return err
	}
	if c.asJSON {
		return c.print(nodes, "")
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOST\tALIVE\tELIGIBLE\tDISKS\tOFFICE")
	for _, n := range nodes {
		office := "-"
		switch {
		case n.Master:
			office = cluster.OfficeMaster.String()
		case n.ViceMaster:
			office = cluster.OfficeViceMaster.String()
		}
		local := ""
		if n.Local {
			local = " *"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%t\t%t\t%d\t%s\n", n.ID, local, n.Host, n.Alive, n.Eligible, n.ActiveDisks, office)
	}
	return w.Flush()
}

func (c *cli) office(o cluster.Office) func(ctx context.Context, a api.API) error {
	return func(ctx context.Context, a api.API) error {
		get := a.GetMaster
		if o == cluster.OfficeViceMaster {
			get = a.GetViceMaster
		}
		n, ok, err := get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return c.print(map[string]any{"office": o.String(), "node": nil}, "none")
		}
		return c.print(n, fmt.Sprintf("%d %s", n.ID, n.Host))
	}
}

func (c *cli) quorum(ctx context.Context, a api.API) error {
	ok, err := a.HasQuorum(ctx)
	if err != nil {
		return err
	}
	return c.print(map[string]bool{"quorum": ok}, strconv.FormatBool(ok))
}

func (c *cli) eligibleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eligible true|false",
		Short: "Allow or forbid the node to hold an office",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := strconv.ParseBool(args[0])
			if err != nil {
				return fmt.Errorf("eligible: %w", err)
			}
			return c.with(cmd, func(ctx context.Context, a api.API) error {
				return a.SetEligibility(ctx, on)
			})
		},
	}
}

func (c *cli) disksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disks [count]",
		Short: "Print or set the node's active disk count",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.with(cmd, func(ctx context.Context, a api.API) error {
					n, err := a.GetActiveDiskCount(ctx)
					if err != nil {
						return err
					}
					return c.print(map[string]int{"disks": n}, strconv.Itoa(n))
				})
			}
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("disks: bad count %q", args[0])
			}
			return c.with(cmd, func(ctx context.Context, a api.API) error {
				return a.SetActiveDiskCount(ctx, n)
			})
		},
	}
}

func (c *cli) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version file",
		Short: "Print the active version of a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := configstore.ParseConfigFile(args[0])
			if err != nil {
				return err
			}
			return c.with(cmd, func(ctx context.Context, a api.API) error {
				v, err := a.GetVersion(ctx, f)
				if err != nil {
					return err
				}
				return c.printVersion(f, v)
			})
		},
	}
}

func (c *cli) printVersion(f configstore.ConfigFile, v int64) error {
	return c.print(map[string]any{"file": f.String(), "version": v}, strconv.FormatInt(v, 10))
}

// parseProps turns key=value arguments into properties.
func parseProps(args []string) (configstore.Properties, error) {
	props := make(configstore.Properties, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		props[strings.TrimSpace(k)] = v
	}
	return props, nil
}

func (c *cli) updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update file key=value...",
		Short: "Merge properties into a config file on every node",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := configstore.ParseConfigFile(args[0])
			if err != nil {
				return err
			}
			props, err := parseProps(args[1:])
			if err != nil {
				return err
			}
			return c.with(cmd, func(ctx context.Context, a api.API) error {
				v, err := a.UpdateConfig(ctx, f, props)
				if err != nil {
					return err
				}
				return c.printVersion(f, v)
			})
		},
	}
}

func (c *cli) wipeCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "wipe file",
		Short: "Remove a config file from every node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := configstore.ParseConfigFile(args[0])
			if err != nil {
				return err
			}
			return c.with(cmd, func(ctx context.Context, a api.API) error {
				v, err := a.WipeConfig(ctx, f, version)
				if err != nil {
					return err
				}
				return c.printVersion(f, v)
			})
		},
	}
	cmd.Flags().Int64VarP(&version, "version", "v", 0, "wipe version stamp, default now")
	return cmd
}

func (c *cli) storeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "store file version checksum",
		Short: "Replicate a version already present on the master",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := configstore.ParseConfigFile(args[0])
			if err != nil {
				return err
			}
			version, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || version <= 0 {
				return fmt.Errorf("store: bad version %q", args[1])
			}
			return c.with(cmd, func(ctx context.Context, a api.API) error {
				v, err := a.StoreConfig(ctx, f, version, args[2])
				if err != nil {
					return err
				}
				return c.printVersion(f, v)
			})
		},
	}
}

func (c *cli) watchCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print membership and config events as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, closeFn, err := dial(ctx, c.addr)
			if err != nil {
				return err
			}
			defer closeFn()

			handle, err := a.Register(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.out)
			for seen := 0; count == 0 || seen < count; {
				ev, err := a.GetNotification(ctx, handle)
				switch {
				case errors.Is(err, api.ErrTimeout) && ctx.Err() == nil:
					continue
				case err != nil:
					return err
				}
				if err := enc.Encode(ev); err != nil {
					return err
				}
				seen++
			}
			return a.Unregister(ctx, handle)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "stop after this many events, 0 for no limit")
	return cmd
}
