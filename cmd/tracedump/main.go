// Command tracedump is a read-only inspector for .trace files: it prints
// the header and the stack-frame aggregate table. It is explicitly not
// the viewer (spec.md §1 places the interactive flame-chart viewer out
// of scope) — no UI, no zoom, no span coalescing, just the data the
// viewer would otherwise consume from the file format.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pocketwatch/tracecore/traceformat"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tracedump",
		Short: "Inspect a tracecore .trace file",
	}
	root.AddCommand(newHeaderCmd())
	root.AddCommand(newStacksCmd())
	return root
}

func openReader(path string) (*traceformat.Reader, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "tracedump: open %q", path)
	}
	return traceformat.NewReader(f), f, nil
}

func newHeaderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "header <file.trace>",
		Short: "Print the file header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, f, err := openReader(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			h, err := reader.Header()
			if err != nil {
				return errors.Wrap(err, "tracedump: read header")
			}

			fmt.Printf("version:          %d\n", h.Version)
			fmt.Printf("num_blocks:       %d\n", h.NumBlocks)
			fmt.Printf("num_stacks:       %d\n", h.NumStacks)
			fmt.Printf("num_tags:         %d\n", h.NumTags)
			fmt.Printf("num_index_blocks: %d\n", h.NumIndexBlocks)
			fmt.Printf("max_parents:      %d\n", h.MaxParents)
			fmt.Printf("micro_start:      %d\n", h.MicroStart)
			fmt.Printf("micro_end:        %d\n", h.MicroEnd)
			fmt.Printf("timebase:         %d\n", h.Timebase)
			return nil
		},
	}
}

func newStacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stacks <file.trace>",
		Short: "Print the stack-frame aggregate table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reader, f, err := openReader(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			h, err := reader.Header()
			if err != nil {
				return errors.Wrap(err, "tracedump: read header")
			}
			ids, frames, err := reader.StackTable(h)
			if err != nil {
				return errors.Wrap(err, "tracedump: read stack table")
			}

			fmt.Printf("%-10s %-24s %-30s %10s %10s %10s %10s %10s\n",
				"fp", "label", "location", "calls", "wall_us", "child_us", "best_us", "worst_us")
			for i, id := range ids {
				sf := frames[i]
				fmt.Printf("%#08x %-24s %-30s %10d %10d %10d %10d %10d\n",
					id, sf.LabelString(), sf.LocationString(),
					sf.CallCount, sf.WallTime, sf.ChildTime, sf.BestCallTime, sf.WorstCallTime)
			}
			return nil
		},
	}
}
