package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newRWCmd(opts *options) *cobra.Command {
	var (
		lba     uint32
		count   uint32
		pattern uint8
	)

	cmd := &cobra.Command{
		Use:   "rw",
		Short: "Write a pattern to a block range, read it back and compare",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count == 0 {
				return fmt.Errorf("--count must be positive")
			}

			b, err := openBus(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer b.Close()

			size := int(count) * int(opts.blockSize)
			src := bytes.Repeat([]byte{pattern}, size)
			for i := range src {
				src[i] ^= byte(i / int(opts.blockSize))
			}

			w := cmd.OutOrStdout()
			start := time.Now()
			if !opts.readOnly {
				if err := b.disk.WriteBlocks(cmd.Context(), src, lba, count); err != nil {
					return fmt.Errorf("write: %w", err)
				}
				fmt.Fprintf(w, "wrote %d blocks at %d in %v\n", count, lba, time.Since(start))
			}

			dst := make([]byte, size)
			start = time.Now()
			if err := b.disk.ReadBlocks(cmd.Context(), dst, lba, count); err != nil {
				return fmt.Errorf("read: %w", err)
			}
			fmt.Fprintf(w, "read %d blocks at %d in %v\n", count, lba, time.Since(start))

			if !opts.readOnly && !bytes.Equal(src, dst) {
				return fmt.Errorf("read back differs from written data")
			}

			st := b.ctrl.Stats()
			fmt.Fprintf(w, "bus: %d commands, %d stalls, %d halts cleared, %d resets\n",
				st.Commands, st.Stalls, st.ClearHalt, st.Resets)
			return nil
		},
	}

	cmd.Flags().Uint32Var(&lba, "lba", 0, "first block")
	cmd.Flags().Uint32Var(&count, "count", 8, "number of blocks")
	cmd.Flags().Uint8Var(&pattern, "pattern", 0xA5, "fill byte")
	return cmd
}
