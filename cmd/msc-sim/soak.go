package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softusb-msc/host/hal/sim"
	"github.com/ardnew/softusb-msc/pkg"
)

// soakResult summarizes one bus.
type soakResult struct {
	ops     int
	blocks  uint64
	elapsed time.Duration
	stats   sim.Stats
}

func newSoakCmd(opts *options) *cobra.Command {
	var (
		buses      int
		iterations int
		maxBlocks  uint32
		seed       uint64
	)

	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Run random write/read/verify cycles on several independent buses",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if buses < 1 || iterations < 1 || maxBlocks < 1 {
				return fmt.Errorf("--buses, --iterations and --max-blocks must be positive")
			}
			if opts.image != "" && buses > 1 {
				return fmt.Errorf("--image serves a single bus")
			}
			if opts.readOnly {
				return fmt.Errorf("soak writes to the medium")
			}

			results := make([]soakResult, buses)
			g, ctx := errgroup.WithContext(cmd.Context())
			for i := 0; i < buses; i++ {
				g.Go(func() error {
					r, err := soakBus(ctx, opts, i, iterations, maxBlocks, seed)
					if err != nil {
						return fmt.Errorf("bus %d: %w", i, err)
					}
					results[i] = r
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for i, r := range results {
				fmt.Fprintf(w, "bus %d: %d ops, %d blocks in %v; %d commands, %d stalls, %d resets\n",
					i, r.ops, r.blocks, r.elapsed.Round(time.Millisecond),
					r.stats.Commands, r.stats.Stalls, r.stats.Resets)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&buses, "buses", 1, "independent buses to run concurrently")
	cmd.Flags().IntVar(&iterations, "iterations", 100, "write/read/verify cycles per bus")
	cmd.Flags().Uint32Var(&maxBlocks, "max-blocks", 16, "largest transfer in blocks")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "random seed")
	return cmd
}

// soakBus owns one host for its whole life; nothing in it is shared.
func soakBus(ctx context.Context, opts *options, id, iterations int, maxBlocks uint32, seed uint64) (soakResult, error) {
	b, err := openBus(ctx, opts)
	if err != nil {
		return soakResult{}, err
	}
	defer b.Close()

	info, err := b.disk.Info()
	if err != nil {
		return soakResult{}, err
	}
	total := info.BlockCount
	maxBlocks = uint32(min(uint64(maxBlocks), total))

	rng := rand.New(rand.NewPCG(seed, uint64(id)))
	src := make([]byte, int(maxBlocks)*int(info.BlockSize))
	dst := make([]byte, len(src))

	var res soakResult
	start := time.Now()
	for i := 0; i < iterations; i++ {
		count := 1 + rng.Uint32N(maxBlocks)
		lba := uint32(rng.Uint64N(total - uint64(count) + 1))
		size := int(count) * int(info.BlockSize)

		for j := range src[:size] {
			src[j] = byte(rng.Uint32())
		}
		if err := b.disk.WriteBlocks(ctx, src[:size], lba, count); err != nil {
			return res, fmt.Errorf("write %d+%d: %w", lba, count, err)
		}
		if err := b.disk.ReadBlocks(ctx, dst[:size], lba, count); err != nil {
			return res, fmt.Errorf("read %d+%d: %w", lba, count, err)
		}
		if !bytes.Equal(src[:size], dst[:size]) {
			return res, fmt.Errorf("verify %d+%d: data mismatch", lba, count)
		}

		res.ops++
		res.blocks += uint64(count)
	}
	res.elapsed = time.Since(start)
	res.stats = b.ctrl.Stats()

	pkg.LogInfo(pkg.ComponentSim, "soak finished",
		"bus", id,
		"ops", res.ops,
		"blocks", res.blocks,
		"elapsed", res.elapsed)
	return res, nil
}
