package simulator

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// DefaultChunkSize is the number of parameter rows simulated per task.
const DefaultChunkSize = 200

// Runner simulates a parameter batch in fixed-size chunks on a bounded pool of
// goroutines. Chunk k always uses an RNG derived from (seed, k), so the output
// does not depend on Workers.
type Runner struct {
	// Workers bounds concurrent chunks; values below one use GOMAXPROCS.
	Workers int
	// ChunkSize defaults to DefaultChunkSize.
	ChunkSize int
	// OnChunk, if set, is called with the row count of each finished chunk.
	// It runs on worker goroutines and must be safe for concurrent use.
	OnChunk func(rows int)
}

// Run simulates every row of theta with the given worker count.
func Run(ctx context.Context, sim Simulator, theta *mat.Dense, seed int64, workers int) (*mat.Dense, error) {
	return Runner{Workers: workers}.Run(ctx, sim, theta, seed)
}

// Run simulates every row of theta. The first chunk error, or the context
// error, cancels the remaining chunks and is returned.
func (r Runner) Run(ctx context.Context, sim Simulator, theta *mat.Dense, seed int64) (*mat.Dense, error) {
	n, d := theta.Dims()
	obsDim := sim.ObsDim(d)
	chunk := r.ChunkSize
	if chunk < 1 {
		chunk = DefaultChunkSize
	}
	workers := r.Workers
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	chunks := (n + chunk - 1) / chunk
	logrus.Debugf("simulating %d rows in %d chunks on %d workers", n, chunks, workers)

	out := mat.NewDense(n, obsDim, nil)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for k := 0; k < chunks; k++ {
		lo := k * chunk
		hi := min(lo+chunk, n)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			part := mat.DenseCopyOf(theta.Slice(lo, hi, 0, d))
			x, err := sim.Simulate(part, rand.New(rand.NewSource(ChunkSeed(seed, k))))
			if err != nil {
				return fmt.Errorf("chunk %d (rows %d-%d): %w", k, lo, hi-1, err)
			}
			if xr, xc := x.Dims(); xr != hi-lo || xc != obsDim {
				return fmt.Errorf("chunk %d: simulator returned %dx%d, want %dx%d", k, xr, xc, hi-lo, obsDim)
			}
			// chunks own disjoint rows of out
			out.Slice(lo, hi, 0, obsDim).(*mat.Dense).Copy(x)
			if r.OnChunk != nil {
				r.OnChunk(hi - lo)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ChunkSeed derives the RNG seed of chunk k: seed XOR fnv1a64("chunk_<k>").
func ChunkSeed(seed int64, k int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "chunk_%d", k)
	return seed ^ int64(h.Sum64())
}
