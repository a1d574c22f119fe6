// Package fetcher is the concurrent block-fetcher pool: a small worker
// pool (size workers_cap) pulls block JSON from the node by level and
// hands it to a single downstream consumer, matching spec.md §4.5/§5 —
// bounded channels on both sides of the pool provide the backpressure
// that keeps a stalled consumer (a slow DB commit) from letting workers
// run away with memory.
package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"quepasa/internal/nodeclient"
)

// LevelMeta is a block's chain-identity metadata, lifted from its
// header.
type LevelMeta struct {
	Level    int64
	Hash     string
	PrevHash string
	BakedAt  time.Time
}

// Block is one level's raw data: its flattened operation groups, left
// unparsed for internal/executor to attribute to tracked contracts.
type Block struct {
	Level      int64
	Operations []json.RawMessage
}

// Result is one item of a pool's output stream: either a successfully
// fetched level, or a permanent failure that ends the pool.
type Result struct {
	Level int64
	Meta  *LevelMeta
	Block *Block
	Err   error
}

// Config controls the pool's concurrency.
type Config struct {
	// WorkersCap is the number of concurrent fetch workers, and also
	// the capacity of both the input and output channels (spec.md
	// §4.5: "Out's capacity equals workers_cap").
	WorkersCap int
}

// Pool fetches blocks from a node concurrently.
type Pool struct {
	client *nodeclient.Client
	cfg    Config
}

// NewPool builds a Pool. WorkersCap below 1 is clamped to 1.
func NewPool(client *nodeclient.Client, cfg Config) *Pool {
	if cfg.WorkersCap < 1 {
		cfg.WorkersCap = 1
	}
	return &Pool{client: client, cfg: cfg}
}

// Start spawns WorkersCap workers pulling from levels and returns the
// channel they publish Results to. The returned channel is closed once
// levels is drained and every in-flight fetch has completed, or as soon
// as one worker hits a permanent failure (its Result is still
// delivered before the channel closes).
//
// Order is not preserved: levels are handed out to whichever worker is
// free next, and results arrive as each worker finishes, not in level
// order. internal/executor's per-block hash-chain check is what makes
// that safe to consume directly.
func (p *Pool) Start(ctx context.Context, levels <-chan int64) <-chan Result {
	out := make(chan Result, p.cfg.WorkersCap)
	cctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	var failOnce sync.Once
	for i := 0; i < p.cfg.WorkersCap; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-cctx.Done():
					return
				case level, ok := <-levels:
					if !ok {
						return
					}
					res := p.fetch(cctx, level)
					select {
					case out <- res:
					case <-cctx.Done():
						return
					}
					if res.Err != nil {
						failOnce.Do(cancel)
						return
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out
}

func (p *Pool) fetch(ctx context.Context, level int64) Result {
	header, err := p.client.BlockHeader(ctx, level)
	if err != nil {
		return Result{Level: level, Err: fmt.Errorf("fetcher: fetch header for level %d: %w", level, err)}
	}
	ops, err := p.client.BlockOperations(ctx, level)
	if err != nil {
		return Result{Level: level, Err: fmt.Errorf("fetcher: fetch operations for level %d: %w", level, err)}
	}
	return Result{
		Level: level,
		Meta: &LevelMeta{
			Level:    header.Level,
			Hash:     header.Hash,
			PrevHash: header.Predecessor,
			BakedAt:  header.Timestamp,
		},
		Block: &Block{Level: header.Level, Operations: ops},
	}
}

// FeedLevels sends every level in levels to a fresh WorkersCap-capacity
// channel and closes it once sent, dropping any level below floor (the
// caller's current level_floor). It returns the channel for Start to
// consume; run as a goroutine so a slow/blocked consumer doesn't
// deadlock the send.
func FeedLevels(ctx context.Context, levels []int64, floor int64, capacity int) <-chan int64 {
	if capacity < 1 {
		capacity = 1
	}
	ch := make(chan int64, capacity)
	go func() {
		defer close(ch)
		for _, l := range levels {
			if l < floor {
				continue
			}
			select {
			case ch <- l:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
