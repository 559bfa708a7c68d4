// Package batch fans an ordered work-item list out across healthy
// credentials and runs the batches concurrently through the executor.
//
// The coordinator performs no retry logic of its own: the executor guarantees
// eventual success or the explicit pinned-invalid signal, in which case the
// coordinator substitutes the next healthy credential. Only when no healthy
// credential remains does an item receive a terminal error placeholder.
package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"genpool/internal/executor"
	"genpool/internal/pool"
	logx "genpool/pkg/logx"
)

// WorkItem is one unit of generation work. The prompt text is opaque here.
type WorkItem struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Result is the outcome for one work item.
//
// Output is null only for a terminal placeholder (Error set). Parsed and
// Confidence are filled by the optional Parse hook; interpretation of the
// parsed payload is the caller's business.
type Result struct {
	ID         string  `json:"id"`
	Output     *string `json:"output"`
	Parsed     any     `json:"parsed,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
	TokensUsed int     `json:"tokens_used"`
	Credential string  `json:"credential,omitempty"`
}

// Progress is emitted after every batch completion.
type Progress struct {
	Phase                string           `json:"phase"`
	TotalItems           int              `json:"total_items"`
	ProcessedItems       int              `json:"processed_items"`
	CurrentBatch         int              `json:"current_batch"`
	TotalBatches         int              `json:"total_batches"`
	TimeElapsedMs        int64            `json:"time_elapsed_ms"`
	EstimatedRemainingMs int64            `json:"estimated_remaining_ms"`
	Credentials          []CredentialView `json:"credentials"`

	// StallReason is set only on "stalled" events, naming the exhaustion
	// the run is waiting out.
	StallReason string `json:"stall_reason,omitempty"`
}

// CredentialView is the per-credential quota snapshot in the progress stream.
type CredentialView struct {
	Label        string      `json:"label"`
	Status       pool.Status `json:"status"`
	RemainingPct float64     `json:"remaining_pct"`
}

// Config tunes the coordinator.
type Config struct {
	// BatchSize is the number of items per batch. Default 10.
	BatchSize int

	// Temperature forwarded to every generation call.
	Temperature float64

	// OnProgress receives a snapshot after each batch completes.
	OnProgress func(Progress)

	// Parse optionally post-processes generated text into a structured
	// payload plus a confidence score. A parse failure is not a scheduling
	// failure: the raw output is still returned alongside the error text.
	Parse func(text string) (parsed any, confidence float64, err error)
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	return c
}

// Snapshotter provides the per-credential quota view for progress events.
// Implemented by the scheduler context; nil is tolerated.
type Snapshotter interface {
	CredentialViews() []CredentialView
}

// Coordinator runs item batches through the executor.
type Coordinator struct {
	cfg  Config
	exec *executor.Executor
	pool *pool.Pool
	snap Snapshotter
	log  logx.Logger
	now  func() time.Time
}

type Option func(*Coordinator)

func WithLogger(log logx.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithSnapshotter(s Snapshotter) Option {
	return func(c *Coordinator) { c.snap = s }
}

func New(cfg Config, exec *executor.Executor, p *pool.Pool, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:  cfg.withDefaults(),
		exec: exec,
		pool: p,
		log:  logx.Nop(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run processes every item and returns one Result per item, in no guaranteed
// order. Batch b is pinned to healthy[b mod len(healthy)]; batches run
// concurrently with no inter-batch ordering dependency.
func (c *Coordinator) Run(ctx context.Context, items []WorkItem, healthy []*pool.Credential) ([]Result, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if len(healthy) == 0 {
		return nil, errors.New("batch: no healthy credentials")
	}

	runID := uuid.NewString()
	items = withIDs(items)
	batches := splitBatches(items, c.cfg.BatchSize)
	start := c.now()

	c.log.Info("batch.run_started",
		logx.String("run_id", runID),
		logx.Int("items", len(items)),
		logx.Int("batches", len(batches)),
		logx.Int("credentials", len(healthy)))

	var (
		mu        sync.Mutex
		results   = make([]Result, 0, len(items))
		processed int
		doneBatch int
	)

	var wg sync.WaitGroup
	for bi, b := range batches {
		wg.Add(1)
		go func(bi int, batch []WorkItem) {
			defer wg.Done()
			pinned := healthy[bi%len(healthy)]

			for _, item := range batch {
				res := c.runOne(ctx, item, pinned)

				mu.Lock()
				results = append(results, res)
				processed++
				mu.Unlock()
			}

			mu.Lock()
			doneBatch++
			cur, done := doneBatch, processed
			mu.Unlock()
			c.emitProgress(start, len(items), done, cur, len(batches))
		}(bi, b)
	}
	wg.Wait()

	c.log.Info("batch.run_finished",
		logx.String("run_id", runID),
		logx.Int("items", len(items)),
		logx.Duration("took", c.now().Sub(start)))

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// runOne executes a single item, substituting pinned credentials when the
// executor reports one as permanently invalid.
func (c *Coordinator) runOne(ctx context.Context, item WorkItem, pinned *pool.Credential) Result {
	for {
		res, err := c.exec.Execute(ctx, item.Prompt, c.cfg.Temperature, pinned)
		if err == nil {
			out := Result{ID: item.ID, Output: &res.Text, TokensUsed: res.TokensUsed, Credential: res.Credential}
			if c.cfg.Parse != nil {
				parsed, conf, perr := c.cfg.Parse(res.Text)
				if perr != nil {
					out.Error = fmt.Sprintf("parse: %v", perr)
				} else {
					out.Parsed = parsed
					out.Confidence = conf
				}
			}
			return out
		}
		if errors.Is(err, executor.ErrPinnedInvalid) {
			if next := c.substitute(pinned); next != nil {
				c.log.Warn("batch.pin_substituted",
					logx.String("item", item.ID),
					logx.String("from", pinned.Label()),
					logx.String("to", next.Label()))
				pinned = next
				continue
			}
			return Result{ID: item.ID, Error: "no usable credential remains"}
		}
		// Context cancellation is the only other executor error.
		return Result{ID: item.ID, Error: err.Error()}
	}
}

// substitute picks a currently available credential different from the dead
// pin. The invalid credential has already left the available set.
func (c *Coordinator) substitute(dead *pool.Credential) *pool.Credential {
	for _, cand := range c.pool.AllAvailable() {
		if cand != dead {
			return cand
		}
	}
	return nil
}

func (c *Coordinator) emitProgress(start time.Time, total, processed, currentBatch, totalBatches int) {
	if c.cfg.OnProgress == nil {
		return
	}
	elapsed := c.now().Sub(start).Milliseconds()
	var remaining int64
	if processed > 0 && processed < total {
		perItem := float64(elapsed) / float64(processed)
		remaining = int64(perItem * float64(total-processed))
	}
	p := Progress{
		Phase:                "processing",
		TotalItems:           total,
		ProcessedItems:       processed,
		CurrentBatch:         currentBatch,
		TotalBatches:         totalBatches,
		TimeElapsedMs:        elapsed,
		EstimatedRemainingMs: remaining,
	}
	if processed == total {
		p.Phase = "done"
	}
	if c.snap != nil {
		p.Credentials = c.snap.CredentialViews()
	}
	c.cfg.OnProgress(p)
}

// withIDs assigns ids to items that arrived without one.
func withIDs(items []WorkItem) []WorkItem {
	out := make([]WorkItem, len(items))
	copy(out, items)
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = uuid.NewString()
		}
	}
	return out
}

// splitBatches slices items into fixed-size batches, preserving input order
// within and across batches.
func splitBatches(items []WorkItem, size int) [][]WorkItem {
	if size <= 0 {
		size = 1
	}
	var out [][]WorkItem
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
