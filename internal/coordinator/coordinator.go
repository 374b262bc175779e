// Package coordinator drives a PCD state machine from Keeper events. When the
// Keeper reports a completed sync, the coordinator fetches the missing block
// deltas from a DeltaSource and applies them in height order.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/10yihang/pcdsync/internal/keeper"
	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "coordinator")

// DeltaSource supplies block deltas.
type DeltaSource interface {
	// Deltas returns the deltas with from < block_height <= to, sorted by
	// height.
	Deltas(ctx context.Context, from, to uint64) ([]pcd.BlockDelta, error)
}

// EventSource is the subset of *keeper.Client the coordinator listens to.
type EventSource interface {
	OnEvent(fn func(keeper.Event)) func()
}

type CatchUpStatus int

const (
	CatchUpIdle CatchUpStatus = iota
	CatchUpRunning
	CatchUpCompleted
	CatchUpFailed
)

func (s CatchUpStatus) String() string {
	switch s {
	case CatchUpRunning:
		return "running"
	case CatchUpCompleted:
		return "completed"
	case CatchUpFailed:
		return "failed"
	default:
		return "idle"
	}
}

// Progress describes the most recent catch-up run.
type Progress struct {
	FromHeight uint64
	Target     uint64
	Applied    int
	Status     CatchUpStatus
	LastError  string
	StartTime  time.Time
	EndTime    time.Time
}

// Config holds coordinator configuration
type Config struct {
	// VerifyAfterApply runs Verify after each automatic catch-up.
	VerifyAfterApply bool

	// ApplyTimeout bounds one catch-up run. Zero means no limit.
	ApplyTimeout time.Duration
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ApplyTimeout: 10 * time.Minute,
	}
}

// Coordinator serializes every proof-affecting call on a Machine. Keeper
// events only record a target height; catch-up runs on the coordinator's
// own goroutine so observers never block the Keeper read loop.
type Coordinator struct {
	cfg     *Config
	machine *pcd.Machine
	source  DeltaSource

	// opMu serializes Initialize, ApplyDelta, Verify, import, reset and
	// catch-up.
	opMu sync.Mutex

	mu       sync.Mutex
	target   uint64
	progress Progress
	detach   []func()

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(machine *pcd.Machine, source DeltaSource, cfg *Config) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:     cfg,
		machine: machine,
		source:  source,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Machine returns the coordinated state machine. Reads are safe at any time;
// mutations must go through the coordinator.
func (c *Coordinator) Machine() *pcd.Machine {
	return c.machine
}

// Attach subscribes to sync_completed events from src.
func (c *Coordinator) Attach(src EventSource) {
	unsub := src.OnEvent(c.handleEvent)
	c.mu.Lock()
	c.detach = append(c.detach, unsub)
	c.mu.Unlock()
}

// Start launches the catch-up worker.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.run()
}

// Stop detaches from every event source and waits for an in-flight
// catch-up to observe cancellation.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	detach := c.detach
	c.detach = nil
	c.mu.Unlock()
	for _, fn := range detach {
		fn()
	}

	c.cancel()
	c.wg.Wait()
}

// Progress returns a copy of the most recent catch-up progress.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Initialize starts a new chain.
func (c *Coordinator) Initialize(ctx context.Context, notes []pcd.NoteIdentifier) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.machine.Initialize(ctx, notes)
}

// ApplyDelta applies a single delta.
func (c *Coordinator) ApplyDelta(ctx context.Context, delta pcd.BlockDelta) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.machine.ApplyDelta(ctx, delta)
}

// Verify checks the current proof.
func (c *Coordinator) Verify(ctx context.Context) (bool, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.machine.Verify(ctx)
}

// ImportSnapshot replaces the tuple with an exported snapshot.
func (c *Coordinator) ImportSnapshot(ctx context.Context, data []byte) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.machine.ImportSnapshot(ctx, data)
}

// Reset clears the machine and its durable record.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	return c.machine.Reset(ctx)
}

// CatchUp applies every delta above the machine's height up to target. It
// returns the number of deltas applied. An uninitialized machine is left
// alone.
func (c *Coordinator) CatchUp(ctx context.Context, target uint64) (int, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if !c.machine.IsInitialized() {
		log.WithField("target", target).Debug("Machine not initialized, skipping catch-up")
		return 0, nil
	}
	from := c.machine.Height()
	if target <= from {
		return 0, nil
	}

	c.mu.Lock()
	c.progress = Progress{
		FromHeight: from,
		Target:     target,
		Status:     CatchUpRunning,
		StartTime:  time.Now(),
	}
	c.mu.Unlock()

	applied, err := c.catchUpLocked(ctx, from, target)

	c.mu.Lock()
	c.progress.Applied = applied
	c.progress.EndTime = time.Now()
	if err != nil {
		c.progress.Status = CatchUpFailed
		c.progress.LastError = err.Error()
	} else {
		c.progress.Status = CatchUpCompleted
	}
	c.mu.Unlock()

	return applied, err
}

func (c *Coordinator) catchUpLocked(ctx context.Context, from, target uint64) (int, error) {
	deltas, err := c.source.Deltas(ctx, from, target)
	if err != nil {
		return 0, fmt.Errorf("fetch deltas (%d, %d]: %w", from, target, err)
	}

	applied := 0
	for _, d := range deltas {
		select {
		case <-ctx.Done():
			return applied, ctx.Err()
		default:
		}

		if d.BlockHeight <= c.machine.Height() {
			continue
		}
		if err := c.machine.ApplyDelta(ctx, d); err != nil {
			return applied, fmt.Errorf("apply delta at height %d: %w", d.BlockHeight, err)
		}
		applied++
	}

	fields := logrus.Fields{
		"from":    from,
		"target":  target,
		"applied": applied,
		"height":  c.machine.Height(),
	}
	if c.machine.Height() < target {
		log.WithFields(fields).Warn("Delta source is behind the keeper")
	} else {
		log.WithFields(fields).Info("Caught up with keeper")
	}

	if c.cfg.VerifyAfterApply && applied > 0 {
		valid, err := c.machine.Verify(ctx)
		if err != nil {
			log.WithError(err).Error("Post-apply verification failed")
		} else {
			log.WithField("valid", valid).Info("Post-apply verification")
		}
	}
	return applied, nil
}

func (c *Coordinator) handleEvent(ev keeper.Event) {
	if ev.Type != keeper.EventSyncCompleted {
		return
	}
	var d keeper.SyncCompletedData
	if err := ev.Decode(&d); err != nil {
		log.WithError(err).Warn("Could not decode sync_completed payload")
		return
	}
	if !d.Success {
		log.WithField("error", d.Error).Warn("Keeper sync failed")
		return
	}

	c.mu.Lock()
	if d.NewHeight > c.target {
		c.target = d.NewHeight
	}
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		c.mu.Lock()
		target := c.target
		c.mu.Unlock()

		ctx := c.ctx
		var cancel context.CancelFunc
		if c.cfg.ApplyTimeout > 0 {
			ctx, cancel = context.WithTimeout(c.ctx, c.cfg.ApplyTimeout)
		}
		if _, err := c.CatchUp(ctx, target); err != nil {
			log.WithError(err).WithField("target", target).Error("Catch-up failed")
		}
		if cancel != nil {
			cancel()
		}
	}
}
