// Package pcd implements the client-side PCD state machine. The Machine owns
// the canonical (state, proof, notes, nullifiers) tuple, mediates every
// change through a ProofService and persists the tuple after each successful
// transition.
package pcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/10yihang/pcdsync/internal/metrics"
	"github.com/10yihang/pcdsync/internal/store"
	errs "github.com/10yihang/pcdsync/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "pcd")

// Status is the machine's current activity.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusGeneratingProof Status = "generating_proof"
	StatusSyncing         Status = "syncing"
	StatusVerifying       Status = "verifying"
	StatusError           Status = "error"
)

// Machine is the PCD state machine.
//
// The mutex guards fields only and is never held across a proof service or
// store call. Proof-affecting operations (Initialize, ApplyDelta, Verify,
// ImportSnapshot, Reset) are not queued: callers serialize them.
type Machine struct {
	cfg   *Config
	svc   ProofService
	store store.Store
	now   func() time.Time

	mu          sync.RWMutex
	state       *PcdState
	notes       []NoteIdentifier
	nullifiers  []NullifierIdentifier
	updatedAt   int64
	initialized bool
	status      Status
	lastErr     error
}

// New creates an uninitialized machine. Call Load to restore a persisted
// snapshot.
func New(svc ProofService, st store.Store, cfg *Config) *Machine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.StorageKey == "" {
		cfg.StorageKey = DefaultStorageKey
	}
	if cfg.PrevProofPolicy == "" {
		cfg.PrevProofPolicy = PrevProofWarn
	}
	return &Machine{
		cfg:    cfg,
		svc:    svc,
		store:  st,
		now:    time.Now,
		status: StatusIdle,
	}
}

// Load restores the persisted snapshot. A missing record leaves the machine
// uninitialized. A record that fails validation returns ErrMalformedSnapshot
// and leaves the machine untouched.
func (m *Machine) Load(ctx context.Context) error {
	data, err := m.store.Get(ctx, m.cfg.StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		log.Debug("No persisted PCD state")
		return nil
	}
	if err != nil {
		return m.fail("load", fmt.Errorf("read pcd state: %w", err))
	}

	ps, err := decodeSnapshot(data)
	if err != nil {
		return m.fail("load", err)
	}

	m.commit(ps)
	log.WithFields(logrus.Fields{
		"height":      ps.PcdState.WalletState.Height,
		"chainLength": ps.PcdState.ChainLength,
		"notes":       len(ps.Notes),
	}).Info("Loaded persisted PCD state")
	return nil
}

// Initialize starts a new chain over the given notes, replacing any existing
// tuple.
func (m *Machine) Initialize(ctx context.Context, notes []NoteIdentifier) error {
	m.setStatus(StatusGeneratingProof)

	start := time.Now()
	st, err := m.svc.Init(ctx, notes)
	metrics.RecordProofCall("init", time.Since(start))
	if err != nil {
		return m.fail("initialize", fmt.Errorf("%w: init: %w", errs.ErrProofService, err))
	}
	if st == nil {
		return m.fail("initialize", fmt.Errorf("%w: init returned no state", errs.ErrProofService))
	}

	ps := &PersistedState{
		PcdState:   st,
		Notes:      cloneNotes(notes),
		Nullifiers: []NullifierIdentifier{},
		UpdatedAt:  m.now().UnixMilli(),
	}
	if err := m.persist(ctx, ps); err != nil {
		return m.fail("initialize", err)
	}

	m.commit(ps)
	metrics.RecordTransition("initialize", true)
	log.WithFields(logrus.Fields{
		"sGenesis": st.SGenesis,
		"notes":    len(ps.Notes),
	}).Info("Initialized PCD chain")
	return nil
}

// ApplyDelta proves one block transition and advances the tuple.
func (m *Machine) ApplyDelta(ctx context.Context, delta BlockDelta) error {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return errs.ErrNotInitialized
	}
	req := &UpdateRequest{
		State:      m.state.Clone(),
		Delta:      delta,
		Notes:      cloneNotes(m.notes),
		Nullifiers: cloneNullifiers(m.nullifiers),
	}
	m.status = StatusSyncing
	m.mu.Unlock()

	start := time.Now()
	res, err := m.svc.Update(ctx, req)
	metrics.RecordProofCall("update", time.Since(start))
	if err != nil {
		return m.fail("apply_delta", fmt.Errorf("%w: update: %w", errs.ErrProofService, err))
	}
	if res == nil || res.State == nil {
		return m.fail("apply_delta", fmt.Errorf("%w: update returned no state", errs.ErrProofService))
	}

	if !res.PrevProofVerified {
		metrics.RecordPrevProofUnverified()
		fields := logrus.Fields{
			"blockHeight": delta.BlockHeight,
			"sPrev":       req.State.SCurrent,
		}
		if m.cfg.PrevProofPolicy == PrevProofReject {
			log.WithFields(fields).Error("Previous proof failed verification, rejecting update")
			return m.fail("apply_delta", fmt.Errorf("%w: previous proof at height %d did not verify",
				errs.ErrVerificationFailed, req.State.WalletState.Height))
		}
		log.WithFields(fields).Warn("Previous proof failed verification, continuing with new state")
	}

	ps := &PersistedState{
		PcdState:   res.State,
		Notes:      NextNotes(req.Notes, delta),
		Nullifiers: NextNullifiers(req.Nullifiers, delta),
		UpdatedAt:  m.now().UnixMilli(),
	}
	if err := m.persist(ctx, ps); err != nil {
		return m.fail("apply_delta", err)
	}

	m.commit(ps)
	metrics.RecordTransition("apply_delta", true)
	log.WithFields(logrus.Fields{
		"height":      res.State.WalletState.Height,
		"chainLength": res.State.ChainLength,
		"newNotes":    len(delta.NewNotes),
		"spent":       len(delta.SpentNullifiers),
	}).Info("Applied block delta")
	return nil
}

// Verify asks the proof service to check the current proof. It never changes
// the tuple or the store. An invalid proof returns (false, nil).
func (m *Machine) Verify(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if !m.initialized {
		m.mu.Unlock()
		return false, errs.ErrNotInitialized
	}
	st := m.state.Clone()
	m.status = StatusVerifying
	m.mu.Unlock()

	start := time.Now()
	res, err := m.svc.Verify(ctx, st)
	metrics.RecordProofCall("verify", time.Since(start))
	if err != nil {
		return false, m.fail("verify", fmt.Errorf("%w: verify: %w", errs.ErrProofService, err))
	}
	if res == nil {
		return false, m.fail("verify", fmt.Errorf("%w: verify returned no result", errs.ErrProofService))
	}

	m.mu.Lock()
	m.status = StatusIdle
	m.lastErr = nil
	m.mu.Unlock()

	metrics.RecordTransition("verify", true)
	if !res.Valid {
		log.WithFields(logrus.Fields{
			"sCurrent": st.SCurrent,
			"reason":   res.Error,
		}).Warn("PCD proof is not valid")
	}
	return res.Valid, nil
}

// ExportSnapshot returns the current tuple as a JSON PersistedState.
func (m *Machine) ExportSnapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.initialized {
		return nil, errs.ErrNotInitialized
	}
	return json.Marshal(m.snapshotLocked())
}

// ImportSnapshot validates and installs a snapshot produced by
// ExportSnapshot, replacing any existing tuple.
func (m *Machine) ImportSnapshot(ctx context.Context, data []byte) error {
	ps, err := decodeSnapshot(data)
	if err != nil {
		return m.fail("import", err)
	}
	if ps.UpdatedAt == 0 {
		ps.UpdatedAt = m.now().UnixMilli()
	}

	if err := m.persist(ctx, ps); err != nil {
		return m.fail("import", err)
	}

	m.commit(ps)
	metrics.RecordTransition("import", true)
	log.WithFields(logrus.Fields{
		"height":      ps.PcdState.WalletState.Height,
		"chainLength": ps.PcdState.ChainLength,
	}).Info("Imported PCD snapshot")
	return nil
}

// Reset deletes the durable record and returns the machine to the
// uninitialized default.
func (m *Machine) Reset(ctx context.Context) error {
	if err := m.store.Delete(ctx, m.cfg.StorageKey); err != nil {
		return m.fail("reset", fmt.Errorf("delete pcd state: %w", err))
	}

	m.mu.Lock()
	m.state = nil
	m.notes = nil
	m.nullifiers = nil
	m.updatedAt = 0
	m.initialized = false
	m.status = StatusIdle
	m.lastErr = nil
	m.mu.Unlock()

	metrics.RecordTransition("reset", true)
	metrics.RecordChain(0, 0)
	log.Info("Reset PCD state")
	return nil
}

// State returns a copy of the current PcdState, or nil when uninitialized.
func (m *Machine) State() *PcdState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Notes returns a copy of the unspent note set.
func (m *Machine) Notes() []NoteIdentifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneNotes(m.notes)
}

// Nullifiers returns a copy of the spent nullifier ledger.
func (m *Machine) Nullifiers() []NullifierIdentifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneNullifiers(m.nullifiers)
}

func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// LastError returns the error that put the machine into StatusError.
func (m *Machine) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

func (m *Machine) IsInitialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// Height returns the last processed block height.
func (m *Machine) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return 0
	}
	return m.state.WalletState.Height
}

func (m *Machine) ChainLength() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return 0
	}
	return m.state.ChainLength
}

// Balance sums the values of unspent notes.
func (m *Machine) Balance() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Balance(m.notes)
}

// UpdatedAt returns the time of the last persisted transition.
func (m *Machine) UpdatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.updatedAt == 0 {
		return time.Time{}
	}
	return time.UnixMilli(m.updatedAt)
}

func (m *Machine) persist(ctx context.Context, ps *PersistedState) error {
	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("encode pcd state: %w", err)
	}
	if err := m.store.Set(ctx, m.cfg.StorageKey, data); err != nil {
		return fmt.Errorf("persist pcd state: %w", err)
	}
	return nil
}

// commit installs ps as the canonical tuple. Only called after ps was
// persisted or read from the store.
func (m *Machine) commit(ps *PersistedState) {
	m.mu.Lock()
	m.state = ps.PcdState
	m.notes = ps.Notes
	m.nullifiers = ps.Nullifiers
	m.updatedAt = ps.UpdatedAt
	m.initialized = true
	m.status = StatusIdle
	m.lastErr = nil
	m.mu.Unlock()

	metrics.RecordChain(ps.PcdState.WalletState.Height, ps.PcdState.ChainLength)
}

func (m *Machine) fail(op string, err error) error {
	m.mu.Lock()
	m.status = StatusError
	m.lastErr = err
	m.mu.Unlock()

	metrics.RecordTransition(op, false)
	log.WithError(err).WithField("op", op).Error("PCD operation failed")
	return err
}

func (m *Machine) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

func (m *Machine) snapshotLocked() *PersistedState {
	return &PersistedState{
		PcdState:   m.state,
		Notes:      nonNilNotes(m.notes),
		Nullifiers: nonNilNullifiers(m.nullifiers),
		UpdatedAt:  m.updatedAt,
	}
}

func cloneNotes(notes []NoteIdentifier) []NoteIdentifier {
	return append(make([]NoteIdentifier, 0, len(notes)), notes...)
}

func cloneNullifiers(nfs []NullifierIdentifier) []NullifierIdentifier {
	return append(make([]NullifierIdentifier, 0, len(nfs)), nfs...)
}

func nonNilNotes(notes []NoteIdentifier) []NoteIdentifier {
	if notes == nil {
		return []NoteIdentifier{}
	}
	return notes
}

func nonNilNullifiers(nfs []NullifierIdentifier) []NullifierIdentifier {
	if nfs == nil {
		return []NullifierIdentifier{}
	}
	return nfs
}
