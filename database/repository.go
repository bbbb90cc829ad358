package database

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"track-record-engine/checkpoint"
	"track-record-engine/ledger"
	"track-record-engine/storage"
)

// LedgerRepository handles database operations for instances, events, states
// and checkpoints.
type LedgerRepository struct {
	db *Database
}

// NewLedgerRepository creates a new ledger repository
func NewLedgerRepository(db *Database) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateInstance registers an instance.
func (r *LedgerRepository) CreateInstance(ctx context.Context, instance storage.Instance) error {
	row := Instance{ID: instance.ID, Name: instance.Name, CreatedAt: instance.CreatedAt.UTC()}
	if err := r.db.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return &ledger.ConflictError{Kind: ledger.ConflictDuplicate, Reason: "instance already exists", Err: err}
		}
		return WrapDBError("CreateInstance", err)
	}
	return nil
}

// GetInstance returns an instance or a NotFoundError.
func (r *LedgerRepository) GetInstance(ctx context.Context, id string) (storage.Instance, error) {
	var row Instance
	err := r.db.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.Instance{}, NewNotFoundErrorWithID("instance", id)
	}
	if err != nil {
		return storage.Instance{}, WrapDBError("GetInstance", err)
	}
	return row.toStorage(), nil
}

// WithinTx runs fn in one transaction. On PostgreSQL it is SERIALIZABLE; a lost
// race on either the statements or the commit becomes a retryable conflict.
func (r *LedgerRepository) WithinTx(ctx context.Context, fn func(tx storage.LedgerTx) error) error {
	var opts []*sql.TxOptions
	if r.db.isPostgres() {
		opts = append(opts, &sql.TxOptions{Isolation: sql.LevelSerializable})
	}
	err := r.db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&ledgerTx{db: tx})
	}, opts...)
	if err == nil {
		return nil
	}
	var conflict *ledger.ConflictError
	if errors.As(err, &conflict) {
		return err
	}
	if isSerializationFailure(err) {
		return serializationConflict(err)
	}
	return err
}

type ledgerTx struct {
	db *gorm.DB
}

func (t *ledgerTx) LoadState(ctx context.Context, instanceID string) (ledger.State, bool, error) {
	var row State
	err := t.db.WithContext(ctx).Where("instance_id = ?", instanceID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.State{}, false, nil
	}
	if err != nil {
		return ledger.State{}, false, WrapDBError("LoadState", err)
	}
	return row.toLedger(), true, nil
}

func (t *ledgerTx) EventHashAt(ctx context.Context, instanceID string, seqNo int64) (string, bool, error) {
	var row Event
	err := t.db.WithContext(ctx).
		Select("event_hash").
		Where("instance_id = ? AND seq_no = ?", instanceID, seqNo).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, WrapDBError("EventHashAt", err)
	}
	return row.EventHash, true, nil
}

func (t *ledgerTx) AppendEvent(ctx context.Context, e ledger.Event) error {
	row := eventRow(e)
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isSerializationFailure(err) {
			return serializationConflict(err)
		}
		return WrapDBError("AppendEvent", err)
	}
	return nil
}

func (t *ledgerTx) SaveState(ctx context.Context, state ledger.State, created bool) error {
	row := stateRow(state)
	db := t.db.WithContext(ctx)
	if created {
		if err := db.Create(&row).Error; err != nil {
			if isSerializationFailure(err) {
				return serializationConflict(err)
			}
			return WrapDBError("SaveState", err)
		}
		return nil
	}
	// The row was read in this transaction; matching on last_seq_no makes a
	// concurrent advance visible even without serializable isolation.
	res := db.Model(&State{}).
		Where("instance_id = ? AND last_seq_no = ?", state.InstanceID, state.LastSeqNo-1).
		Select("*").
		Omit("instance_id").
		Updates(&row)
	if res.Error != nil {
		if isSerializationFailure(res.Error) {
			return serializationConflict(res.Error)
		}
		return WrapDBError("SaveState", res.Error)
	}
	if res.RowsAffected != 1 {
		return serializationConflict(errors.Errorf("state of %s moved during append", state.InstanceID))
	}
	return nil
}

func (t *ledgerTx) SaveCheckpoint(ctx context.Context, cp checkpoint.Checkpoint) error {
	row, err := checkpointRow(cp)
	if err != nil {
		return err
	}
	if err := t.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isSerializationFailure(err) {
			return serializationConflict(err)
		}
		return WrapDBError("SaveCheckpoint", err)
	}
	return nil
}

// GetState returns the committed aggregate row.
func (r *LedgerRepository) GetState(ctx context.Context, instanceID string) (ledger.State, bool, error) {
	return (&ledgerTx{db: r.db.db}).LoadState(ctx, instanceID)
}

// CountEvents returns the chain length.
func (r *LedgerRepository) CountEvents(ctx context.Context, instanceID string) (int64, error) {
	var n int64
	if err := r.db.db.WithContext(ctx).Model(&Event{}).Where("instance_id = ?", instanceID).Count(&n).Error; err != nil {
		return 0, WrapDBError("CountEvents", err)
	}
	return n, nil
}

// ListEvents returns up to limit committed events after afterSeq, in order.
// A limit of zero means no limit.
func (r *LedgerRepository) ListEvents(ctx context.Context, instanceID string, afterSeq int64, limit int) ([]ledger.Event, error) {
	q := r.db.db.WithContext(ctx).
		Where("instance_id = ? AND seq_no > ?", instanceID, afterSeq).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "seq_no"}})
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []Event
	if err := q.Find(&rows).Error; err != nil {
		return nil, WrapDBError("ListEvents", err)
	}
	events := make([]ledger.Event, len(rows))
	for i, row := range rows {
		events[i] = row.toLedger()
	}
	return events, nil
}

// LatestCheckpoint returns the checkpoint with the highest seqNo.
func (r *LedgerRepository) LatestCheckpoint(ctx context.Context, instanceID string) (checkpoint.Checkpoint, bool, error) {
	var row Checkpoint
	err := r.db.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("seq_no DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, WrapDBError("LatestCheckpoint", err)
	}
	cp, err := row.toCheckpoint()
	if err != nil {
		return checkpoint.Checkpoint{}, false, err
	}
	return cp, true, nil
}

// ListCheckpoints returns all checkpoints of an instance in seqNo order.
func (r *LedgerRepository) ListCheckpoints(ctx context.Context, instanceID string) ([]checkpoint.Checkpoint, error) {
	var rows []Checkpoint
	if err := r.db.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("seq_no").Find(&rows).Error; err != nil {
		return nil, WrapDBError("ListCheckpoints", err)
	}
	out := make([]checkpoint.Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := row.toCheckpoint()
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}
