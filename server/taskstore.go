package server

import (
	"encoding/binary"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
	bolt "go.etcd.io/bbolt"

	"moor/store"
	"moor/task"
	"moor/types"
)

// taskRecordVersion is bumped whenever TaskRecord's wire shape changes, in
// the same style as vm/wire.go's Program encoding and rpc/envelope.go's
// envelopes.
const taskRecordVersion = 1

var tasksBucket = []byte("tasks")

// TaskStore durably records in-flight task bookkeeping in a dedicated
// bbolt bucket, independent of the relation store's MVCC partitions (a
// task's queue position isn't a versioned relation, just a row a crashed
// process should be able to read back).
//
// It is deliberately NOT a general task-resumption mechanism: a task
// suspended mid-bytecode can't be reconstructed from this record any more
// than db/writer_task.go's textdump checkpoint can reconstruct one (that
// writer has shipped 0 suspended tasks since it lacks source-line capture
// for the bytecode path). What TaskStore buys instead is operational
// visibility — on restart, an operator or monitoring tool can see which
// tasks were queued, suspended, or awaiting a worker reply when the
// process went down, even though none of them can be silently resumed.
type TaskStore struct {
	db *bolt.DB
}

// NewTaskStore opens (creating if absent) a bbolt file at path holding one
// bucket of TaskRecords keyed by big-endian task ID.
func NewTaskStore(path string) (*TaskStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "opening task store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tasksBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "creating tasks bucket")
	}
	return &TaskStore{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (ts *TaskStore) Close() error {
	return pkgerrors.Wrap(ts.db.Close(), "closing task store")
}

// Save upserts rec, keyed by its ID.
func (ts *TaskStore) Save(rec *TaskRecord) error {
	enc, err := rec.MarshalMsg(nil)
	if err != nil {
		return fmt.Errorf("marshal task record %d: %w", rec.ID, err)
	}
	return ts.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Put(taskKey(rec.ID), enc)
	})
}

// Delete removes id's record, if any. Called once a task reaches a
// terminal state (completed or killed) so the bucket only ever holds
// tasks a restart would actually need to report on.
func (ts *TaskStore) Delete(id int64) error {
	return ts.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tasksBucket).Delete(taskKey(id))
	})
}

// LoadAll returns every persisted record, in key (task ID) order. Intended
// for startup reporting, not task reconstruction — see TaskStore's doc
// comment.
func (ts *TaskStore) LoadAll() ([]*TaskRecord, error) {
	var recs []*TaskRecord
	err := ts.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(tasksBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec := &TaskRecord{}
			if _, err := rec.UnmarshalMsg(v); err != nil {
				return fmt.Errorf("unmarshal task record: %w", err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func taskKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

// TaskRecord is the bounded, honestly-scoped subset of task.Task that
// TaskStore persists: identity, scheduling state, resource accounting, and
// the verb-context a resumed command's traceback would want to show — not
// the bytecode VM's call stack, which stays in memory only.
type TaskRecord struct {
	ID             int64
	Owner          types.ObjID
	Kind           int
	State          int
	QueueTimeUnix  int64
	TicksUsed      int64
	TicksLimit     int64
	SecondsUsed    float64
	SecondsLimit   float64
	VerbName       string
	VerbLoc        types.ObjID
	This           types.ObjID
	Caller         types.ObjID
	Argstr         string
	Args           []string
	Dobjstr        string
	Dobj           types.ObjID
	Prepstr        string
	Iobjstr        string
	Iobj           types.ObjID
	Programmer     types.ObjID
	OutputSuffix   string

	HasTaskLocal bool
	TaskLocal    []byte // store.EncodeValue-encoded, present only if HasTaskLocal

	HasWakeValue bool
	WakeValue    []byte // store.EncodeValue-encoded, present only if HasWakeValue

	HasWorkerRequest     bool
	WorkerRequestKind    string
	WorkerRequestPerms   types.ObjID
	WorkerRequestPayload []byte // store.EncodeValue-encoded, present only if HasWorkerRequest
}

// NewTaskRecord snapshots t's persistable fields. Called with t's lock
// already held by the scheduler's own state-transition path (SetState,
// AwaitWorker, etc.), so it reads t's fields directly rather than through
// t's exported accessors.
func NewTaskRecord(t *task.Task) (*TaskRecord, error) {
	rec := &TaskRecord{
		ID:            t.ID,
		Owner:         t.Owner,
		Kind:          int(t.Kind),
		State:         int(t.State),
		QueueTimeUnix: t.QueueTime.Unix(),
		TicksUsed:     t.TicksUsed,
		TicksLimit:    t.TicksLimit,
		SecondsUsed:   t.SecondsUsed,
		SecondsLimit:  t.SecondsLimit,
		VerbName:      t.VerbName,
		VerbLoc:       t.VerbLoc,
		This:          t.This,
		Caller:        t.Caller,
		Argstr:        t.Argstr,
		Args:          append([]string{}, t.Args...),
		Dobjstr:       t.Dobjstr,
		Dobj:          t.Dobj,
		Prepstr:       t.Prepstr,
		Iobjstr:       t.Iobjstr,
		Iobj:          t.Iobj,
		Programmer:    t.Programmer,
		OutputSuffix:  t.CommandOutputSuffix,
	}

	if t.TaskLocal != nil {
		enc, err := store.EncodeValue(t.TaskLocal)
		if err != nil {
			return nil, fmt.Errorf("encode task_local for task %d: %w", t.ID, err)
		}
		rec.HasTaskLocal = true
		rec.TaskLocal = enc
	}

	if t.WakeValue != nil {
		enc, err := store.EncodeValue(t.WakeValue)
		if err != nil {
			return nil, fmt.Errorf("encode wake value for task %d: %w", t.ID, err)
		}
		rec.HasWakeValue = true
		rec.WakeValue = enc
	}

	if t.PendingWorkerRequest != nil {
		rec.HasWorkerRequest = true
		rec.WorkerRequestKind = t.PendingWorkerRequest.Kind
		rec.WorkerRequestPerms = t.PendingWorkerRequest.Perms
		if t.PendingWorkerRequest.Payload != nil {
			enc, err := store.EncodeValue(t.PendingWorkerRequest.Payload)
			if err != nil {
				return nil, fmt.Errorf("encode worker request payload for task %d: %w", t.ID, err)
			}
			rec.WorkerRequestPayload = enc
		}
	}

	return rec, nil
}

// MarshalMsg implements msgp.Marshaler by hand, in the same style as
// vm/wire.go and rpc/envelope.go: one versioned array, optional fields
// guarded by their own presence flag since store.EncodeValue has no
// encoding for a nil types.Value.
func (r *TaskRecord) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 31)
	o = msgp.AppendInt(o, taskRecordVersion)
	o = msgp.AppendInt64(o, r.ID)
	o = msgp.AppendInt64(o, int64(r.Owner))
	o = msgp.AppendInt(o, r.Kind)
	o = msgp.AppendInt(o, r.State)
	o = msgp.AppendInt64(o, r.QueueTimeUnix)
	o = msgp.AppendInt64(o, r.TicksUsed)
	o = msgp.AppendInt64(o, r.TicksLimit)
	o = msgp.AppendFloat64(o, r.SecondsUsed)
	o = msgp.AppendFloat64(o, r.SecondsLimit)
	o = msgp.AppendString(o, r.VerbName)
	o = msgp.AppendInt64(o, int64(r.VerbLoc))
	o = msgp.AppendInt64(o, int64(r.This))
	o = msgp.AppendInt64(o, int64(r.Caller))
	o = msgp.AppendString(o, r.Argstr)
	o = msgp.AppendArrayHeader(o, uint32(len(r.Args)))
	for _, a := range r.Args {
		o = msgp.AppendString(o, a)
	}
	o = msgp.AppendString(o, r.Dobjstr)
	o = msgp.AppendInt64(o, int64(r.Dobj))
	o = msgp.AppendString(o, r.Prepstr)
	o = msgp.AppendString(o, r.Iobjstr)
	o = msgp.AppendInt64(o, int64(r.Iobj))
	o = msgp.AppendInt64(o, int64(r.Programmer))
	o = msgp.AppendString(o, r.OutputSuffix)

	o = msgp.AppendBool(o, r.HasTaskLocal)
	o = msgp.AppendBytes(o, r.TaskLocal)

	o = msgp.AppendBool(o, r.HasWakeValue)
	o = msgp.AppendBytes(o, r.WakeValue)

	o = msgp.AppendBool(o, r.HasWorkerRequest)
	o = msgp.AppendString(o, r.WorkerRequestKind)
	o = msgp.AppendInt64(o, int64(r.WorkerRequestPerms))
	o = msgp.AppendBytes(o, r.WorkerRequestPayload)

	return o, nil
}

// UnmarshalMsg is MarshalMsg's inverse.
func (r *TaskRecord) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, o, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil || sz != 31 {
		return nil, fmt.Errorf("read task record header: %w", err)
	}
	version, o, err := msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read task record version: %w", err)
	}
	if version > taskRecordVersion {
		return nil, fmt.Errorf("task record version %d newer than supported %d", version, taskRecordVersion)
	}

	readInt64 := func() (int64, error) {
		var v int64
		v, o, err = msgp.ReadInt64Bytes(o)
		return v, err
	}
	readStr := func() (string, error) {
		var v string
		v, o, err = msgp.ReadStringBytes(o)
		return v, err
	}

	if r.ID, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read id: %w", err)
	}
	var v int64
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read owner: %w", err)
	}
	r.Owner = types.ObjID(v)
	var kind, state int
	kind, o, err = msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read kind: %w", err)
	}
	r.Kind = kind
	state, o, err = msgp.ReadIntBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	r.State = state
	if r.QueueTimeUnix, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read queue time: %w", err)
	}
	if r.TicksUsed, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read ticks used: %w", err)
	}
	if r.TicksLimit, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read ticks limit: %w", err)
	}
	r.SecondsUsed, o, err = msgp.ReadFloat64Bytes(o)
	if err != nil {
		return nil, fmt.Errorf("read seconds used: %w", err)
	}
	r.SecondsLimit, o, err = msgp.ReadFloat64Bytes(o)
	if err != nil {
		return nil, fmt.Errorf("read seconds limit: %w", err)
	}
	if r.VerbName, err = readStr(); err != nil {
		return nil, fmt.Errorf("read verb name: %w", err)
	}
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read verb loc: %w", err)
	}
	r.VerbLoc = types.ObjID(v)
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read this: %w", err)
	}
	r.This = types.ObjID(v)
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read caller: %w", err)
	}
	r.Caller = types.ObjID(v)
	if r.Argstr, err = readStr(); err != nil {
		return nil, fmt.Errorf("read argstr: %w", err)
	}
	argc, o2, err := msgp.ReadArrayHeaderBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read args header: %w", err)
	}
	o = o2
	r.Args = make([]string, argc)
	for i := range r.Args {
		if r.Args[i], err = readStr(); err != nil {
			return nil, fmt.Errorf("read arg %d: %w", i, err)
		}
	}
	if r.Dobjstr, err = readStr(); err != nil {
		return nil, fmt.Errorf("read dobjstr: %w", err)
	}
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read dobj: %w", err)
	}
	r.Dobj = types.ObjID(v)
	if r.Prepstr, err = readStr(); err != nil {
		return nil, fmt.Errorf("read prepstr: %w", err)
	}
	if r.Iobjstr, err = readStr(); err != nil {
		return nil, fmt.Errorf("read iobjstr: %w", err)
	}
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read iobj: %w", err)
	}
	r.Iobj = types.ObjID(v)
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read programmer: %w", err)
	}
	r.Programmer = types.ObjID(v)
	if r.OutputSuffix, err = readStr(); err != nil {
		return nil, fmt.Errorf("read output suffix: %w", err)
	}

	r.HasTaskLocal, o, err = msgp.ReadBoolBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read has task_local: %w", err)
	}
	r.TaskLocal, o, err = msgp.ReadBytesBytes(o, nil)
	if err != nil {
		return nil, fmt.Errorf("read task_local: %w", err)
	}

	r.HasWakeValue, o, err = msgp.ReadBoolBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read has wake value: %w", err)
	}
	r.WakeValue, o, err = msgp.ReadBytesBytes(o, nil)
	if err != nil {
		return nil, fmt.Errorf("read wake value: %w", err)
	}

	r.HasWorkerRequest, o, err = msgp.ReadBoolBytes(o)
	if err != nil {
		return nil, fmt.Errorf("read has worker request: %w", err)
	}
	if r.WorkerRequestKind, err = readStr(); err != nil {
		return nil, fmt.Errorf("read worker request kind: %w", err)
	}
	if v, err = readInt64(); err != nil {
		return nil, fmt.Errorf("read worker request perms: %w", err)
	}
	r.WorkerRequestPerms = types.ObjID(v)
	r.WorkerRequestPayload, o, err = msgp.ReadBytesBytes(o, nil)
	if err != nil {
		return nil, fmt.Errorf("read worker request payload: %w", err)
	}

	return o, nil
}
