package server

import (
	"path/filepath"
	"testing"
	"time"

	"moor/task"
	"moor/types"
)

func newTestTaskStore(t *testing.T) *TaskStore {
	t.Helper()
	ts, err := NewTaskStore(filepath.Join(t.TempDir(), "tasks.bolt"))
	if err != nil {
		t.Fatalf("NewTaskStore: %v", err)
	}
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestTaskRecordRoundTrip(t *testing.T) {
	tsk := task.NewTaskFull(7, types.ObjID(3), nil, 1000, 2.5)
	tsk.VerbName = "look"
	tsk.VerbLoc = types.ObjID(4)
	tsk.This = types.ObjID(4)
	tsk.Caller = types.ObjID(3)
	tsk.Argstr = "at the sky"
	tsk.Args = []string{"at", "the", "sky"}
	tsk.Dobjstr = "sky"
	tsk.Dobj = types.ObjID(5)
	tsk.Programmer = types.ObjID(2)
	tsk.CommandOutputSuffix = "."
	tsk.TaskLocal = types.NewStr("scratch")
	tsk.WakeValue = types.NewInt(42)
	tsk.PendingWorkerRequest = &types.WorkerRequest{
		Kind:    "http",
		Perms:   types.ObjID(2),
		Payload: types.NewStr("payload"),
		Timeout: 5 * time.Second,
	}

	rec, err := NewTaskRecord(tsk)
	if err != nil {
		t.Fatalf("NewTaskRecord: %v", err)
	}

	enc, err := rec.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}

	var got TaskRecord
	rest, err := got.UnmarshalMsg(enc)
	if err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no trailing bytes, got %d", len(rest))
	}

	if got.ID != rec.ID || got.Owner != rec.Owner || got.VerbName != rec.VerbName {
		t.Errorf("basic fields mismatch: got %+v, want %+v", got, rec)
	}
	if len(got.Args) != 3 || got.Args[2] != "sky" {
		t.Errorf("args mismatch: %v", got.Args)
	}
	if !got.HasTaskLocal || !got.HasWakeValue || !got.HasWorkerRequest {
		t.Fatalf("expected all optional fields present, got %+v", got)
	}
	if got.WorkerRequestKind != "http" || got.WorkerRequestPerms != types.ObjID(2) {
		t.Errorf("worker request fields mismatch: %+v", got)
	}
}

func TestTaskRecordOptionalFieldsAbsent(t *testing.T) {
	tsk := task.NewTaskFull(1, types.ObjID(0), nil, 100, 1.0)
	tsk.TaskLocal = nil
	tsk.WakeValue = nil
	tsk.PendingWorkerRequest = nil

	rec, err := NewTaskRecord(tsk)
	if err != nil {
		t.Fatalf("NewTaskRecord: %v", err)
	}
	if rec.HasTaskLocal || rec.HasWakeValue || rec.HasWorkerRequest {
		t.Fatalf("expected no optional fields set, got %+v", rec)
	}

	enc, err := rec.MarshalMsg(nil)
	if err != nil {
		t.Fatalf("MarshalMsg: %v", err)
	}
	var got TaskRecord
	if _, err := got.UnmarshalMsg(enc); err != nil {
		t.Fatalf("UnmarshalMsg: %v", err)
	}
	if got.HasTaskLocal || got.HasWakeValue || got.HasWorkerRequest {
		t.Errorf("round trip introduced a phantom optional field: %+v", got)
	}
}

func TestTaskStoreSaveLoadDelete(t *testing.T) {
	ts := newTestTaskStore(t)

	tsk := task.NewTaskFull(11, types.ObjID(1), nil, 500, 3.0)
	rec, err := NewTaskRecord(tsk)
	if err != nil {
		t.Fatalf("NewTaskRecord: %v", err)
	}
	if err := ts.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := ts.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != 11 {
		t.Fatalf("expected one record with ID 11, got %+v", loaded)
	}

	if err := ts.Delete(11); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	loaded, err = ts.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll after delete: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected no records after delete, got %+v", loaded)
	}
}

func TestSchedulerPersistsAndForgetsQueuedTask(t *testing.T) {
	ts := newTestTaskStore(t)
	sched := &Scheduler{tasks: make(map[int64]*task.Task), waiting: NewTaskQueue()}
	sched.SetTaskStore(ts)

	tsk := task.NewTaskFull(3, types.ObjID(0), nil, 100, 1.0)
	sched.persistTask(tsk)

	loaded, err := ts.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected task persisted, got %+v", loaded)
	}

	sched.forgetTask(tsk.ID)
	loaded, err = ts.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll after forget: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected task forgotten, got %+v", loaded)
	}
}
