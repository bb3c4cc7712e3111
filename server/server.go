package server

import (
	"moor/builtins"
	"moor/config"
	"moor/db"
	"moor/logging"
	"moor/parser"
	"moor/rpc"
	"moor/store"
	"moor/types"
	"moor/vm"
	"moor/world"
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Server represents the MOO server
type Server struct {
	store              *db.Store
	database           *db.Database
	scheduler          *Scheduler
	connManager        *ConnectionManager
	cfg                config.Config
	dbPath             string
	port               int
	checkpointInterval time.Duration
	running            bool
	mu                 sync.Mutex
	shutdownChan       chan struct{}
	checkpointChan     chan struct{}
	ctx                context.Context
	cancel             context.CancelFunc

	signingKey          []byte
	lastEnrollmentToken string
	rpcDispatcher       *rpc.Dispatcher
	rpcEnrollment       *rpc.EnrollmentServer
	rpcBroadcaster      *rpc.Broadcaster

	relStore  *store.Store
	taskStore *TaskStore
}

// NewServer creates a new MOO server from cfg.
func NewServer(cfg config.Config) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:                cfg,
		dbPath:             cfg.DBPath,
		port:               cfg.Port,
		checkpointInterval: cfg.CheckpointInterval,
		shutdownChan:       make(chan struct{}),
		checkpointChan:     make(chan struct{}),
		ctx:                ctx,
		cancel:             cancel,
	}, nil
}

// LoadDatabase loads the database from disk
func (s *Server) LoadDatabase() error {
	database, err := db.LoadDatabase(s.dbPath)
	if err != nil {
		return fmt.Errorf("load database: %w", err)
	}

	s.database = database
	s.store = database.NewStoreFromDatabase()
	s.scheduler = NewScheduler(s.store)
	s.connManager = NewConnectionManager(s, s.port)

	// Wire scheduler to connection manager for output flushing
	s.scheduler.SetConnectionManager(s.connManager)

	// Wire notify() builtin to connection manager
	builtins.SetConnectionManager(s.connManager)

	// Wire dump_database() builtin to server checkpoint
	builtins.SetDumpFunc(func() error { return s.checkpoint() })

	// Wire shutdown()/rotate_enrollment_token() builtins to the server
	key, err := newSigningKey(s.cfg.RPC.SigningKey)
	if err != nil {
		return fmt.Errorf("rpc signing key: %w", err)
	}
	s.signingKey = key
	builtins.SetHostController(s)

	logging.L.Infof("Loaded database version %d with %d objects", database.Version, len(database.Objects))

	if err := s.loadRelationStore(database); err != nil {
		logging.L.Infof("Warning: relation store bulk-load failed (world-state operations will be unavailable): %v", err)
	}

	if err := s.loadTaskStore(); err != nil {
		logging.L.Infof("Warning: task store unavailable (in-flight tasks won't survive a restart report): %v", err)
	}

	return nil
}

// loadTaskStore opens the durable task-bookkeeping store under
// cfg.DataDir and reports anything left over from a prior run's unclean
// shutdown. It does not attempt to resume those tasks — see TaskStore's
// doc comment for why — it only logs what was in flight so an operator
// isn't left guessing.
func (s *Server) loadTaskStore() error {
	path := filepath.Join(s.cfg.DataDir, "tasks.bolt")
	ts, err := NewTaskStore(path)
	if err != nil {
		return fmt.Errorf("open task store at %s: %w", path, err)
	}

	stale, err := ts.LoadAll()
	if err != nil {
		ts.Close()
		return fmt.Errorf("scan task store: %w", err)
	}
	if len(stale) > 0 {
		logging.L.Infof("task store: %d task record(s) left over from a previous run (not resumed, informational only)", len(stale))
	}

	s.taskStore = ts
	if s.scheduler != nil {
		s.scheduler.SetTaskStore(ts)
	}
	return nil
}

// loadRelationStore opens the transactional relation store under
// cfg.DataDir and replays the just-loaded textdump into it via
// store.BulkLoad, so world.State has a populated store.Txn to operate on.
// Failure here is non-fatal: the legacy *db.Store path the VM still runs
// on is unaffected, and a later checkpoint can retry once the underlying
// directory issue (permissions, disk space) is fixed.
func (s *Server) loadRelationStore(database *db.Database) error {
	dir := filepath.Join(s.cfg.DataDir, "relstore")
	factory := store.NewPebbleFactory(dir)
	relStore, err := store.NewStore(factory)
	if err != nil {
		return fmt.Errorf("open relation store at %s: %w", dir, err)
	}
	debounce := newFatalErrorDebouncer(s.cfg.FatalErrorDebounce)
	relStore.OnFatalError = func(err error) {
		if ok, suppressed := debounce.allow(); ok {
			if suppressed > 0 {
				logging.L.Infof("relation store durable write failed: %v (%d further failures suppressed in the preceding %s)", err, suppressed, s.cfg.FatalErrorDebounce)
			} else {
				logging.L.Infof("relation store durable write failed: %v", err)
			}
		}
	}

	if err := store.RunInTransaction(relStore, store.DefaultRetryPolicy(), func(txn *store.Txn) error {
		return store.BulkLoad(txn, database.Objects)
	}); err != nil {
		relStore.Close()
		return fmt.Errorf("bulk-load textdump into relation store: %w", err)
	}

	s.relStore = relStore
	s.verifyWorldState()
	return nil
}

// verifyWorldState spot-checks that the relation store's view of the
// system object agrees with the legacy *db.Store's view, by running one
// read-only world.State transaction over the just-loaded data. This is
// the first production-path exercise of store.RunInTransaction/world.New
// together — everything past this is still read via *db.Store, but a
// task-bound transaction opening world.State against real loaded data
// now genuinely happens on every server start, not just in package tests.
func (s *Server) verifyWorldState() {
	err := store.RunInTransaction(s.relStore, store.DefaultRetryPolicy(), func(txn *store.Txn) error {
		ws := world.New(txn)
		exists, err := ws.Exists(0)
		if err != nil {
			return fmt.Errorf("read #0: %w", err)
		}
		if !exists {
			return fmt.Errorf("system object #0 missing from relation store after bulk load")
		}
		names := world.NewNameCache()
		logging.L.Infof("relation store world-state check: #0 = %s", names.Name(ws, 0))
		return nil
	})
	if err != nil {
		logging.L.Infof("Warning: world-state verification failed: %v", err)
	}
}

// startRPC brings up the worker-dispatch, enrollment, and broadcast sockets
// when the corresponding listen addresses are configured. Any of the three
// can be left blank to run without that channel (e.g. a single-player test
// instance with no workers).
func (s *Server) startRPC() error {
	if s.cfg.RPC.WorkerListenAddr != "" {
		onComplete := func(taskID int64, value types.Value) {
			if err := s.scheduler.CompleteWorkerRequest(taskID, value); err != nil {
				logging.L.Infof("worker reply for unknown/non-awaiting task %d: %v", taskID, err)
			}
		}
		d, err := rpc.NewDispatcher(s.ctx, s.cfg.RPC.WorkerListenAddr, onComplete)
		if err != nil {
			return fmt.Errorf("start worker dispatcher: %w", err)
		}
		s.rpcDispatcher = d
		s.scheduler.SetWorkerDispatcher(d)
		go d.Serve(s.ctx)
	}

	if s.cfg.RPC.EnrollmentListenAddr != "" {
		e, err := rpc.NewEnrollmentServer(s.ctx, s.cfg.RPC.EnrollmentListenAddr, s.signingKey)
		if err != nil {
			return fmt.Errorf("start enrollment server: %w", err)
		}
		s.rpcEnrollment = e
		go e.Serve(s.ctx)
	}

	if s.cfg.RPC.BroadcastListenAddr != "" {
		b, err := rpc.NewBroadcaster(s.ctx, s.cfg.RPC.BroadcastListenAddr)
		if err != nil {
			return fmt.Errorf("start broadcast socket: %w", err)
		}
		s.rpcBroadcaster = b
	}

	return nil
}

// newSigningKey uses configured when non-empty, otherwise mints 32 random
// bytes — good enough for a single-process daemon where the key only needs
// to survive for this run's lifetime, since RotateEnrollmentToken can mint
// a fresh one on demand without restarting.
func newSigningKey(configured string) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return buf, nil
}

// GetStore returns the object store
func (s *Server) GetStore() *db.Store {
	return s.store
}

// GetEvaluator returns the evaluator from the scheduler
func (s *Server) GetEvaluator() *vm.Evaluator {
	return s.scheduler.GetEvaluator()
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	// Start scheduler
	s.scheduler.Start()

	if err := s.startRPC(); err != nil {
		return fmt.Errorf("start rpc layer: %w", err)
	}

	// Call #0:server_started()
	if err := s.callServerStarted(); err != nil {
		logging.L.Infof("Warning: #0:server_started() failed: %v", err)
	}

	// Start listening for connections
	if err := s.connManager.Listen(); err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}

	// Set up signal handling
	go s.handleSignals()

	// Set up periodic checkpoints
	go s.checkpointLoop()

	// Main loop
	return s.mainLoop()
}

// mainLoop is the main server loop
func (s *Server) mainLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return s.shutdown()
		case <-s.checkpointChan:
			if err := s.checkpoint(); err != nil {
				logging.L.Infof("Checkpoint failed: %v", err)
			}
		}
	}
}

// handleSignals handles OS signals
func (s *Server) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		logging.L.Info("Received shutdown signal")
		s.Shutdown("")
	case <-s.ctx.Done():
		return
	}
}

// checkpointLoop runs periodic checkpoints
func (s *Server) checkpointLoop() {
	if s.checkpointInterval <= 0 {
		return // Checkpointing disabled
	}
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.checkpointChan <- struct{}{}
		case <-s.ctx.Done():
			return
		}
	}
}

// checkpoint saves the database to disk
func (s *Server) checkpoint() error {
	logging.L.Info("Starting checkpoint...")

	// Call #0:checkpoint_started()
	if err := s.callCheckpointStarted(); err != nil {
		logging.L.Infof("Warning: #0:checkpoint_started() failed: %v", err)
	}

	start := time.Now()

	// Write to temp file
	tempPath := s.dbPath + ".tmp"
	tempFile, err := os.Create(tempPath)
	if err != nil {
		s.callCheckpointFinished(false)
		return fmt.Errorf("create temp file: %w", err)
	}

	writer := db.NewWriter(tempFile, s.store)
	writer.SetTaskSource(s.scheduler) // Provide tasks for serialization
	if err := writer.WriteDatabase(); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		s.callCheckpointFinished(false)
		return fmt.Errorf("write database: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		s.callCheckpointFinished(false)
		return fmt.Errorf("close temp file: %w", err)
	}

	// Atomic rename temp -> main database
	if err := os.Rename(tempPath, s.dbPath); err != nil {
		// On Windows, need to remove dest first
		os.Remove(s.dbPath)
		if err := os.Rename(tempPath, s.dbPath); err != nil {
			s.callCheckpointFinished(false)
			return fmt.Errorf("rename temp to main: %w", err)
		}
	}

	// Call #0:checkpoint_finished(success)
	if err := s.callCheckpointFinished(true); err != nil {
		logging.L.Infof("Warning: #0:checkpoint_finished() failed: %v", err)
	}

	logging.L.Infof("Checkpoint complete in %v", time.Since(start))
	return nil
}

// Shutdown initiates graceful shutdown
// Shutdown initiates graceful shutdown. reason is logged and surfaced to
// operators; it comes from either an OS signal (empty reason) or the
// shutdown() builtin (caller-supplied message).
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if reason != "" {
		logging.L.Infof("Initiating shutdown: %s", reason)
	} else {
		logging.L.Info("Initiating shutdown...")
	}
	if s.rpcBroadcaster != nil {
		if err := s.rpcBroadcaster.Publish("shutdown", reason); err != nil {
			logging.L.Infof("broadcast shutdown notice: %v", err)
		}
	}
	s.cancel()
}

// RotateEnrollmentToken mints a fresh JWT-based RPC enrollment token signed
// with the server's signing key, invalidating any previously issued token's
// usefulness only in the sense that operators are expected to hand out the
// newest one; old tokens remain valid until they expire, since the signing
// key itself — not a revocation list — is what RotateEnrollmentToken would
// need to change to truly invalidate prior tokens.
func (s *Server) RotateEnrollmentToken() (string, error) {
	s.mu.Lock()
	key := s.signingKey
	ttl := s.cfg.RPC.TokenTTL
	s.mu.Unlock()
	token, err := rpc.IssueToken(key, "worker", ttl)
	if err != nil {
		return "", fmt.Errorf("issue enrollment token: %w", err)
	}
	s.mu.Lock()
	s.lastEnrollmentToken = token
	s.mu.Unlock()
	return token, nil
}

// EnrollmentToken returns the most recently issued RPC enrollment token,
// minting one if none has been issued yet this run.
func (s *Server) EnrollmentToken() string {
	s.mu.Lock()
	token := s.lastEnrollmentToken
	s.mu.Unlock()
	if token != "" {
		return token
	}
	token, err := s.RotateEnrollmentToken()
	if err != nil {
		logging.L.Infof("mint enrollment token: %v", err)
		return ""
	}
	return token
}

// shutdown performs the actual shutdown sequence
func (s *Server) shutdown() error {
	logging.L.Info("Shutting down server...")

	// Call #0:shutdown_started()
	if err := s.callShutdownStarted("Server shutdown"); err != nil {
		logging.L.Infof("Warning: #0:shutdown_started() failed: %v", err)
	}

	// Stop scheduler
	s.scheduler.Stop()

	// Final checkpoint (unless checkpointing was explicitly disabled)
	if s.checkpointInterval > 0 {
		logging.L.Info("Performing final checkpoint...")
		if err := s.checkpoint(); err != nil {
			logging.L.Infof("Warning: final checkpoint failed: %v", err)
		}
	} else {
		logging.L.Info("Final checkpoint skipped (checkpointing disabled)")
	}

	if s.relStore != nil {
		if err := s.relStore.Close(); err != nil {
			logging.L.Infof("Warning: closing relation store: %v", err)
		}
	}

	if s.taskStore != nil {
		if err := s.taskStore.Close(); err != nil {
			logging.L.Infof("Warning: closing task store: %v", err)
		}
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	logging.L.Info("Server shutdown complete")
	return nil
}

// Panic performs emergency shutdown
func (s *Server) Panic(message string) {
	logging.L.Infof("PANIC: %s", message)

	// Attempt emergency database dump
	logging.L.Info("Attempting emergency database dump...")
	if err := s.checkpoint(); err != nil {
		logging.L.Infof("Emergency dump failed: %v", err)
	}

	os.Exit(1)
}

// callServerStarted calls #0:server_started()
func (s *Server) callServerStarted() error {
	systemObj := s.store.Get(0)
	if systemObj == nil {
		return fmt.Errorf("system object not found")
	}

	verb := systemObj.Verbs["server_started"]
	if verb == nil {
		return nil // Verb not defined, skip
	}

	// Create task to call verb
	code := []parser.Stmt{} // Empty for now - need verb call statement
	s.scheduler.CreateForegroundTask(0, code)

	return nil
}

// callCheckpointStarted calls #0:checkpoint_started()
func (s *Server) callCheckpointStarted() error {
	systemObj := s.store.Get(0)
	if systemObj == nil {
		return fmt.Errorf("system object not found")
	}

	verb := systemObj.Verbs["checkpoint_started"]
	if verb == nil {
		return nil // Verb not defined, skip
	}

	// Create task to call verb
	code := []parser.Stmt{} // Empty for now - need verb call statement
	s.scheduler.CreateForegroundTask(0, code)

	return nil
}

// callCheckpointFinished calls #0:checkpoint_finished(success)
func (s *Server) callCheckpointFinished(success bool) error {
	systemObj := s.store.Get(0)
	if systemObj == nil {
		return fmt.Errorf("system object not found")
	}

	verb := systemObj.Verbs["checkpoint_finished"]
	if verb == nil {
		return nil // Verb not defined, skip
	}

	// Create task to call verb with success parameter
	code := []parser.Stmt{} // Empty for now - need verb call statement
	s.scheduler.CreateForegroundTask(0, code)

	return nil
}

// callShutdownStarted calls #0:shutdown_started(message)
func (s *Server) callShutdownStarted(message string) error {
	systemObj := s.store.Get(0)
	if systemObj == nil {
		return fmt.Errorf("system object not found")
	}

	verb := systemObj.Verbs["shutdown_started"]
	if verb == nil {
		return nil // Verb not defined, skip
	}

	// Create task to call verb with message parameter
	code := []parser.Stmt{} // Empty for now - need verb call statement
	s.scheduler.CreateForegroundTask(0, code)

	return nil
}

// DumpDatabase triggers an immediate checkpoint
func (s *Server) DumpDatabase() error {
	return s.checkpoint()
}
