// Package slave keeps a local store in step with a master node.
//
// A Slave runs two tasks. The replication task holds the link to the
// master, applies every mutation it receives and appends it to the local
// request log. The drain task follows the request log and forwards every
// request to a Sink. Both stop when Stop is called.
package slave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"kvrepl/internal/config"
	"kvrepl/pkg/binlog"
	"kvrepl/pkg/link"
	"kvrepl/pkg/listener"
	"kvrepl/pkg/reqlog"
	"kvrepl/pkg/request"
)

var (
	ErrProtocol   = errors.New("slave: protocol error")
	ErrOutOfSync  = errors.New("slave: out of sync with master")
	ErrNoSourceID = errors.New("slave: source id is not set")
	ErrRunning    = errors.New("slave: running")
	ErrAuth       = errors.New("slave: auth rejected")
)

// Applier is the storage engine replicated mutations are applied to.
type Applier interface {
	Apply(req request.Request) error
}

// Resolver returns the address of the current master.
type Resolver interface {
	Master(ctx context.Context) (string, error)
}

// Sink receives the requests drained from the request log, in log order.
type Sink interface {
	Write(ctx context.Context, req request.Request) error
}

type DialFunc func(ctx context.Context, addr string, timeout time.Duration) (*link.Link, error)

type Option func(*Slave)

func WithSink(sink Sink) Option {
	return func(s *Slave) { s.sink = sink }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Slave) { s.log = log }
}

func WithDialer(dial DialFunc) Option {
	return func(s *Slave) { s.dial = dial }
}

type Slave struct {
	data     Applier
	meta     MetaStorage
	resolver Resolver
	sink     Sink
	dial     DialFunc
	cfg      config.SlaveConfig
	log      *slog.Logger

	id        string
	workDir   string
	useReqlog bool

	checkpoints *Checkpoints
	rl          *reqlog.Log

	// owned by the replication task
	state     State
	cur       Cursor
	retry     uint
	master    string
	sessionID string
	unsaved   int
	lastSave  time.Time

	// owned by the drain task
	drain   *listener.Listener[time.Time]
	pending request.Request

	mu    sync.Mutex
	stats Stats

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func New(data Applier, meta MetaStorage, resolver Resolver, cfg config.SlaveConfig, opts ...Option) *Slave {
	def := config.Default().Slave
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = def.RecvTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.CheckpointBatch <= 0 {
		cfg.CheckpointBatch = def.CheckpointBatch
	}
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = def.CheckpointInterval
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = def.RetryBase
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = max(def.RetryMax, cfg.RetryBase)
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = def.DrainInterval
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = def.DrainBatch
	}

	s := &Slave{
		data:      data,
		meta:      meta,
		resolver:  resolver,
		dial:      link.Dial,
		cfg:       cfg,
		log:       slog.Default(),
		id:        cfg.ID,
		workDir:   cfg.WorkDir,
		useReqlog: cfg.UseReqlog,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "slave")
	s.publish()
	return s
}

// SetID sets the source id the checkpoint is stored under. It takes effect
// on the next Start.
func (s *Slave) SetID(id string) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.id = id
	if !s.running {
		s.publish()
	}
}

// SetWorkDir sets the request log directory, "" meaning the current one.
func (s *Slave) SetWorkDir(dir string) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.workDir = dir
}

func (s *Slave) SetUseReqlog(on bool) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.useReqlog = on
}

// Start loads the checkpoint and launches the replication task and, when
// the request log is enabled, the drain task.
func (s *Slave) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running {
		return ErrRunning
	}
	if s.id == "" {
		return ErrNoSourceID
	}

	s.checkpoints = NewCheckpoints(s.meta, s.id)
	if _, err := s.checkpoints.Migrate(); err != nil {
		return err
	}
	cur, found, err := s.checkpoints.Load()
	if err != nil {
		return err
	}
	s.cur = cur
	s.state = Disconnected
	s.retry = 0
	s.unsaved = 0
	s.lastSave = time.Now()

	var rl *reqlog.Log
	if s.useReqlog {
		rl, err = reqlog.Open(s.workDir, s.cfg.MaxSegmentSize)
		if err != nil {
			return fmt.Errorf("open request log: %w", err)
		}
	}
	s.mu.Lock()
	s.rl = rl
	s.mu.Unlock()
	s.publish()

	switch {
	case !found:
		s.log.Info("slave starting without checkpoint", "id", s.id)
	case cur.LastKey != "":
		s.log.Info("slave resuming copy", "id", s.id, "last_seq", cur.LastSeq, "last_key", cur.LastKey)
	default:
		s.log.Info("slave resuming sync", "id", s.id, "last_seq", cur.LastSeq)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)

	if rl != nil && s.sink != nil {
		s.startDrain(ctx)
	}

	s.running = true
	return nil
}

// Stop shuts both tasks down, waits for them and saves the checkpoint.
func (s *Slave) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.running {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	if s.drain != nil {
		s.drain.Stop()
		s.drain = nil
	}

	var errs []error
	if err := s.checkpoints.Save(s.cur); err != nil {
		errs = append(errs, err)
	}
	if s.rl != nil {
		if err := s.rl.Close(); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		s.rl = nil
		s.mu.Unlock()
	}

	s.running = false
	s.state = Disconnected
	s.publish()
	s.log.Info("slave stopped", "id", s.id, "last_seq", s.cur.LastSeq)
	return errors.Join(errs...)
}

// Reset forgets the saved position so that the next Start begins with a
// full copy. The slave must be stopped.
func (s *Slave) Reset() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.running {
		return ErrRunning
	}
	if s.id == "" {
		return ErrNoSourceID
	}
	if err := NewCheckpoints(s.meta, s.id).Delete(); err != nil {
		return err
	}
	s.cur = Cursor{}
	s.publish()
	return nil
}

func (s *Slave) Stats() Stats {
	s.mu.Lock()
	st := s.stats
	rl := s.rl
	s.mu.Unlock()

	if rl != nil {
		st.Reqlog = &ReqlogStats{Write: rl.WriteCursor(), Read: rl.ReadCursor()}
	}
	return st
}

func (s *Slave) publish() {
	st := Stats{
		ID:        s.id,
		Master:    s.master,
		Mirror:    s.cfg.Mirror,
		State:     s.state,
		Status:    s.state.String(),
		Session:   s.sessionID,
		LastSeq:   s.cur.LastSeq,
		LastKey:   s.cur.LastKey,
		CopyCount: s.cur.CopyCount,
		SyncCount: s.cur.SyncCount,
		Retries:   s.retry,
	}
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

func (s *Slave) run(ctx context.Context) {
	defer s.wg.Done()

	for ctx.Err() == nil {
		err := s.session(ctx)
		if ctx.Err() != nil {
			s.disconnect()
			return
		}

		if errors.Is(err, ErrOutOfSync) {
			s.log.Warn("out of sync with master, starting over with a full copy",
				"error", err, "delay", s.cfg.OutOfSyncDelay)
			s.cur = Cursor{}
			if err := s.persist(); err != nil {
				s.log.Error("failed to clear checkpoint", "error", err)
			}
			s.sessionID = ""
			s.publish()
			if !sleepCtx(ctx, s.cfg.OutOfSyncDelay) {
				s.disconnect()
				return
			}
			continue
		}

		s.disconnect()
		delay := retryInterval(s.cfg.RetryBase, s.cfg.RetryMax, s.retry)
		s.retry++
		s.publish()
		s.log.Warn("replication link lost", "error", err, "retry", s.retry, "delay", delay)
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// session runs one connection to the master until it fails.
func (s *Slave) session(ctx context.Context) error {
	addr, err := s.resolver.Master(ctx)
	if err != nil {
		return fmt.Errorf("resolve master: %w", err)
	}
	s.master = addr

	ln, err := s.dial(ctx, addr, s.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.sessionID = uuid.NewString()
	log := s.log.With("session", s.sessionID, "master", addr)

	if s.cfg.Auth != "" {
		if err := s.auth(ctx, ln); err != nil {
			return err
		}
	}
	if err := s.handshake(ln); err != nil {
		return err
	}
	if err := s.transition(Init); err != nil {
		return err
	}
	s.retry = 0
	s.publish()
	log.Info("connected to master", "last_seq", s.cur.LastSeq, "last_key", s.cur.LastKey, "mirror", s.cfg.Mirror)

	lastRecv := time.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := ln.Recv(s.cfg.RecvTimeout)
		switch {
		case err == nil:
			lastRecv = time.Now()
			if err := s.proc(frame); err != nil {
				return err
			}
		case errors.Is(err, link.ErrTimeout):
			if s.cfg.IdleTimeout > 0 && time.Since(lastRecv) > s.cfg.IdleTimeout {
				return fmt.Errorf("no frame from master for %s: %w", s.cfg.IdleTimeout, err)
			}
		default:
			return err
		}

		if err := s.maybeCheckpoint(); err != nil {
			return err
		}
	}
}

func (s *Slave) auth(ctx context.Context, ln *link.Link) error {
	if err := ln.SendStrings("auth", s.cfg.Auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	for {
		resp, err := ln.Recv(s.cfg.RecvTimeout)
		if errors.Is(err, link.ErrTimeout) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("auth reply: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("auth reply: %w", err)
		}
		if len(resp) == 0 || string(resp[0]) != "ok" {
			return fmt.Errorf("%w: %q", ErrAuth, resp)
		}
		return nil
	}
}

func (s *Slave) handshake(ln *link.Link) error {
	seq, key, typ := s.cur.LastSeq, s.cur.LastKey, "sync"
	if s.cfg.Mirror {
		seq, key, typ = 0, "", "mirror"
	}
	if err := ln.SendStrings("sync140", strconv.FormatUint(seq, 10), key, typ); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	return nil
}

func (s *Slave) transition(to State) error {
	if err := checkTransition(s.state, to); err != nil {
		return err
	}
	if s.state != to {
		s.log.Debug("state changed", "from", s.state, "to", to)
	}
	s.state = to
	s.publish()
	return nil
}

func (s *Slave) disconnect() {
	if s.state == Disconnected {
		return
	}
	s.cur = s.checkpoint()
	if err := s.persist(); err != nil {
		s.log.Error("failed to save checkpoint on disconnect", "error", err)
	}
	s.state = Disconnected
	s.sessionID = ""
	s.publish()
}

// checkpoint returns the cursor as it may be saved or advertised. A copy
// that has not delivered its first key yet has nothing to resume from, so
// its begin seq is withheld and the next handshake asks for a new copy.
func (s *Slave) checkpoint() Cursor {
	cur := s.cur
	if s.state == Copy && cur.LastKey == "" {
		cur.LastSeq = 0
	}
	return cur
}

func (s *Slave) persist() error {
	if err := s.checkpoints.Save(s.checkpoint()); err != nil {
		return err
	}
	s.unsaved = 0
	s.lastSave = time.Now()
	return nil
}

func (s *Slave) maybeCheckpoint() error {
	if s.unsaved == 0 {
		return nil
	}
	if s.unsaved >= s.cfg.CheckpointBatch || time.Since(s.lastSave) >= s.cfg.CheckpointInterval {
		return s.persist()
	}
	return nil
}

func (s *Slave) proc(frame [][]byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty frame", ErrProtocol)
	}
	rec, err := binlog.Decode(frame[0])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch rec.Type {
	case binlog.TypeNoop:
		return s.procNoop(rec)
	case binlog.TypeCopy:
		return s.procCopy(rec, frame)
	case binlog.TypeSync, binlog.TypeMirror:
		return s.procSync(rec, frame)
	case binlog.TypeCtrl:
		return s.procCtrl(rec)
	}
	return fmt.Errorf("%w: unknown record %s", ErrProtocol, rec)
}

// procNoop only proves the master is alive, except that the first one
// after the handshake confirms the cursor is still valid.
func (s *Slave) procNoop(rec binlog.Binlog) error {
	if err := s.resumeCopy(); err != nil {
		return err
	}
	if s.state == Init {
		return s.enterSync(rec)
	}
	return nil
}

func (s *Slave) enterSync(rec binlog.Binlog) error {
	if err := s.transition(Sync); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	s.log.Info("sync phase started", "last_seq", s.cur.LastSeq, "first", rec.Type)
	return s.persist()
}

// resumeCopy moves a session restarted with a saved copy position from
// INIT back to COPY, without waiting for a new BEGIN.
func (s *Slave) resumeCopy() error {
	if s.state != Init || s.cur.LastKey == "" {
		return nil
	}
	if err := s.transition(Copy); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	s.log.Info("copy resumed", "last_seq", s.cur.LastSeq, "last_key", s.cur.LastKey)
	return nil
}

func (s *Slave) procCopy(rec binlog.Binlog, frame [][]byte) error {
	if rec.Cmd != binlog.CmdBegin {
		if err := s.resumeCopy(); err != nil {
			return err
		}
	}

	switch rec.Cmd {
	case binlog.CmdBegin:
		if err := s.transition(Copy); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s.cur.LastSeq = rec.Seq
		s.cur.LastKey = ""
		s.cur.CopyCount = 0
		s.publish()
		s.log.Info("copy begin", "seq", rec.Seq)
		return nil

	case binlog.CmdEnd:
		if s.state != Copy {
			return fmt.Errorf("%w: copy end in state %s", ErrProtocol, s.state)
		}
		if err := s.transition(Sync); err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s.cur.LastKey = ""
		s.publish()
		s.log.Info("copy end", "copy_count", s.cur.CopyCount, "last_seq", s.cur.LastSeq)
		return s.persist()

	case binlog.CmdKSet, binlog.CmdKDel:
		if s.state != Copy {
			return fmt.Errorf("%w: copy record in state %s", ErrProtocol, s.state)
		}
		req, err := mutation(rec, frame)
		if err != nil {
			return err
		}
		if err := s.apply(req); err != nil {
			return err
		}
		s.cur.LastKey = string(rec.Key)
		s.cur.CopyCount++
		return s.applied()
	}
	return fmt.Errorf("%w: unknown copy command %s", ErrProtocol, rec.Cmd)
}

func (s *Slave) procSync(rec binlog.Binlog, frame [][]byte) error {
	if err := s.resumeCopy(); err != nil {
		return err
	}

	switch s.state {
	case Init:
		if err := s.enterSync(rec); err != nil {
			return err
		}
	case Copy:
		// keys past the copy position will arrive with the copy itself
		if string(rec.Key) > s.cur.LastKey {
			if rec.Seq > s.cur.LastSeq {
				s.cur.LastSeq = rec.Seq
				s.publish()
			}
			return nil
		}
	}

	if rec.Seq <= s.cur.LastSeq {
		s.log.Debug("skipping duplicate record", "seq", rec.Seq, "last_seq", s.cur.LastSeq)
		return nil
	}
	if s.state == Sync && s.cur.LastSeq != 0 && rec.Seq > s.cur.LastSeq+1 {
		if err := s.transition(OutOfSync); err != nil {
			return err
		}
		return fmt.Errorf("%w: expected seq %d, got %d", ErrOutOfSync, s.cur.LastSeq+1, rec.Seq)
	}

	req, err := mutation(rec, frame)
	if err != nil {
		return err
	}
	if err := s.apply(req); err != nil {
		return err
	}
	s.cur.LastSeq = rec.Seq
	s.cur.SyncCount++
	return s.applied()
}

func (s *Slave) procCtrl(rec binlog.Binlog) error {
	if string(rec.Key) != binlog.CtrlOutOfSync {
		s.log.Debug("ignoring control record", "record", rec.String())
		return nil
	}
	if err := s.transition(OutOfSync); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return fmt.Errorf("%w: master expired seq %d", ErrOutOfSync, s.cur.LastSeq)
}

// apply writes req to the store and then to the request log. A request
// log failure aborts the session so the record is received again.
func (s *Slave) apply(req request.Request) error {
	if err := s.data.Apply(req); err != nil {
		return fmt.Errorf("apply %s: %w", req.Cmd(), err)
	}
	if s.rl != nil {
		if err := s.rl.Proc(req); err != nil {
			return fmt.Errorf("append to request log: %w", err)
		}
	}
	return nil
}

func (s *Slave) applied() error {
	s.unsaved++
	s.publish()
	if s.unsaved >= s.cfg.CheckpointBatch {
		return s.persist()
	}
	return nil
}

func mutation(rec binlog.Binlog, frame [][]byte) (request.Request, error) {
	if len(rec.Key) == 0 {
		return nil, fmt.Errorf("%w: %s without key", ErrProtocol, rec)
	}
	switch rec.Cmd {
	case binlog.CmdKSet:
		if len(frame) < 2 {
			return nil, fmt.Errorf("%w: %s without value", ErrProtocol, rec)
		}
		return request.NewSet(rec.Key, frame[1]), nil
	case binlog.CmdKDel:
		return request.NewDel(rec.Key), nil
	}
	return nil, fmt.Errorf("%w: unsupported command %s", ErrProtocol, rec.Cmd)
}
