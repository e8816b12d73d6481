// Package server implements the depi registry service: sessions and
// their watch streams, per-user blackboards, authorization and audit,
// and one handler per wire operation. Mutations are serialized by a
// global write lock; reads run concurrently against the storage layer.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vu-isis/depi/internal/audit"
	"github.com/vu-isis/depi/internal/auth"
	"github.com/vu-isis/depi/internal/config"
	"github.com/vu-isis/depi/internal/rpc"
	"github.com/vu-isis/depi/internal/storage"
)

// Pseudo-tools accepted at login in addition to the configured tools.
const (
	toolBlackboard = "blackboard"
	toolCLI        = "cli"
)

// sweepInterval is how often idle sessions are checked for expiry.
const sweepInterval = 5 * time.Minute

// DefaultSessionTimeout expires sessions idle longer than an hour.
const DefaultSessionTimeout = time.Hour

// User is one configured login with its compiled authorization set.
type User struct {
	Name     string
	Password string
	Authz    *auth.Authorization
}

// Options configures a Server.
type Options struct {
	Tools          map[string]config.ToolConfig
	Users          []config.UserConfig
	Authorizer     *auth.Authorizer
	Audit          *audit.Log
	DefaultBranch  string
	SessionTimeout time.Duration
	Logger         *slog.Logger
}

// Server owns the live state of the service. It implements the rpc
// Handler interface.
type Server struct {
	db            storage.DB
	tools         map[string]config.ToolConfig
	users         map[string]*User
	audit         *audit.Log
	log           *slog.Logger
	defaultBranch string

	sessionTimeout time.Duration

	// updateMu is the global write lock: every mutation of branch
	// state or blackboard content runs under it.
	updateMu sync.Mutex

	mu          sync.Mutex
	sessions    map[string]*Session
	blackboards map[string]*Blackboard

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New builds a server over an open storage backend and starts the
// session sweeper.
func New(db storage.DB, opts Options) *Server {
	if opts.DefaultBranch == "" {
		opts.DefaultBranch = "main"
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Audit == nil {
		opts.Audit = audit.New("", false)
	}
	authorizer := opts.Authorizer
	if authorizer == nil {
		authorizer, _ = auth.NewAuthorizer(false, nil, nil)
	}

	users := map[string]*User{}
	for _, uc := range opts.Users {
		users[uc.Name] = &User{
			Name:     uc.Name,
			Password: uc.Password,
			Authz:    authorizer.ForUser(uc.Name),
		}
	}

	s := &Server{
		db:             db,
		tools:          opts.Tools,
		users:          users,
		audit:          opts.Audit,
		log:            opts.Logger,
		defaultBranch:  opts.DefaultBranch,
		sessionTimeout: opts.SessionTimeout,
		sessions:       map[string]*Session{},
		blackboards:    map[string]*Blackboard{},
		stopCh:         make(chan struct{}),
		now:            time.Now,
	}
	go s.sweeperLoop()
	return s
}

// Close stops the sweeper and terminates every session's streams. The
// storage backend is owned by the caller.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.closeQueues()
		delete(s.sessions, id)
	}
}

func (s *Server) sweeperLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepSessions(s.now())
		}
	}
}

// sweepSessions expires sessions idle longer than the timeout.
func (s *Server) sweepSessions(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		if now.Sub(sess.idleSince()) > s.sessionTimeout {
			s.log.Info("expiring idle session", "session", id, "user", sess.user.Name)
			sess.closeQueues()
			delete(s.sessions, id)
		}
	}
}

// session resolves a live session and refreshes its idle timer.
func (s *Server) session(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.touch(s.now())
	return sess
}

func (s *Server) addSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	if _, ok := s.blackboards[sess.user.Name]; !ok {
		s.blackboards[sess.user.Name] = NewBlackboard(sess.user.Name)
	}
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.closeQueues()
		delete(s.sessions, id)
	}
}

// blackboard returns the user's stage, creating it on first use.
func (s *Server) blackboard(user string) *Blackboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	bb, ok := s.blackboards[user]
	if !ok {
		bb = NewBlackboard(user)
		s.blackboards[user] = bb
	}
	return bb
}

func (s *Server) resetBlackboard(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackboards[user] = NewBlackboard(user)
}

func (s *Server) sessionList() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

func (s *Server) blackboardList() map[string]*Blackboard {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Blackboard, len(s.blackboards))
	for user, bb := range s.blackboards {
		out[user] = bb
	}
	return out
}

// notifyDepi fans a registry update out to sessions watching the
// registry on the given branch. branch "" reaches every watcher.
func (s *Server) notifyDepi(branch string, upd rpc.DepiUpdate) {
	if len(upd.Updates) == 0 {
		return
	}
	for _, sess := range s.sessionList() {
		if _, dropped := sess.pushDepi(branch, upd); dropped {
			s.log.Warn("depi update dropped, queue full", "session", sess.id)
		}
	}
}

// notifyBlackboard fans a blackboard update out to the user's sessions
// watching their blackboard.
func (s *Server) notifyBlackboard(user string, upd rpc.BlackboardUpdate) {
	if len(upd.Updates) == 0 {
		return
	}
	for _, sess := range s.sessionList() {
		if sess.user.Name != user {
			continue
		}
		if _, dropped := sess.pushBlackboard(upd); dropped {
			s.log.Warn("blackboard update dropped, queue full", "session", sess.id)
		}
	}
}

// notifyResources fans a dirtiness notification out to sessions on the
// branch that watch the dirtied group.
func (s *Server) notifyResources(branch string, key groupKey, ru rpc.ResourceUpdate) {
	for _, sess := range s.sessionList() {
		if _, dropped := sess.pushResource(branch, key, ru); dropped {
			s.log.Warn("resource update dropped, queue full", "session", sess.id)
		}
	}
}

func (s *Server) auditWrite(sess *Session, operation string, data map[string]string) {
	if err := s.audit.Write(sess.user.Name, operation, data); err != nil {
		s.log.Error("audit write failed", "operation", operation, "error", err)
	}
}

// validTool reports whether a tool id may log in.
func (s *Server) validTool(toolID string) bool {
	if toolID == toolBlackboard || toolID == toolCLI {
		return true
	}
	_, ok := s.tools[toolID]
	return ok
}

// separator returns the path separator for a tool.
func (s *Server) separator(toolID string) string {
	if tc, ok := s.tools[toolID]; ok && tc.PathSeparator != "" {
		return tc.PathSeparator
	}
	return "/"
}

func success(payload any) rpc.Response {
	resp := rpc.Response{OK: true}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return failure("encoding payload: %v", err)
		}
		resp.Data = data
	}
	return resp
}

func failure(format string, args ...any) rpc.Response {
	return rpc.Response{OK: false, Msg: fmt.Sprintf(format, args...)}
}

func invalidSession(id string) rpc.Response {
	return failure("Invalid session: %s", id)
}

func notAuthorized(user *User, class auth.Class) rpc.Response {
	return failure("user %s is not authorized for %s", user.Name, class)
}

// authorized checks both that the user holds the capability class at
// all and that a grant covers these arguments.
func authorized(a *auth.Authorization, cap auth.Capability) bool {
	return a.HasCapability(cap.Class) && a.IsAuthorized(cap)
}
