// Package operator — server.go
//
// Unix domain socket server for appopsd operator commands.
//
// Protocol: one JSON request, one newline-terminated JSON response, per
// connection.
// Socket path: /run/appopsd/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"set","pkg":"a.b","user":0,"op":"COARSE_LOCATION","mode":"ignore"}
//	  → Resolves pkg to a uid under the given multi-user profile (user,
//	    default 0) and sets a persistent (uid,pkg) mode override.
//	  → Response: {"ok":true}
//
//	{"cmd":"get","pkg":"a.b","user":0,"op":"COARSE_LOCATION"}
//	  → Resolves pkg the same way and dumps last allow/reject times,
//	    running state, and duration for one op, or every op tracked for
//	    the package if op is omitted.
//	  → Response: {"ok":true,"entries":[{"op":"COARSE_LOCATION","mode":"ignore",...}]}
//
//	{"cmd":"query-op","op":"COARSE_LOCATION","mode":"ignore"}
//	  → Lists every (uid,pkg) whose op currently resolves to mode
//	    (default mode: ignore).
//	  → Response: {"ok":true,"matches":[{"uid":10042,"pkg":"a.b"}]}
//
//	{"cmd":"reset","user":0,"pkg":"a.b"}
//	  → Delegates to resetAllModes, filtered by the multi-user profile
//	    and/or pkg (both optional). user 0 (or omitted) applies no user
//	    filter, so profile 0 cannot be selected on its own.
//	  → Response: {"ok":true}
//
//	{"cmd":"restrict","op":"RECORD_AUDIO","restricted":true,"user":0,"exempt":["a.b"]}
//	  → Sets or clears one restriction-layer entry for the given multi-user
//	    profile. If token is omitted, a fresh ownerToken is minted
//	    server-side and returned so the caller can reuse it later to lift
//	    exactly this restriction (restricted:false with the same token).
//	  → Response: {"ok":true,"token":"<uuid>"}
//
//	{"cmd":"write-settings"}
//	  → Forces a synchronous snapshot write, cancelling any pending timer.
//	  → Response: {"ok":true}
//
//	{"cmd":"read-settings"}
//	  → Replaces in-memory state with the on-disk snapshot.
//	  → Response: {"ok":true}
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections is configurable (default 8).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: configurable read/write deadline (default 10s).
//   - Every successful set, reset, restrict, write-settings and
//     read-settings command is logged; get and query-op are not.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/appopsd/appopsd/internal/catalog"
)

const maxRequestBytes = 4096

// Engine is the subset of engine.Engine the operator server drives.
type Engine interface {
	SetMode(op catalog.Op, uid int, pkg string, mode catalog.Mode) error
	CheckOperation(op catalog.Op, uid int, pkg string) (catalog.Mode, error)
	ResetAllModes(userID *int, packageName *string)
	SetUserRestriction(ownerToken string, code catalog.Op, restricted bool, userID int, exemptPackages []string) error

	// ResolveUID resolves pkg to the uid owning it under the given
	// multi-user profile, the way the external command surface (which
	// only knows package names, never raw app uids) requires.
	ResolveUID(pkg string, userID int) (int, bool, error)
}

// Inspector exposes read-only dumps the operator needs for get/query-op
// that the Decision Engine's narrow Engine interface doesn't carry.
type Inspector interface {
	// OpEntries returns every tracked op for (uid, pkg), or for op alone
	// if op != catalog.NONE.
	OpEntries(uid int, pkg string, op catalog.Op) []OpEntry

	// QueryOp returns every (uid, pkg) whose op currently resolves to mode.
	QueryOp(op catalog.Op, mode catalog.Mode) []UidPkg
}

// Persistence is the subset of the persistence scheduler the operator
// server drives for write-settings/read-settings.
type Persistence interface {
	Sync() error
	Reload() error
}

// OpEntry is one op's accounting snapshot, returned by "get".
type OpEntry struct {
	Op         string `json:"op"`
	Mode       string `json:"mode"`
	Time       int64  `json:"time"`
	RejectTime int64  `json:"reject_time"`
	Duration   int64  `json:"duration"`
	Nesting    int    `json:"nesting"`
}

// UidPkg identifies one package instance, returned by "query-op".
type UidPkg struct {
	UID int    `json:"uid"`
	Pkg string `json:"pkg"`
}

// Request is the JSON structure for operator commands.
//
// User is always a multi-user profile id (0 = primary user), never a raw
// app uid: the external command surface identifies apps by package name
// and resolves the owning uid server-side via Engine.ResolveUID.
type Request struct {
	Cmd        string   `json:"cmd"` // set | get | query-op | reset | restrict | write-settings | read-settings
	User       int      `json:"user,omitempty"`
	Pkg        string   `json:"pkg,omitempty"`
	Op         string   `json:"op,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Token      string   `json:"token,omitempty"`
	Restricted *bool    `json:"restricted,omitempty"`
	Exempt     []string `json:"exempt,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK      bool      `json:"ok"`
	Error   string    `json:"error,omitempty"`
	Entries []OpEntry `json:"entries,omitempty"`
	Matches []UidPkg  `json:"matches,omitempty"`
	Token   string    `json:"token,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath     string
	engine         Engine
	inspector      Inspector
	persistence    Persistence
	log            *zap.Logger
	sem            chan struct{}
	connTimeout    time.Duration
}

// NewServer creates an operator Server.
func NewServer(socketPath string, engine Engine, inspector Inspector, persistence Persistence, maxConns int, connTimeout time.Duration, log *zap.Logger) *Server {
	if maxConns <= 0 {
		maxConns = 8
	}
	if connTimeout <= 0 {
		connTimeout = 10 * time.Second
	}
	return &Server{
		socketPath:  socketPath,
		engine:      engine,
		inspector:   inspector,
		persistence: persistence,
		log:         log,
		sem:         make(chan struct{}, maxConns),
		connTimeout: connTimeout,
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", dir, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn handles a single operator connection.
// Reads one JSON request, executes the command, writes one JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "set":
		return s.cmdSet(req)
	case "get":
		return s.cmdGet(req)
	case "query-op":
		return s.cmdQueryOp(req)
	case "reset":
		return s.cmdReset(req)
	case "restrict":
		return s.cmdRestrict(req)
	case "write-settings":
		return s.cmdWriteSettings()
	case "read-settings":
		return s.cmdReadSettings()
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

// resolvePkg resolves req.Pkg to the uid owning it under req.User, the way
// every PACKAGE-addressed command on the external surface must before
// touching the engine (which only knows raw uids).
func (s *Server) resolvePkg(req Request) (int, Response, bool) {
	if req.Pkg == "" {
		return 0, Response{OK: false, Error: "pkg required"}, false
	}
	uid, ok, err := s.engine.ResolveUID(req.Pkg, req.User)
	if err != nil {
		return 0, Response{OK: false, Error: err.Error()}, false
	}
	if !ok {
		return 0, Response{OK: false, Error: fmt.Sprintf("no such package %q for user %d", req.Pkg, req.User)}, false
	}
	return uid, Response{}, true
}

func (s *Server) cmdSet(req Request) Response {
	uid, errResp, ok := s.resolvePkg(req)
	if !ok {
		return errResp
	}
	op, err := catalog.StrOpToOp(req.Op)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	mode, err := catalog.ParseMode(req.Mode)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	if err := s.engine.SetMode(op, uid, req.Pkg, mode); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: set", zap.Int("uid", uid), zap.String("pkg", req.Pkg),
		zap.String("op", req.Op), zap.String("mode", req.Mode))
	return Response{OK: true}
}

func (s *Server) cmdGet(req Request) Response {
	uid, errResp, ok := s.resolvePkg(req)
	if !ok {
		return errResp
	}
	op := catalog.NONE
	if req.Op != "" {
		var err error
		op, err = catalog.StrOpToOp(req.Op)
		if err != nil {
			return Response{OK: false, Error: err.Error()}
		}
	}
	entries := s.inspector.OpEntries(uid, req.Pkg, op)
	return Response{OK: true, Entries: entries}
}

func (s *Server) cmdQueryOp(req Request) Response {
	op, err := catalog.StrOpToOp(req.Op)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	modeStr := req.Mode
	if modeStr == "" {
		modeStr = "ignore"
	}
	mode, err := catalog.ParseMode(modeStr)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Matches: s.inspector.QueryOp(op, mode)}
}

func (s *Server) cmdReset(req Request) Response {
	var userID *int
	var pkg *string
	if req.User != 0 {
		u := req.User
		userID = &u
	}
	if req.Pkg != "" {
		p := req.Pkg
		pkg = &p
	}
	s.engine.ResetAllModes(userID, pkg)
	s.log.Info("operator: reset", zap.Int("user", req.User), zap.String("pkg", req.Pkg))
	return Response{OK: true}
}

func (s *Server) cmdRestrict(req Request) Response {
	op, err := catalog.StrOpToOp(req.Op)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	restricted := true
	if req.Restricted != nil {
		restricted = *req.Restricted
	}
	token := req.Token
	if token == "" {
		token = uuid.New().String()
	}
	if err := s.engine.SetUserRestriction(token, op, restricted, req.User, req.Exempt); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: restrict", zap.String("op", req.Op), zap.Bool("restricted", restricted),
		zap.Int("user", req.User), zap.String("token", token))
	return Response{OK: true, Token: token}
}

func (s *Server) cmdWriteSettings() Response {
	if err := s.persistence.Sync(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: write-settings")
	return Response{OK: true}
}

func (s *Server) cmdReadSettings() Response {
	if err := s.persistence.Reload(); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: read-settings")
	return Response{OK: true}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
