package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
)

// Wire kinds carried in a Response when dispatch fails.
const (
	KindNotFound     = "not_found"
	KindBadArguments = "bad_arguments"
	KindExecution    = "execution"
)

// Request is one command invocation sent by an in-sandbox wrapper script.
type Request struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Stdin   []byte   `json:"stdin,omitempty"`
}

// Response carries the dispatch result back to the invoking script.
type Response struct {
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// ExitCode maps the response to a shell exit status.
func (r *Response) ExitCode() int {
	switch r.Kind {
	case "":
		return 0
	case KindNotFound:
		return 127
	case KindBadArguments:
		return 2
	default:
		return 1
	}
}

// Server exposes a Router on a unix domain socket. Scripts inside the
// sandbox reach it through generated wrapper scripts on their PATH.
type Server struct {
	router   *Router
	logger   *slog.Logger
	listener net.Listener
	path     string
}

// NewServer creates a server over the given router.
func NewServer(router *Router, logger *slog.Logger) *Server {
	return &Server{router: router, logger: logger}
}

// ListenUnix binds the server to a unix socket path, replacing any stale
// socket file left by a previous run.
func (s *Server) ListenUnix(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		lis.Close()
		return fmt.Errorf("restricting socket %s: %w", path, err)
	}
	s.listener = lis
	s.path = path
	return nil
}

// Path returns the bound socket path.
func (s *Server) Path() string { return s.path }

// Serve accepts connections until the context is cancelled or the listener
// closes. Each connection carries exactly one request/response pair.
func (s *Server) Serve(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting ipc connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Close shuts the listener down and removes the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	if s.path != "" {
		os.Remove(s.path)
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("malformed ipc request", slog.Any("error", err))
		return
	}

	out, err := s.router.Dispatch(ctx, req.Command, req.Args, req.Stdin)
	resp := Response{Output: out}
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, ErrNotFound):
			resp.Kind = KindNotFound
		case errors.Is(err, ErrBadArguments):
			resp.Kind = KindBadArguments
		default:
			resp.Kind = KindExecution
		}
	}

	if err := json.NewEncoder(conn).Encode(&resp); err != nil {
		s.logger.Warn("writing ipc response", slog.String("command", req.Command), slog.Any("error", err))
	}
}
