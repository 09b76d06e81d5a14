package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// RequestHandler handles incoming RPC requests. One implementation backs
// every project the daemon has open, keyed by params.RootPath.
type RequestHandler interface {
	HandleSearch(ctx context.Context, params SearchParams) ([]SearchResult, error)
	HandleIndex(ctx context.Context, params IndexParams) (IndexResult, error)
	HandleReindex(ctx context.Context, params ReindexParams) (ReindexResult, error)
	HandlePause(ctx context.Context, params PauseParams) (PauseResult, error)
	HandleResume(ctx context.Context, params ResumeParams) (ResumeResult, error)
	HandleStats(ctx context.Context, params StatsParams) (StatsResult, error)
	HandleShutdown(ctx context.Context) (ShutdownResult, error)
	GetStatus() StatusResult
}

// Server listens on a Unix socket and handles RPC requests.
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a new server that listens on the given socket path.
func NewServer(socketPath string) (*Server, error) {
	return &Server{
		socketPath: socketPath,
	}, nil
}

// SetHandler sets the request handler for search operations.
func (s *Server) SetHandler(h RequestHandler) {
	s.handler = h
}

// ListenAndServe starts the server and blocks until context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// Clean up any stale socket
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	s.started = time.Now()

	// Clean up socket on exit
	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	slog.Info("Server listening", slog.String("socket", s.socketPath))

	// Handle shutdown
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			slog.Error("Accept error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Wait for active connections to finish
	s.wg.Wait()

	return ctx.Err()
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Set read deadline
	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		slog.Warn("Failed to set connection deadline", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		resp := NewErrorResponse("", ErrCodeParseError, "failed to parse request")
		_ = encoder.Encode(resp)
		return
	}

	resp := s.handleRequest(ctx, req)
	_ = encoder.Encode(resp)
}

// handleRequest dispatches a request to the appropriate handler.
func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		status := s.getStatus()
		return NewSuccessResponse(req.ID, status)

	case MethodSearch:
		return s.handleSearch(ctx, req)

	case MethodIndex:
		return s.handleIndex(ctx, req)

	case MethodReindex:
		return s.handleReindex(ctx, req)

	case MethodPause:
		return s.handlePause(ctx, req)

	case MethodResume:
		return s.handleResume(ctx, req)

	case MethodStats:
		return s.handleStats(ctx, req)

	case MethodShutdown:
		return s.handleShutdown(ctx, req)

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// decodeParams re-marshals req.Params (decoded generically by the JSON
// decoder as map[string]any) into a typed, validatable params struct.
func decodeParams(raw any, dst interface{ Validate() error }) error {
	paramsData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := json.Unmarshal(paramsData, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return dst.Validate()
}

// handleSearch processes a search request.
func (s *Server) handleSearch(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	var params SearchParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	results, err := s.handler.HandleSearch(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeSearchFailed, err.Error())
	}

	return NewSuccessResponse(req.ID, results)
}

// handleIndex processes an index request.
func (s *Server) handleIndex(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	var params IndexParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := s.handler.HandleIndex(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeIndexFailed, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// handleReindex processes a reindex request.
func (s *Server) handleReindex(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	var params ReindexParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := s.handler.HandleReindex(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeIndexFailed, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// handlePause processes a pause request.
func (s *Server) handlePause(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	var params PauseParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := s.handler.HandlePause(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeProjectNotIndexed, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// handleResume processes a resume request.
func (s *Server) handleResume(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	var params ResumeParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := s.handler.HandleResume(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeProjectNotIndexed, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// handleStats processes a stats request.
func (s *Server) handleStats(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	var params StatsParams
	if err := decodeParams(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := s.handler.HandleStats(ctx, params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeProjectNotIndexed, err.Error())
	}

	return NewSuccessResponse(req.ID, result)
}

// handleShutdown processes a shutdown request. The response is sent before
// the server's own listener is closed, since closing is what eventually
// unblocks ListenAndServe's Accept loop.
func (s *Server) handleShutdown(ctx context.Context, req Request) Response {
	if s.handler == nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, "no handler configured")
	}

	result, err := s.handler.HandleShutdown(ctx)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInternalError, err.Error())
	}

	go func() { _ = s.Close() }()

	return NewSuccessResponse(req.ID, result)
}

// getStatus returns the current server status.
func (s *Server) getStatus() StatusResult {
	status := StatusResult{
		Running:        true,
		PID:            os.Getpid(),
		Uptime:         time.Since(s.started).Round(time.Second).String(),
		EmbedderType:   "static",
		EmbedderStatus: "ready",
		ProjectsLoaded: 0,
	}

	if s.handler != nil {
		// Get status from handler
		handlerStatus := s.handler.GetStatus()
		status.EmbedderType = handlerStatus.EmbedderType
		status.EmbedderStatus = handlerStatus.EmbedderStatus
		status.ProjectsLoaded = handlerStatus.ProjectsLoaded
	}

	return status
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
