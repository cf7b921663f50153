// Package web exposes a Bridge over HTTP, and provides a client for it.
package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/mpvbridge/bridge"
	"github.com/guseggert/mpvbridge/bridge/ipc"
	"github.com/guseggert/mpvbridge/internal/files"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

const (
	RequestIDHeader = "X-Request-Id"

	// ListDirectoryCommand is answered by the server instead of the player.
	ListDirectoryCommand = "list_directory"

	indexFile = "index.html"
)

var errServerStopping = errors.New("server is stopping")

// Bridge is the part of *bridge.Bridge the server uses.
type Bridge interface {
	Request(ctx context.Context, cmd ipc.Command) (ipc.Message, error)
	Status() bridge.Status
	Subscribe() (<-chan ipc.Message, func())
}

// DirectoryListing is the reply to a list_directory command.
type DirectoryListing struct {
	Listing   map[string]files.Kind `json:"listing"`
	Directory string                `json:"directory"`
}

type Server struct {
	log        *zap.SugaredLogger
	bridge     Bridge
	listenAddr string
	staticDir  string

	dirMu      sync.Mutex
	currentDir string

	httpServer *http.Server
	listener   net.Listener
	closed     chan struct{}
	closeOnce  sync.Once

	// parent of every request context, cancelled by Stop
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type ServerOption func(s *Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l.Named("http").Sugar()
	}
}

func WithListenAddr(addr string) ServerOption {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

// WithStaticDir sets the directory the web client is served from. Without it, only the API is served.
func WithStaticDir(dir string) ServerOption {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithMediaRoot sets the directory listed when list_directory names none, until another directory is listed.
func WithMediaRoot(dir string) ServerOption {
	return func(s *Server) {
		s.currentDir = dir
	}
}

func NewServer(b Bridge, opts ...ServerOption) *Server {
	s := &Server{
		log:        zap.NewNop().Sugar(),
		bridge:     b,
		listenAddr: "0.0.0.0:3000",
		currentDir: ".",
		closed:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		BaseContext: func(net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// Handler returns the server's routes, with CORS and request ids applied.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/events", s.events)
	router.POST("/", s.command)

	// everything else is the web client
	router.HandleMethodNotAllowed = false
	router.NotFound = http.HandlerFunc(s.static)
	router.GlobalOPTIONS = http.HandlerFunc(preflight)

	return s.withRequestID(withCORS(router))
}

// Listen binds the listen address. Run calls it if it was not called before.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run serves HTTP until Stop is called.
func (s *Server) Run() error {
	err := s.Listen()
	if err != nil {
		return err
	}
	s.log.Infow("listening", "addr", s.listener.Addr().String(), "static_dir", s.staticDir, "success", true)
	err = s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops accepting requests and waits for those in flight, until ctx is done.
// Requests still waiting on the player are abandoned and answered with 503.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	s.cancelBase()
	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.log.Warnf("graceful HTTP shutdown failed, closing: %s", err)
		return s.httpServer.Close()
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(b)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.bridge.Status())
}

// command forwards the request body to the player and replies with {"data": <reply>}.
// list_directory is answered locally.
func (s *Server) command(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body ipc.Command
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	err := dec.Decode(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
		return
	}
	args, _ := body[ipc.CommandKey].([]any)
	if len(args) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("request contained no command"))
		return
	}

	if body.Name() == ListDirectoryCommand {
		s.listDirectory(w, args[1:])
		return
	}

	reply, err := s.bridge.Request(r.Context(), body)
	if err != nil {
		if s.stopping() {
			s.log.Infow("abandoned player request, server is stopping", "command", body.Name())
			writeError(w, http.StatusServiceUnavailable, errServerStopping)
			return
		}
		if r.Context().Err() != nil {
			s.log.Debugw("client went away before the player replied", "command", body.Name())
			return
		}
		s.log.Warnw("player request failed", "command", body.Name(), "error", err)
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": reply})
}

func (s *Server) stopping() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// statusFor maps a request error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrShutdown),
		errors.Is(err, bridge.ErrNotStarted),
		errors.Is(err, ipc.ErrNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) listDirectory(w http.ResponseWriter, args []any) {
	s.dirMu.Lock()
	dir := s.currentDir
	s.dirMu.Unlock()
	if len(args) > 0 {
		d, ok := args[0].(string)
		if !ok {
			writeError(w, http.StatusBadRequest, errors.New("directory must be a string"))
			return
		}
		dir = d
	}

	listing, err := files.List(dir)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}

	s.dirMu.Lock()
	s.currentDir = dir
	s.dirMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"data": DirectoryListing{Listing: listing, Directory: dir}})
}

// static serves files of the web client, falling back to index.html for paths that are not files.
func (s *Server) static(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		preflight(w, r)
		return
	}
	if (r.Method != http.MethodGet && r.Method != http.MethodHead) || s.staticDir == "" {
		http.NotFound(w, r)
		return
	}

	name := filepath.Join(s.staticDir, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	if !serveFile(w, r, name) && !serveFile(w, r, filepath.Join(s.staticDir, indexFile)) {
		http.NotFound(w, r)
	}
}

// serveFile serves the regular file at name, reporting false if there is none.
func serveFile(w http.ResponseWriter, r *http.Request, name string) bool {
	f, err := os.Open(name)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		return false
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Access-Control-Request-Method") != "" {
		h := w.Header()
		h.Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
		h.Set("Access-Control-Max-Age", "86400")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.log.Debugw("handled request",
			"id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}

// statusWriter records the response status. It passes hijacking through for websockets.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
