// Package web provides the HTTP status and control server for the
// light-brightness daemon.
package web

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/sweeney/light-brightness/internal/logic"
	"github.com/sweeney/light-brightness/internal/status"
)

// Controller is the subset of the brightness controller the server drives.
type Controller interface {
	SelectMode(ctx context.Context, id string, mode logic.Mode, now time.Time) error
	Evaluate(ctx context.Context, id string, now time.Time, opts logic.EvalOptions) (logic.Outcome, error)
	Statuses() []logic.LightStatus
}

// Options configures a Server.
type Options struct {
	AllowedOrigins []string
	// Transition is the default fade for evaluations requested over HTTP.
	Transition time.Duration
	// PingInterval is the websocket keepalive period.
	PingInterval time.Duration
	Logger       *log.Logger
}

// Server serves the status page, the JSON API and the live websocket feed.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
	opts       Options
	logger     *log.Logger
	now        func() time.Time
}

// New creates a Server that reads state from the given tracker and sends
// control requests to ctrl. ctrl may be nil, in which case the control
// endpoints answer 503.
func New(addr string, tracker *status.Tracker, ctrl Controller, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	s := &Server{
		tracker: tracker,
		ctrl:    ctrl,
		opts:    opts,
		logger:  opts.Logger,
		now:     time.Now,
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}).Handler)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api/lights", func(r chi.Router) {
		r.Get("/", s.handleListLights)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetLight)
			r.Post("/mode", s.handleSetMode)
			r.Post("/evaluate", s.handleEvaluate)
		})
	})
	return r
}

// Handler returns the server's router. Useful for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.WithError(err).Warn("render status page")
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

// refresh pushes the controller's current view into the tracker so that
// the response and the websocket feed reflect a control action at once.
func (s *Server) refresh() {
	s.tracker.Update(s.ctrl.Statuses())
}
