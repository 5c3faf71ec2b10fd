package batch

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/zombor/bookscan/internal/scanning"
)

// Server handles HTTP requests for batches, rules and duplicate checks
type Server struct {
	service   *Service
	basicAuth BasicAuth
	mux       *http.ServeMux

	// MaxUploadBytes bounds the decoded document size accepted from clients
	MaxUploadBytes int64
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:        service,
		basicAuth:      basicAuth,
		mux:            mux,
		MaxUploadBytes: scanning.DefaultMaxPayloadBytes,
	}
	s.registerRoutes()
	return s
}

// bodyLimit leaves room for base64 and multipart overhead so oversized
// documents reach the scanner and fail with a classified error.
func (s *Server) bodyLimit() int64 {
	return s.MaxUploadBytes*2 + 1<<20
}

// authenticate checks basic auth credentials. Without configured
// credentials every request is allowed.
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.basicAuth.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.basicAuth.Password)) == 1
	return userOK && passOK
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Bookscan"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/batches/{id}/file", s.requireAuth(s.handleGetBatchFile))
	s.mux.HandleFunc("PATCH /api/batches/{id}/transactions/{txID}", s.requireAuth(s.handleUpdateTransaction))
	s.mux.HandleFunc("GET /api/batches/{id}", s.requireAuth(s.handleGetBatch))
	s.mux.HandleFunc("DELETE /api/batches/{id}", s.requireAuth(s.handleDeleteBatch))
	s.mux.HandleFunc("GET /api/batches", s.requireAuth(s.handleListBatches))
	s.mux.HandleFunc("POST /api/batches", s.requireAuth(s.handleUploadDocument))

	s.mux.HandleFunc("GET /api/clients/{client}/rules", s.requireAuth(s.handleListRules))
	s.mux.HandleFunc("PUT /api/clients/{client}/rules", s.requireAuth(s.handlePutRule))
	s.mux.HandleFunc("DELETE /api/clients/{client}/rules/{description}", s.requireAuth(s.handleDeleteRule))

	s.mux.HandleFunc("POST /api/duplicates", s.requireAuth(s.handleFindDuplicates))
}

// Handler returns the routes wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
