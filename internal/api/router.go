// Package api serves the REST side of minichat: the prefix shop, balance
// accrual, avatar uploads and the static avatar files.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/minichat/chat-app/internal/economy"
	"github.com/minichat/chat-app/internal/metrics"
	"github.com/minichat/chat-app/internal/store"
)

// Economy is the shop and balance surface used by the handlers.
type Economy interface {
	Shop(ctx context.Context, key string) (economy.Shop, error)
	Accrue(ctx context.Context, key string) (int64, error)
	Remaining(ctx context.Context, key string) (int, bool)
	Buy(ctx context.Context, key, prefixID string) (economy.Purchase, error)
	Activate(ctx context.Context, key, prefixID string) (store.Profile, error)
	Label(prefixID string) string
}

// Avatars stores a new avatar for an identity.
type Avatars interface {
	ApplyAvatarUpload(ctx context.Context, key, mimeType string, data []byte) (store.Profile, error)
}

// Profiles looks up identities.
type Profiles interface {
	GetProfile(ctx context.Context, key string) (store.Profile, error)
}

// Options configures the router.
type Options struct {
	// MaxUploadBytes caps the raw avatar file.
	MaxUploadBytes int64
	// AvatarDir is served under AvatarURLPrefix. Empty disables static
	// serving, e.g. when avatars live in S3.
	AvatarDir       string
	AvatarURLPrefix string
	AllowedOrigins  []string
}

// Controller holds the handler dependencies.
type Controller struct {
	economy  Economy
	avatars  Avatars
	profiles Profiles
	opts     Options
	log      *zap.Logger
}

// NewController creates a Controller.
func NewController(econ Economy, avatars Avatars, profiles Profiles, opts Options, logger *zap.Logger) *Controller {
	if opts.AvatarURLPrefix == "" {
		opts.AvatarURLPrefix = "/avatars"
	}
	return &Controller{
		economy:  econ,
		avatars:  avatars,
		profiles: profiles,
		opts:     opts,
		log:      logger.Named("api"),
	}
}

// NewRouter builds the HTTP handler for every REST route, wrapped in CORS
// and request logging.
func (c *Controller) NewRouter() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/shop", c.HandleShop).Methods(http.MethodGet)
	api.HandleFunc("/shop/buy", c.HandleBuy).Methods(http.MethodPost)
	api.HandleFunc("/shop/activate", c.HandleActivate).Methods(http.MethodPost)
	api.HandleFunc("/balance", c.HandleBalance).Methods(http.MethodPost)
	api.HandleFunc("/avatar", c.HandleAvatar).Methods(http.MethodPost)

	if c.opts.AvatarDir != "" {
		prefix := strings.TrimRight(c.opts.AvatarURLPrefix, "/") + "/"
		files := http.StripPrefix(prefix, http.FileServer(http.Dir(c.opts.AvatarDir)))
		r.PathPrefix(prefix).Handler(noStore(files)).Methods(http.MethodGet, http.MethodHead)
	}

	return c.logRequests(corsFor(c.opts.AllowedOrigins).Handler(r))
}

func corsFor(origins []string) *cors.Cors {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})
}

// noStore disables caching so a new avatar version is fetched immediately.
func noStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (c *Controller) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		c.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("took", time.Since(start)))
	})
}
