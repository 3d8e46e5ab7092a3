package shopsync

import (
	"context"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/unkn0wn-root/shopsync/catalog"
	"github.com/unkn0wn-root/shopsync/logging"
	"github.com/unkn0wn-root/shopsync/query"
	"github.com/unkn0wn-root/shopsync/session"
	"github.com/unkn0wn-root/shopsync/tokenstore"
	"github.com/unkn0wn-root/shopsync/transport"
	"github.com/unkn0wn-root/shopsync/upload"
)

// Config is the wiring surface. Only APIURL is required; everything else
// has a working default.
type Config struct {
	APIURL         string        `env:"SHOP_API_URL"`
	RequestTimeout time.Duration `env:"SHOP_REQUEST_TIMEOUT" envDefault:"15s"`

	// TokenPath overrides where the bearer token is persisted. Empty selects
	// tokenstore.DefaultPath.
	TokenPath string `env:"SHOP_TOKEN_PATH"`

	ProductStale   time.Duration `env:"SHOP_PRODUCT_STALE" envDefault:"5m"`
	SessionStale   time.Duration `env:"SHOP_SESSION_STALE" envDefault:"15m"`
	CacheRetention time.Duration `env:"SHOP_CACHE_RETENTION" envDefault:"30m"`
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Option adjusts construction beyond what Config carries.
type Option func(*options)

type options struct {
	logger     logging.Logger
	tokens     tokenstore.Store
	httpClient *http.Client
	hooks      query.Hooks
}

// WithLogger routes all internal logging through l. See the log subpackages
// for zap, logrus and slog adapters.
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTokenStore substitutes the token persistence, e.g. tokenstore.NewMemory
// for ephemeral sessions.
func WithTokenStore(s tokenstore.Store) Option {
	return func(o *options) { o.tokens = s }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithQueryHooks observes cache events on every cache the client builds.
func WithQueryHooks(h query.Hooks) Option {
	return func(o *options) { o.hooks = h }
}

// Client bundles the wired components. Fields are exposed directly; the
// client adds nothing on top of them.
type Client struct {
	Transport *transport.Client
	Session   *session.Store
	Catalog   *catalog.Service
	Uploads   *upload.Pipeline

	products query.Cache[catalog.Product]
	lists    query.Cache[catalog.Page]
	checks   query.Cache[session.AuthResponse]
}

// New builds a fully wired client against cfg.APIURL.
func New(cfg Config, opts ...Option) (*Client, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	log := logging.Or(o.logger)

	tokens := o.tokens
	if tokens == nil {
		tokens = tokenstore.NewFile(cfg.TokenPath)
	}

	hc := o.httpClient
	if hc == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	api, err := transport.New(transport.Config{
		BaseURL:    cfg.APIURL,
		HTTPClient: hc,
		Tokens:     tokens,
		Logger:     log,
	})
	if err != nil {
		return nil, err
	}

	products := query.New[catalog.Product](query.Options[catalog.Product]{
		StaleAfter: cfg.ProductStale,
		Retention:  cfg.CacheRetention,
		Logger:     log,
		Hooks:      o.hooks,
	})
	lists := query.New[catalog.Page](query.Options[catalog.Page]{
		StaleAfter: cfg.ProductStale,
		Retention:  cfg.CacheRetention,
		Logger:     log,
		Hooks:      o.hooks,
	})
	checks := query.New[session.AuthResponse](query.Options[session.AuthResponse]{
		StaleAfter: cfg.SessionStale,
		Retention:  cfg.CacheRetention,
		Logger:     log,
		Hooks:      o.hooks,
	})

	uploads := upload.New(api, log)

	return &Client{
		Transport: api,
		Session: session.New(session.Config{
			API:    api,
			Tokens: tokens,
			Checks: checks,
			Logger: log,
		}),
		Catalog: catalog.New(catalog.Config{
			API:      api,
			BaseURL:  api.BaseURL(),
			Products: products,
			Lists:    lists,
			Uploads:  uploads,
			Logger:   log,
		}),
		Uploads:  uploads,
		products: products,
		lists:    lists,
		checks:   checks,
	}, nil
}

// Close stops background cache work. The client owns the caches it built,
// so it closes them; Session and Catalog were handed shared caches and
// close nothing themselves.
func (c *Client) Close(ctx context.Context) error {
	var first error
	for _, fn := range []func(context.Context) error{
		c.Session.Close,
		c.Catalog.Close,
		c.products.Close,
		c.lists.Close,
		c.checks.Close,
	} {
		if err := fn(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}
