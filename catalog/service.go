package catalog

import (
	"context"
	"net/http"
	"time"

	"github.com/unkn0wn-root/shopsync/logging"
	"github.com/unkn0wn-root/shopsync/query"
	"github.com/unkn0wn-root/shopsync/transport"
	"github.com/unkn0wn-root/shopsync/upload"
)

const (
	listScope  = "products"
	entryScope = "product"

	defaultProductStale = 5 * time.Minute
)

func productKey(id string) query.Key {
	return query.K(entryScope, "id", id)
}

func listKey(opts ListOptions) query.Key {
	return query.Key{Scope: listScope, Params: opts.params()}
}

type Config struct {
	API transport.API

	// BaseURL anchors relative image names. Usually transport.Client.BaseURL().
	BaseURL string

	// Products and Lists may be shared caches (e.g. redis-backed); nil builds
	// private in-process ones. Lists is separate from Products so a mutation
	// can invalidate every listing without touching single-product entries.
	Products query.Cache[Product]
	Lists    query.Cache[Page]

	Uploads *upload.Pipeline // nil => pipeline on API

	StaleAfter time.Duration // 0 => 5m
	Logger     logging.Logger
}

type Service struct {
	api     transport.API
	baseURL string

	products query.Cache[Product]
	lists    query.Cache[Page]
	uploads  *upload.Pipeline
	log      logging.Logger

	ownsProducts bool
	ownsLists    bool
}

func New(cfg Config) *Service {
	s := &Service{
		api:      cfg.API,
		baseURL:  cfg.BaseURL,
		products: cfg.Products,
		lists:    cfg.Lists,
		uploads:  cfg.Uploads,
		log:      logging.Or(cfg.Logger),
	}
	stale := cfg.StaleAfter
	if stale <= 0 {
		stale = defaultProductStale
	}
	if s.products == nil {
		s.products = query.New[Product](query.Options[Product]{
			StaleAfter: stale,
			Logger:     cfg.Logger,
		})
		s.ownsProducts = true
	}
	if s.lists == nil {
		s.lists = query.New[Page](query.Options[Page]{
			StaleAfter: stale,
			Logger:     cfg.Logger,
		})
		s.ownsLists = true
	}
	if s.uploads == nil {
		s.uploads = upload.New(cfg.API, cfg.Logger)
	}
	return s
}

// Close releases the caches the service built itself. Shared caches passed
// in via Config stay open; their owner closes them.
func (s *Service) Close(ctx context.Context) error {
	var first error
	if s.ownsProducts {
		first = s.products.Close(ctx)
	}
	if s.ownsLists {
		if err := s.lists.Close(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Get returns one product through the cache. The sentinel id resolves to a
// local empty draft without any network or cache traffic.
func (s *Service) Get(ctx context.Context, id string) (query.Entry[Product], error) {
	if id == "" || id == NewProductID {
		d := draft()
		return query.Entry[Product]{
			Key:     productKey(NewProductID),
			Data:    d,
			HasData: true,
			Status:  query.StatusSuccess,
		}, nil
	}
	return s.products.Fetch(ctx, productKey(id), s.fetchProduct(id))
}

// Watch subscribes to one product, fetching it when needed. The sentinel id
// resolves to the local draft with an already-closed subscription; a draft
// never changes, so there is nothing to deliver.
func (s *Service) Watch(ctx context.Context, id string) (*query.Subscription[Product], query.Entry[Product]) {
	if id == "" || id == NewProductID {
		ent, _ := s.Get(ctx, id)
		return query.Closed[Product](), ent
	}
	return s.products.Subscribe(ctx, productKey(id), s.fetchProduct(id))
}

// List returns one page of products through the cache.
func (s *Service) List(ctx context.Context, opts ListOptions) (query.Entry[Page], error) {
	return s.lists.Fetch(ctx, listKey(opts), s.fetchPage(opts))
}

// WatchList subscribes to one listing page.
func (s *Service) WatchList(ctx context.Context, opts ListOptions) (*query.Subscription[Page], query.Entry[Page]) {
	return s.lists.Subscribe(ctx, listKey(opts), s.fetchPage(opts))
}

// Invalidate marks every cached listing page stale and drops the freshness
// of the given product ids.
func (s *Service) Invalidate(ctx context.Context, ids ...string) {
	s.lists.InvalidateScope(ctx, listScope)
	for _, id := range ids {
		s.products.Invalidate(ctx, productKey(id))
	}
}

// Save creates or updates a product. The sentinel (or empty) id selects
// create. New files are uploaded first, all or nothing; a failed upload
// aborts the save before any request or cache mutation happens. On success
// every cached listing is invalidated and the returned entity is written
// through into the product cache, so an immediate Get needs no round trip.
func (s *Service) Save(ctx context.Context, in Input, files []upload.File) (Product, error) {
	creating := in.ID == "" || in.ID == NewProductID

	var uploadedNames []string
	if len(files) > 0 {
		results, err := s.uploads.Upload(ctx, files)
		if err != nil {
			return Product{}, err
		}
		uploadedNames = make([]string, len(results))
		for i, r := range results {
			uploadedNames[i] = r.FileName
		}
	}

	body := buildPayload(in, uploadedNames, creating)

	var out Product
	var err error
	if creating {
		err = s.api.Request(ctx, http.MethodPost, "/products", nil, body, &out)
	} else {
		err = s.api.Request(ctx, http.MethodPatch, "/products/"+in.ID, nil, body, &out)
	}
	if err != nil {
		// the caches still hold the pre-mutation state, which is correct
		return Product{}, err
	}

	s.rewrite(&out)
	s.lists.InvalidateScope(ctx, listScope)
	if err := s.products.Set(ctx, productKey(out.ID), out); err != nil {
		s.log.Warn("product write-through failed", logging.Fields{"id": out.ID, "err": err})
	}

	s.log.Info("product saved", logging.Fields{"id": out.ID, "created": creating})
	return out, nil
}

func (s *Service) fetchProduct(id string) query.Fetcher[Product] {
	return func(ctx context.Context) (Product, error) {
		var p Product
		if err := s.api.Request(ctx, http.MethodGet, "/products/"+id, nil, nil, &p); err != nil {
			return Product{}, err
		}
		s.rewrite(&p)
		return p, nil
	}
}

func (s *Service) fetchPage(opts ListOptions) query.Fetcher[Page] {
	return func(ctx context.Context) (Page, error) {
		var pg Page
		if err := s.api.Request(ctx, http.MethodGet, "/products", opts.values(), nil, &pg); err != nil {
			return Page{}, err
		}
		for i := range pg.Products {
			s.rewrite(&pg.Products[i])
		}
		return pg, nil
	}
}

// rewrite makes every image URL absolute in place. Cached entries always
// hold absolute URLs; the rewrite is idempotent so write-through after a
// mutation cannot double-prefix.
func (s *Service) rewrite(p *Product) {
	for i, img := range p.Images {
		p.Images[i] = imageURL(s.baseURL, img)
	}
}
