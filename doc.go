// Package shopsync is the client-side data layer for the shop backend:
// an authenticated transport, a keyed query cache with stale-while-
// revalidate semantics, a product catalog service, an asset upload
// pipeline, and a session store with route guards.
//
// Quick start:
//
//	client, err := shopsync.New(shopsync.Config{APIURL: "https://api.example.com/api"})
//	if err != nil { ... }
//	defer client.Close(ctx)
//
//	client.Session.CheckStatus(ctx)
//	page, err := client.Catalog.List(ctx, catalog.ListOptions{Limit: 12})
//
// Every sub-package is usable on its own; this package only wires them
// together with shared defaults.
package shopsync
