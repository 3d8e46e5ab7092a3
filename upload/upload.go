// Package upload pushes batches of binary files to the backend ahead of a
// mutation. The batch is all-or-nothing: a mutation must never be submitted
// with a partially uploaded image set.
package upload

import (
	"context"
	"fmt"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/shopsync/logging"
	"github.com/unkn0wn-root/shopsync/transport"
)

const (
	uploadPath = "/files/product"
	fileField  = "file"
)

// File is one attachment to upload. Content is consumed exactly once.
type File struct {
	Name    string
	Content io.Reader
}

// Result is the server-assigned identity of one uploaded file.
type Result struct {
	FileName  string `json:"fileName"`
	SecureURL string `json:"secureUrl"`
}

// FileError reports which file sank the batch.
type FileError struct {
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("upload %q: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

type Pipeline struct {
	api transport.API
	log logging.Logger
}

func New(api transport.API, log logging.Logger) *Pipeline {
	return &Pipeline{api: api, log: logging.Or(log)}
}

// Upload pushes all files concurrently, each as an independent single-file
// request. If any upload fails the whole call fails and no partial result
// list is returned. Result order matches the input order, not completion
// order.
func (p *Pipeline) Upload(ctx context.Context, files []File) ([]Result, error) {
	if len(files) == 0 {
		return nil, nil
	}

	results := make([]Result, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			var out Result
			if err := p.api.Upload(gctx, uploadPath, fileField, f.Name, f.Content, &out); err != nil {
				return &FileError{Name: f.Name, Err: err}
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.log.Warn("upload batch aborted", logging.Fields{"files": len(files), "err": err})
		return nil, err
	}

	p.log.Debug("upload batch done", logging.Fields{"files": len(files)})
	return results, nil
}
