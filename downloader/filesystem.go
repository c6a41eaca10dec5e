package downloader

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// Serves files from a local directory instead of the network. The
// last path element of the requested URL is looked up in Dir, which
// makes it possible to ship or pre-fetch static archives and run
// without access to the static-data server.
//
// Missing files are reported as a 404 StatusError, so callers can
// treat them like any other unavailable candidate.
type Filesystem struct {
	Dir string
}

func NewFilesystem(dir string) (*Filesystem, error) {
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("checking directory: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	return &Filesystem{Dir: dir}, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	rawURL string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		name = u.Path
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == "" {
		return nil, fmt.Errorf("no file name in '%s'", rawURL)
	}

	fh, err := os.Open(filepath.Join(f.Dir, name))
	if os.IsNotExist(err) {
		return nil, &StatusError{URL: rawURL, StatusCode: http.StatusNotFound}
	}
	if err != nil {
		return nil, fmt.Errorf("opening: %w", err)
	}
	defer fh.Close()

	body, err := readLimited(fh, options.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("reading: %w", err)
	}

	return body, nil
}
