// Package staging copies job inputs and outputs between their locators and
// the local staging area. Locators are local paths or http(s) URLs.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// OutputMode is the permission set on final outputs.
const OutputMode os.FileMode = 0o644

// ErrExists is returned by Copy when the destination exists and overwrite
// is false.
var ErrExists = errors.New("staging: destination exists")

// IsRemote reports whether loc is an http(s) URL.
func IsRemote(loc string) bool {
	return strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://")
}

// Stager moves files between locators.
type Stager struct {
	client *http.Client
	log    zerolog.Logger
}

// New creates a Stager. A nil client uses http.DefaultClient.
func New(client *http.Client, log zerolog.Logger) *Stager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Stager{client: client, log: log.With().Str("component", "staging").Logger()}
}

// Copy copies src to dst. Local directories are copied recursively; a
// remote destination receives the file with an HTTP PUT. The local
// destination appears atomically.
func (s *Stager) Copy(ctx context.Context, src, dst string, overwrite bool) error {
	if !overwrite {
		exists, err := s.Exists(ctx, dst)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrExists, dst)
		}
	}

	if !IsRemote(src) {
		info, err := os.Stat(src)
		if err != nil {
			return fmt.Errorf("staging %s: %w", src, err)
		}
		if info.IsDir() {
			if IsRemote(dst) {
				return fmt.Errorf("staging %s: directory upload to %s is not supported", src, dst)
			}
			return s.copyDir(ctx, src, dst)
		}
	}

	in, err := s.open(ctx, src)
	if err != nil {
		return err
	}
	defer in.Close()

	if IsRemote(dst) {
		return s.put(ctx, in, dst)
	}
	n, err := writeFile(ctx, in, dst)
	if err != nil {
		return err
	}
	s.log.Debug().Str("src", src).Str("dst", dst).Int64("bytes", n).Msg("copied")
	return nil
}

func (s *Stager) copyDir(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = writeFile(ctx, f, target)
		return err
	})
}

// open returns a reader over a local file or the body of a GET.
func (s *Stager) open(ctx context.Context, src string) (io.ReadCloser, error) {
	if !IsRemote(src) {
		f, err := os.Open(src)
		if err != nil {
			return nil, fmt.Errorf("staging %s: %w", src, err)
		}
		return f, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", src, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("fetching %s: %s", src, resp.Status)
	}
	return resp.Body, nil
}

func (s *Stager) put(ctx context.Context, body io.Reader, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, dst, body)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", dst, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("uploading %s: %s", dst, resp.Status)
	}
	return nil
}

// writeFile copies r into path through a temporary sibling file.
func writeFile(ctx context.Context, r io.Reader, path string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".partial-*")
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return n, fmt.Errorf("moving %s into place: %w", path, err)
	}
	return n, nil
}

// ctxReader stops a copy once ctx ends.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Exists reports whether loc exists.
func (s *Stager) Exists(ctx context.Context, loc string) (bool, error) {
	if !IsRemote(loc) {
		_, err := os.Stat(loc)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	resp, err := s.head(ctx, loc)
	if err != nil {
		return false, err
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return true, nil
	}
	return false, fmt.Errorf("checking %s: %s", loc, resp.Status)
}

// Size returns the size of loc in bytes, or -1 when a remote server does
// not report it. Local directories report the total size of their files.
func (s *Stager) Size(ctx context.Context, loc string) (int64, error) {
	if !IsRemote(loc) {
		info, err := os.Stat(loc)
		if err != nil {
			return 0, err
		}
		if !info.IsDir() {
			return info.Size(), nil
		}
		var total int64
		err = filepath.WalkDir(loc, func(_ string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
			return nil
		})
		return total, err
	}

	resp, err := s.head(ctx, loc)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("checking %s: %s", loc, resp.Status)
	}
	return resp.ContentLength, nil
}

func (s *Stager) head(ctx context.Context, loc string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, loc, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("checking %s: %w", loc, err)
	}
	resp.Body.Close()
	return resp, nil
}

// Remove deletes loc. Missing locators are not an error.
func (s *Stager) Remove(ctx context.Context, loc string) error {
	if !IsRemote(loc) {
		if err := os.RemoveAll(loc); err != nil {
			return fmt.Errorf("removing %s: %w", loc, err)
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, loc, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("removing %s: %w", loc, err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode <= 299) {
		return nil
	}
	return fmt.Errorf("removing %s: %s", loc, resp.Status)
}

// SetPermissions applies OutputMode to a local output file, or to every
// file inside a local output directory. Remote locators are left alone.
func (s *Stager) SetPermissions(loc string) error {
	if IsRemote(loc) {
		return nil
	}
	info, err := os.Stat(loc)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return os.Chmod(loc, OutputMode)
	}
	return filepath.WalkDir(loc, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		return os.Chmod(path, OutputMode)
	})
}
