// Package blob stores attachment bytes outside the database.
package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// ErrInvalidFile is returned for content the store refuses: wrong type,
// empty, or too large.
var ErrInvalidFile = errors.New("invalid file")

var ErrNotFound = errors.New("blob not found")

type Meta struct {
	Filename    string
	ContentType string
}

// Object describes stored bytes. Ref is opaque to callers.
type Object struct {
	Ref         string
	ContentType string
	Size        int64
}

type Store interface {
	Put(ctx context.Context, r io.Reader, meta Meta) (Object, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// Disk keeps blobs as files under Dir, named by random id plus extension.
type Disk struct {
	Dir      string
	MaxBytes int64
	Allowed  []string
}

func NewDisk(dir string, maxBytes int64, allowed []string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating upload dir: %w", err)
	}
	return &Disk{Dir: dir, MaxBytes: maxBytes, Allowed: allowed}, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidFile, fmt.Sprintf(format, args...))
}

// Put validates and writes r. The declared content type, when present, must
// be allowed and agree with the sniffed type.
func (d *Disk) Put(ctx context.Context, r io.Reader, meta Meta) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}
	if declared := baseType(meta.ContentType); declared != "" && declared != "application/octet-stream" && !d.allowed(declared) {
		return Object{}, invalid("type %s not allowed", declared)
	}
	data, err := io.ReadAll(io.LimitReader(r, d.MaxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("reading upload: %w", err)
	}
	if len(data) == 0 {
		return Object{}, invalid("empty file")
	}
	if int64(len(data)) > d.MaxBytes {
		return Object{}, invalid("file exceeds %d bytes", d.MaxBytes)
	}
	detected := mimetype.Detect(data)
	ct := ""
	for _, a := range d.Allowed {
		if detected.Is(a) {
			ct = a
			break
		}
	}
	if ct == "" {
		return Object{}, invalid("content is %s", detected.String())
	}
	if declared := baseType(meta.ContentType); declared != "" && declared != "application/octet-stream" && declared != ct {
		return Object{}, invalid("declared %s but content is %s", declared, ct)
	}

	ref := uuid.NewString() + detected.Extension()
	tmp, err := os.CreateTemp(d.Dir, ".upload-*")
	if err != nil {
		return Object{}, err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return Object{}, err
	}
	if err := tmp.Close(); err != nil {
		return Object{}, err
	}
	if err := os.Rename(tmp.Name(), filepath.Join(d.Dir, ref)); err != nil {
		return Object{}, err
	}
	return Object{Ref: ref, ContentType: ct, Size: int64(len(data))}, nil
}

func (d *Disk) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	p, err := d.path(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes a blob. Missing blobs are not an error.
func (d *Disk) Delete(_ context.Context, ref string) error {
	p, err := d.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *Disk) path(ref string) (string, error) {
	if ref == "" || ref != filepath.Base(ref) || strings.HasPrefix(ref, ".") {
		return "", ErrNotFound
	}
	return filepath.Join(d.Dir, ref), nil
}

func (d *Disk) allowed(ct string) bool {
	for _, a := range d.Allowed {
		if strings.EqualFold(a, ct) {
			return true
		}
	}
	return false
}

func baseType(ct string) string {
	if ct == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(ct))
	}
	return mt
}
