// Package attachment decodes data URI attachments.
package attachment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/k11v/appbuild/internal/build"
)

// ErrInvalid is wrapped by every resolution error.
var ErrInvalid = errors.New("invalid attachment")

const (
	defaultMaxSize  = 10 << 20
	defaultMIMEType = "text/plain;charset=US-ASCII"
)

// Resolver decodes attachments.
// The zero value is ready to use.
type Resolver struct {
	MaxSize int64 // default: 10 MiB
}

func (r *Resolver) maxSize() int64 {
	if r == nil || r.MaxSize <= 0 {
		return defaultMaxSize
	}
	return r.MaxSize
}

// Resolve decodes a.SourceURI.
// It returns a copy of a with Bytes and MIMEType set and a.Name completed
// with an extension derived from the MIME type when it has none.
// On failure it returns the zero Attachment.
func (r *Resolver) Resolve(a build.Attachment) (build.Attachment, error) {
	name, err := cleanName(a.Name)
	if err != nil {
		return build.Attachment{}, invalid(a.Name, err)
	}

	mimeType, data, err := r.decode(a.SourceURI)
	if err != nil {
		return build.Attachment{}, invalid(a.Name, err)
	}
	if mimeType == "" {
		mimeType = strings.ToLower(strings.TrimSpace(a.ContentType))
	}
	if mimeType == "" {
		mimeType = defaultMIMEType
	}

	if path.Ext(name) == "" {
		if ext := Extension(mimeType); ext != "" {
			name += "." + ext
		}
	}

	return build.Attachment{
		Name:        name,
		SourceURI:   a.SourceURI,
		ContentType: a.ContentType,
		Bytes:       data,
		MIMEType:    mimeType,
	}, nil
}

// ResolveAll decodes attachments concurrently and keeps their order.
// It returns no attachments if any of them fails.
func (r *Resolver) ResolveAll(ctx context.Context, attachments []build.Attachment) ([]build.Attachment, error) {
	resolved := make([]build.Attachment, len(attachments))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, a := range attachments {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ra, err := r.Resolve(a)
			if err != nil {
				return err
			}
			resolved[i] = ra
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(resolved))
	for _, a := range resolved {
		if _, ok := seen[a.Name]; ok {
			return nil, invalid(a.Name, errors.New("duplicate name"))
		}
		seen[a.Name] = struct{}{}
	}

	return resolved, nil
}

// decode parses data:[<mediatype>][;base64],<data>.
// mimeType is empty when the URI has no media type.
func (r *Resolver) decode(uri string) (mimeType string, data []byte, err error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		scheme, _, _ := strings.Cut(uri, ":")
		return "", nil, fmt.Errorf("unsupported scheme %q", scheme)
	}

	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("missing comma")
	}

	params := strings.Split(header, ";")
	if !strings.EqualFold(strings.TrimSpace(params[len(params)-1]), "base64") {
		return "", nil, errors.New("encoding is not base64")
	}
	if len(params) > 1 {
		mimeType = strings.ToLower(strings.TrimSpace(params[0]))
	}

	// Reject oversized payloads before allocating the decoded buffer.
	maxSize := r.maxSize()
	if int64(base64.StdEncoding.DecodedLen(len(payload))) > maxSize+2 {
		return "", nil, fmt.Errorf("size exceeds %d bytes", maxSize)
	}

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(payload)
	}
	if err != nil {
		return "", nil, fmt.Errorf("bad base64 payload: %w", err)
	}
	if int64(len(data)) > maxSize {
		return "", nil, fmt.Errorf("size %d exceeds %d bytes", len(data), maxSize)
	}
	if data == nil {
		data = []byte{}
	}

	return mimeType, data, nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty name")
	}
	if strings.Contains(name, `\`) || path.IsAbs(name) {
		return "", errors.New("name must be a relative path")
	}
	cleaned := path.Clean(name)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("name escapes the repository")
	}
	return cleaned, nil
}

func invalid(name string, err error) error {
	return build.WrapError(build.KindAttachment, "resolve "+name, fmt.Errorf("%w: %w", ErrInvalid, err))
}

var extensions = map[string]string{
	"image/png":              "png",
	"image/jpeg":             "jpg",
	"image/gif":              "gif",
	"image/svg+xml":          "svg",
	"image/webp":             "webp",
	"text/plain":             "txt",
	"text/csv":               "csv",
	"text/markdown":          "md",
	"text/html":              "html",
	"text/css":               "css",
	"application/json":       "json",
	"application/pdf":        "pdf",
	"application/javascript": "js",
	"text/javascript":        "js",
}

// Extension returns the usual file extension for mimeType without a dot.
// Parameters of mimeType are ignored.
// It returns an empty string for unknown types.
func Extension(mimeType string) string {
	mediaType, _, _ := strings.Cut(mimeType, ";")
	return extensions[strings.ToLower(strings.TrimSpace(mediaType))]
}
