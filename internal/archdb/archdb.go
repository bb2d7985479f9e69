// Package archdb reads pacman repository databases: compressed tar archives
// holding one desc file per package.
package archdb

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/BadgerOps/reposync/internal/download"
	"github.com/BadgerOps/reposync/internal/safety"
)

const (
	maxDatabaseBytes     int64 = 256 * 1024 * 1024
	maxDecompressedBytes int64 = 1024 * 1024 * 1024
)

// Package is the subset of a desc file this tool cares about.
type Package struct {
	Name    string `json:"name"`
	Base    string `json:"base,omitempty"`
	Version string `json:"version,omitempty"`
	Desc    string `json:"desc,omitempty"`
	Arch    string `json:"arch,omitempty"`
}

// DatabaseFormatError reports a database that could not be decompressed or
// parsed.
type DatabaseFormatError struct {
	URL string
	Err error
}

func (e *DatabaseFormatError) Error() string {
	return fmt.Sprintf("invalid package database %s: %v", e.URL, e.Err)
}

func (e *DatabaseFormatError) Unwrap() error { return e.Err }

// Reader downloads and parses repository databases.
type Reader struct {
	client *download.Client
	logger *slog.Logger
}

// NewReader creates a Reader. A nil client gets a default download client.
func NewReader(client *download.Client, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = download.NewClient(nil, logger)
	}
	return &Reader{client: client, logger: logger}
}

// Names returns the package names contained in the database at url.
func (r *Reader) Names(ctx context.Context, url string) ([]string, error) {
	pkgs, err := r.Packages(ctx, url)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		names = append(names, p.Name)
	}
	return names, nil
}

// Packages downloads the database at url and parses every desc entry.
func (r *Reader) Packages(ctx context.Context, url string) ([]Package, error) {
	r.logger.Info("pulling package database", "url", url)

	data, err := r.fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	pkgs, err := Parse(data)
	if err != nil {
		return nil, &DatabaseFormatError{URL: url, Err: err}
	}

	r.logger.Info("parsed package database", "url", url, "packages", len(pkgs))
	return pkgs, nil
}

func (r *Reader) fetch(ctx context.Context, url string) ([]byte, error) {
	res, err := r.client.Fetch(ctx, download.FetchOptions{URL: url, MaxBytes: maxDatabaseBytes})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", url, err)
	}
	r.logger.Debug("downloaded package database", "url", url, "bytes", len(res.Data), "sha256", res.SHA256, "attempts", res.Attempts)
	return res.Data, nil
}

// Parse decompresses a database archive and parses its desc files.
func Parse(data []byte) ([]Package, error) {
	if len(data) == 0 {
		return nil, errors.New("empty database")
	}

	raw, err := decompress(data)
	if err != nil {
		return nil, err
	}

	var pkgs []Package
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || path.Base(hdr.Name) != "desc" {
			continue
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", hdr.Name, err)
		}
		pkg, err := parseDesc(body)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", hdr.Name, err)
		}
		pkgs = append(pkgs, pkg)
	}

	return pkgs, nil
}

// parseDesc reads %KEY% blocks separated by blank lines.
func parseDesc(data []byte) (Package, error) {
	fields := make(map[string][]string)

	var key string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		switch {
		case line == "":
			key = ""
		case key == "" && strings.HasPrefix(line, "%") && strings.HasSuffix(line, "%") && len(line) > 2:
			key = line
			fields[key] = nil
		case key != "":
			fields[key] = append(fields[key], line)
		}
	}
	if err := sc.Err(); err != nil {
		return Package{}, err
	}

	first := func(k string) string {
		if v := fields[k]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	pkg := Package{
		Name:    first("%NAME%"),
		Base:    first("%BASE%"),
		Version: first("%VERSION%"),
		Desc:    first("%DESC%"),
		Arch:    first("%ARCH%"),
	}
	if pkg.Name == "" {
		return Package{}, errors.New("missing %NAME%")
	}
	return pkg, nil
}

// decompress detects zstd, xz or gzip by magic number. Anything else is
// assumed to be an uncompressed tar.
func decompress(data []byte) ([]byte, error) {
	var (
		rd     io.Reader
		format string
	)

	switch {
	case bytes.HasPrefix(data, []byte{0x28, 0xb5, 0x2f, 0xfd}):
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating zstd reader: %w", err)
		}
		defer dec.Close()
		rd, format = dec, "zstd"
	case bytes.HasPrefix(data, []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}):
		dec, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		rd, format = dec, "xz"
	case bytes.HasPrefix(data, []byte{0x1f, 0x8b}):
		dec, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer func() {
			_ = dec.Close()
		}()
		rd, format = dec, "gzip"
	default:
		return data, nil
	}

	out, err := safety.ReadAllWithLimit(rd, maxDecompressedBytes)
	if err != nil {
		if errors.Is(err, safety.ErrBodyTooLarge) {
			return nil, fmt.Errorf("%s payload exceeded %d bytes after decompression: %w", format, maxDecompressedBytes, err)
		}
		return nil, fmt.Errorf("decompressing %s: %w", format, err)
	}
	return out, nil
}
