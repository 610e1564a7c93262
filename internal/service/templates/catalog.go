package templates

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goalkeeper/deployd/internal/domain"
)

// ErrUnknownTemplate indicates the requested template is not in the catalog.
var ErrUnknownTemplate = errors.New("templates: unknown template")

// ErrExtractionFailed indicates the template bundle could not be read or unpacked.
var ErrExtractionFailed = errors.New("templates: extraction failed")

const (
	manifestFileName = "manifest.json"
	bundleFileName   = "bundle.tar.gz"

	// Hard ceilings on unpacked bundles; a template exceeding either is
	// treated as a broken bundle rather than shipped to the platform.
	maxBundleFiles = 512
	maxBundleBytes = 32 << 20
)

// templateSpec is the on-disk manifest.json shape for one catalog entry.
type templateSpec struct {
	Name    string               `json:"name"`
	Retired bool                 `json:"retired"`
	Slots   []domain.ContentSlot `json:"slots"`
}

// Catalog enumerates, validates, and extracts portfolio templates from a
// directory tree: <root>/<name>/manifest.json plus <root>/<name>/bundle.tar.gz.
type Catalog struct {
	root   string
	logger *slog.Logger
}

// NewCatalog returns a Catalog rooted at dir.
func NewCatalog(dir string, logger *slog.Logger) *Catalog {
	return &Catalog{root: dir, logger: logger}
}

// List returns the sorted names of templates present in the catalog,
// including retired ones. It never fails; an unreadable root yields an
// empty list.
func (c *Catalog) List(ctx context.Context) []string {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		c.logger.Warn("template catalog unreadable", "root", c.root, "error", err)
		return []string{}
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.root, entry.Name(), manifestFileName)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}

// Validate reports whether name is a known, well-formed, non-retired
// template. Malformed names return false rather than an error.
func (c *Catalog) Validate(ctx context.Context, name string) bool {
	spec, err := c.readSpec(name)
	if err != nil {
		return false
	}
	return !spec.Retired
}

// Extract parses the template manifest and unpacks its asset bundle into an
// ordered manifest. Output is deterministic for a fixed name and catalog
// state: slots keep manifest order, files are sorted by path.
func (c *Catalog) Extract(ctx context.Context, name string, opts domain.ExtractOptions) (*domain.TemplateManifest, error) {
	spec, err := c.readSpec(name)
	if err != nil {
		return nil, err
	}
	if spec.Retired {
		return nil, fmt.Errorf("%w: %s is retired", ErrUnknownTemplate, name)
	}

	files, total, err := c.unpackBundle(filepath.Join(c.root, name, bundleFileName), opts)
	if err != nil {
		return nil, err
	}

	return &domain.TemplateManifest{
		TemplateName: name,
		Slots:        append([]domain.ContentSlot(nil), spec.Slots...),
		Files:        files,
		TotalBytes:   total,
		ExtractedAt:  time.Now().UTC(),
	}, nil
}

func (c *Catalog) readSpec(name string) (*templateSpec, error) {
	if !validName(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	data, err := os.ReadFile(filepath.Join(c.root, name, manifestFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
		}
		return nil, fmt.Errorf("%w: read manifest: %v", ErrExtractionFailed, err)
	}
	var spec templateSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: parse manifest: %v", ErrExtractionFailed, err)
	}
	return &spec, nil
}

func (c *Catalog) unpackBundle(path string, opts domain.ExtractOptions) ([]domain.TemplateFile, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: open bundle: %v", ErrExtractionFailed, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: gunzip bundle: %v", ErrExtractionFailed, err)
	}
	defer gz.Close()

	var (
		files []domain.TemplateFile
		read  int64
		total int64
	)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read bundle entry: %v", ErrExtractionFailed, err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		cleaned := filepath.ToSlash(filepath.Clean(header.Name))
		if cleaned == "." || strings.HasPrefix(cleaned, "../") || filepath.IsAbs(cleaned) {
			return nil, 0, fmt.Errorf("%w: bundle entry escapes root: %q", ErrExtractionFailed, header.Name)
		}
		if skipEntry(cleaned, opts) {
			continue
		}
		if len(files) >= maxBundleFiles {
			return nil, 0, fmt.Errorf("%w: bundle exceeds %d files", ErrExtractionFailed, maxBundleFiles)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxBundleBytes-read+1))
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read %q: %v", ErrExtractionFailed, cleaned, err)
		}
		read += int64(len(data))
		if read > maxBundleBytes {
			return nil, 0, fmt.Errorf("%w: bundle exceeds %d bytes", ErrExtractionFailed, maxBundleBytes)
		}
		content := string(data)
		if opts.MinifyCode {
			content = minifyAsset(cleaned, content)
		}
		total += int64(len(content))
		files = append(files, domain.TemplateFile{Path: cleaned, Data: content})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, total, nil
}

var minifyExts = map[string]struct{}{
	".css":  {},
	".js":   {},
	".jsx":  {},
	".ts":   {},
	".tsx":  {},
	".html": {},
}

// minifyAsset strips trailing whitespace and blank lines from text
// assets. Deliberately conservative: bundling proper happens on the
// platform, this only trims what ships over the wire.
func minifyAsset(path, data string) string {
	if _, ok := minifyExts[strings.ToLower(filepath.Ext(path))]; !ok {
		return data
	}
	lines := strings.Split(data, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// skipEntry filters bundle entries according to extraction options.
func skipEntry(path string, opts domain.ExtractOptions) bool {
	if !opts.IncludeStyles && strings.HasPrefix(path, "styles/") {
		return true
	}
	if !opts.IncludeComponents && strings.HasPrefix(path, "components/") {
		return true
	}
	return false
}

// validName accepts lowercase template directory names: letters, digits,
// hyphens, no leading or trailing hyphen.
func validName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	if strings.HasPrefix(name, "-") || strings.HasSuffix(name, "-") {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
