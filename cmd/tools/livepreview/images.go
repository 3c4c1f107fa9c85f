package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
	"golang.org/x/sync/errgroup"

	"github.com/md2gost/studio/backend/pkg/client"
)

const maxParallelUploads = 4

var imageParser = goldmark.New(goldmark.WithExtensions(extension.GFM)).Parser()

// localImages returns the distinct image destinations in markdown that point
// at files on disk, in document order.
func localImages(markdown []byte) []string {
	doc := imageParser.Parse(text.NewReader(markdown))

	seen := make(map[string]bool)
	var out []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		img, ok := n.(*ast.Image)
		if !ok {
			return ast.WalkContinue, nil
		}
		dest := string(img.Destination)
		if isLocal(dest) && !seen[dest] {
			seen[dest] = true
			out = append(out, dest)
		}
		return ast.WalkContinue, nil
	})
	return out
}

func isLocal(dest string) bool {
	if dest == "" || strings.HasPrefix(dest, "#") {
		return false
	}
	u, err := url.Parse(dest)
	if err != nil {
		return false
	}
	return u.Scheme == "" && u.Host == "" && !strings.HasPrefix(dest, "/")
}

// imageUploader pushes local images into the session's asset space once per
// file and remembers the reference each one got.
type imageUploader struct {
	client    *client.Client
	sessionID string
	baseDir   string

	mu   sync.Mutex
	refs map[string]string // absolute path -> reference
}

func newImageUploader(c *client.Client, sessionID, baseDir string) *imageUploader {
	return &imageUploader{
		client:    c,
		sessionID: sessionID,
		baseDir:   baseDir,
		refs:      make(map[string]string),
	}
}

// Resolve uploads images not seen before and rewrites their destinations to
// the stored references. Images that cannot be read or uploaded keep their
// original destination.
func (u *imageUploader) Resolve(ctx context.Context, markdown []byte) string {
	dests := localImages(markdown)
	if len(dests) == 0 {
		return string(markdown)
	}

	replacements := make(map[string]string, len(dests))
	var repMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelUploads)
	for _, dest := range dests {
		g.Go(func() error {
			ref, err := u.upload(gctx, dest)
			if err != nil {
				log.Printf("[images] %s: %v", dest, err)
				return nil
			}
			repMu.Lock()
			replacements[dest] = ref
			repMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return rewriteDestinations(string(markdown), replacements)
}

func (u *imageUploader) upload(ctx context.Context, dest string) (string, error) {
	name, err := url.PathUnescape(dest)
	if err != nil {
		name = dest
	}
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(u.baseDir, filepath.FromSlash(name))
	}

	u.mu.Lock()
	ref, ok := u.refs[path]
	u.mu.Unlock()
	if ok {
		return ref, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	res, err := u.client.Upload(ctx, u.sessionID, filepath.Base(path), f)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	u.mu.Lock()
	u.refs[path] = res.Reference
	u.mu.Unlock()
	log.Printf("[images] %s -> %s", dest, res.Reference)
	return res.Reference, nil
}

// rewriteDestinations swaps image destinations in inline image syntax.
func rewriteDestinations(markdown string, replacements map[string]string) string {
	if len(replacements) == 0 {
		return markdown
	}
	pairs := make([]string, 0, len(replacements)*4)
	for from, to := range replacements {
		pairs = append(pairs, "]("+from+")", "]("+to+")", "]("+from+" ", "]("+to+" ")
	}
	return strings.NewReplacer(pairs...).Replace(markdown)
}
