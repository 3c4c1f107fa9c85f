// Command livepreview mirrors a local markdown file into a studio session and
// writes every fresh preview next to it, re-rendering as the file is edited.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/md2gost/studio/backend/internal/editor"
	"github.com/md2gost/studio/backend/internal/editor/preview"
	"github.com/md2gost/studio/backend/internal/model/render"
	"github.com/md2gost/studio/backend/pkg/client"
)

type options struct {
	server          string
	shortID         string
	file            string
	outDir          string
	docx            bool
	verbose         bool
	previewDebounce time.Duration
	syncDebounce    time.Duration
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("livepreview", flag.ContinueOnError)
	fs.StringVarP(&opts.server, "server", "s", "http://localhost:8080", "studio server base URL")
	fs.StringVar(&opts.shortID, "session", "", "short id of an existing session (empty creates one)")
	fs.StringVarP(&opts.file, "file", "f", "", "markdown file to watch")
	fs.StringVarP(&opts.outDir, "out", "o", "", "directory for preview output (default: next to the file)")
	fs.BoolVar(&opts.docx, "docx", false, "download the final .docx on exit")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "log every preview state change")
	fs.DurationVar(&opts.previewDebounce, "preview-debounce", preview.DefaultDebounce, "quiet period before a preview is requested")
	fs.DurationVar(&opts.syncDebounce, "sync-debounce", 2*time.Second, "quiet period before the session is saved")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if opts.file == "" && fs.NArg() > 0 {
		opts.file = fs.Arg(0)
	}
	if opts.file == "" {
		return nil, errors.New("a markdown file is required (--file)")
	}

	abs, err := filepath.Abs(opts.file)
	if err != nil {
		return nil, err
	}
	opts.file = abs
	if opts.outDir == "" {
		opts.outDir = filepath.Dir(abs)
	}
	return opts, nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	markdown, err := os.ReadFile(opts.file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.outDir, 0o755); err != nil {
		return err
	}

	api := client.New(opts.server, nil)
	sess, err := editor.Open(ctx, api, api, opts.shortID, editor.Config{
		PreviewDebounce: opts.previewDebounce,
		SyncDebounce:    opts.syncDebounce,
	})
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	boot := sess.Bootstrap()
	log.Printf("[livepreview] session %s (%s/s/%s)", boot.SessionID, opts.server, boot.ShortID)

	images := newImageUploader(api, boot.SessionID, filepath.Dir(opts.file))
	sess.Edit(images.Resolve(ctx, markdown))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writePreviews(opts, sess.Updates())
	})
	g.Go(func() error {
		for err := range sess.SaveErrors() {
			log.Printf("[livepreview] save failed: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		return watchFile(gctx, opts.file, func() {
			data, err := os.ReadFile(opts.file)
			if err != nil {
				log.Printf("[livepreview] read %s: %v", opts.file, err)
				return
			}
			sess.Edit(images.Resolve(gctx, data))
		})
	})

	<-gctx.Done()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if opts.docx {
		if err := downloadFinal(closeCtx, api, opts, sess); err != nil {
			log.Printf("[livepreview] download failed: %v", err)
		}
	}
	if err := sess.Close(closeCtx); err != nil {
		log.Printf("[livepreview] final save failed: %v", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func writePreviews(opts *options, updates <-chan preview.Update) error {
	for u := range updates {
		switch u.Kind {
		case preview.UpdatePreview:
			path, err := writePreview(opts.outDir, u.Preview)
			if err != nil {
				log.Printf("[livepreview] write preview: %v", err)
				continue
			}
			if u.Preview.Pages > 0 {
				log.Printf("[livepreview] #%d %s (%d pages)", u.Seq, path, u.Preview.Pages)
			} else {
				log.Printf("[livepreview] #%d %s", u.Seq, path)
			}
		case preview.UpdateError:
			log.Printf("[livepreview] #%d rendering failed: %v", u.Seq, u.Err)
		case preview.UpdateEmpty:
			log.Printf("[livepreview] document is empty")
		case preview.UpdateLoading:
			if opts.verbose {
				log.Printf("[livepreview] loading=%t", u.Loading)
			}
		}
	}
	return nil
}

func writePreview(dir string, p *render.Preview) (string, error) {
	if p == nil {
		return "", errors.New("empty preview")
	}

	var (
		name string
		data []byte
	)
	switch p.Format {
	case render.FormatPDF:
		decoded, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return "", fmt.Errorf("decode pdf: %w", err)
		}
		name, data = "preview.pdf", decoded
	default:
		name, data = "preview.html", []byte(p.Data)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	return path, os.Rename(tmp, path)
}

func downloadFinal(ctx context.Context, api *client.Client, opts *options, sess *editor.Session) error {
	doc := sess.Document()
	artifact, err := api.RenderFinal(ctx, render.Request{
		Markdown:           doc.Markdown,
		SyntaxHighlighting: doc.Options.SyntaxHighlighting,
		SessionID:          sess.Bootstrap().SessionID,
	})
	if err != nil {
		return err
	}

	path := filepath.Join(opts.outDir, artifact.Filename)
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return err
	}
	log.Printf("[livepreview] wrote %s", path)
	return nil
}
