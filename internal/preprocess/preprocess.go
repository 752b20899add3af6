// Package preprocess orchestrates the pipeline: extract math spans from each
// chapter, render them through the typst engine, recolor the SVG, and splice
// the markup back in. Chapters are walked in order; within a chapter, spans
// render concurrently on a bounded pool. A failed span never aborts the run;
// it falls back per the on_error policy and processing moves on.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/duskmoon314/mdbook-typst-math/internal/assemble"
	"github.com/duskmoon314/mdbook-typst-math/internal/config"
	"github.com/duskmoon314/mdbook-typst-math/internal/extract"
	"github.com/duskmoon314/mdbook-typst-math/internal/logfields"
	"github.com/duskmoon314/mdbook-typst-math/internal/mdbook"
	"github.com/duskmoon314/mdbook-typst-math/internal/metrics"
	"github.com/duskmoon314/mdbook-typst-math/internal/rendercache"
	"github.com/duskmoon314/mdbook-typst-math/internal/svgcolor"
	"github.com/duskmoon314/mdbook-typst-math/internal/typst"
)

// Processor transforms chapters. Construct once per run with New; safe to
// call Transform from one goroutine at a time (internally it fans out).
type Processor struct {
	cfg       *config.Config
	extractor *extract.Extractor
	builder   *typst.Builder
	env       *typst.Environment
	engine    typst.Engine
	cache     *rendercache.Cache
	recorder  metrics.Recorder
	logger    *slog.Logger
	workers   int

	// timestamp pins SOURCE_DATE_EPOCH so all spans in one run agree.
	timestamp time.Time

	versionOnce sync.Once
	version     string
}

// New wires a processor. cache and recorder may be nil (cache disabled,
// metrics discarded).
func New(
	cfg *config.Config,
	engine typst.Engine,
	env *typst.Environment,
	cache *rendercache.Cache,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Processor {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	recorder.SetWorkers(workers)
	return &Processor{
		cfg:       cfg,
		extractor: extract.New(cfg.CodeTag, logger),
		builder:   typst.NewBuilder(cfg),
		env:       env,
		engine:    engine,
		cache:     cache,
		recorder:  recorder,
		logger:    logger,
		workers:   workers,
		timestamp: time.Now(),
	}
}

// ProcessBook transforms every chapter's content in place. Only context
// cancellation (or a broken render cache) can return an error; render
// failures are absorbed per span.
func (p *Processor) ProcessBook(ctx context.Context, book *mdbook.Book) error {
	err := book.EachChapter(func(ch *mdbook.Chapter) error {
		if ch.Content == "" {
			return nil
		}
		name := ch.Name
		if ch.Path != nil {
			name = *ch.Path
		}

		start := time.Now()
		content, err := p.Transform(ctx, name, ch.Content)
		if err != nil {
			return err
		}
		ch.Content = content
		p.recorder.ObserveChapterDuration(time.Since(start))
		return nil
	})
	return err
}

// Transform renders all math spans in one chapter and returns the spliced
// content. chapter is used only for log context.
func (p *Processor) Transform(ctx context.Context, chapter, content string) (string, error) {
	src := []byte(content)
	spans := p.extractor.Extract(src)
	if len(spans) == 0 {
		return content, nil
	}
	p.logger.Debug("rendering spans",
		logfields.Chapter(chapter), logfields.Spans(len(spans)))

	// Indexed results keep span order without channel fan-in; a nil entry
	// means the span is left as original text.
	markups := make([][]byte, len(spans))
	fetchesBefore := p.env.Fetches()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, sp := range spans {
		g.Go(func() error {
			start := time.Now()
			svg, warned, err := p.renderSpan(gctx, sp)
			p.recorder.ObserveSpanDuration(sp.Kind.String(), time.Since(start))

			if err != nil {
				// Cancellation is the only failure that stops the run.
				if gctx.Err() != nil {
					p.recorder.IncSpanResult(sp.Kind.String(), metrics.ResultCanceled)
					return gctx.Err()
				}
				p.recorder.IncSpanResult(sp.Kind.String(), metrics.ResultError)
				p.logger.Error("span render failed",
					logfields.Chapter(chapter),
					logfields.SpanKind(sp.Kind.String()),
					logfields.Line(sp.Line),
					logfields.Column(sp.Column),
					logfields.Error(err),
				)
				if p.cfg.OnError == config.ErrorPlaceholder {
					markups[i] = assemble.ErrorMarkup(err.Error())
				}
				return nil
			}

			result := metrics.ResultSuccess
			if warned {
				result = metrics.ResultWarning
			}
			p.recorder.IncSpanResult(sp.Kind.String(), result)
			svg = svgcolor.Rewrite(svg, p.cfg.ColorMode)
			if sp.Kind == extract.Inline {
				markups[i] = assemble.InlineMarkup(svg)
			} else {
				markups[i] = assemble.DisplayMarkup(svg)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	for n := p.env.Fetches() - fetchesBefore; n > 0; n-- {
		p.recorder.IncPackageFetch()
	}

	reps := make([]assemble.Replacement, 0, len(spans))
	for i, sp := range spans {
		if markups[i] == nil {
			continue
		}
		reps = append(reps, assemble.Replacement{Start: sp.Start, End: sp.End, Markup: markups[i]})
	}
	out, err := assemble.Apply(src, reps)
	if err != nil {
		// Extraction guarantees disjoint in-bounds ranges; reaching this is
		// a bug, not an input problem.
		return "", fmt.Errorf("splice chapter %s: %w", chapter, err)
	}
	return string(out), nil
}

// renderSpan produces the final SVG for one span: build the document, try
// the render cache, otherwise preflight resolution and compile. warned
// reports whether the compile succeeded with warnings; a cache hit never
// warns (the warnings were surfaced when the entry was first rendered).
func (p *Processor) renderSpan(ctx context.Context, sp extract.Span) (svg string, warned bool, err error) {
	doc := p.builder.Build(sp)

	key := ""
	if p.cache != nil {
		key = rendercache.Key(p.engineVersion(ctx), p.env.FontFingerprint(), doc.Source)
		svg, ok, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("render cache read failed", logfields.Error(err))
		}
		p.recorder.IncRenderCache(ok)
		if ok {
			return svg, false, nil
		}
	}

	if err := p.env.Preflight(ctx, doc); err != nil {
		return "", false, err
	}

	result, err := p.engine.Compile(ctx, typst.Invocation{
		Source:          doc.Source,
		FontDirs:        p.env.FontDirs(),
		PackageCacheDir: p.env.PackageCacheDir(),
		Timestamp:       p.timestamp,
	})
	if err != nil {
		return "", false, err
	}
	warnings := result.Warnings()
	for _, w := range warnings {
		p.logger.Warn("typst warning",
			logfields.SpanKind(sp.Kind.String()),
			logfields.Line(sp.Line),
			logfields.Column(sp.Column),
			slog.String("message", w.String()),
		)
	}
	if result.Failed() {
		if d, ok := result.FirstError(); ok {
			return "", false, fmt.Errorf("%w: %s", typst.ErrCompile, d.String())
		}
		return "", false, errors.New("engine produced no output and no diagnostics")
	}

	if p.cache != nil {
		if err := p.cache.Put(ctx, key, result.SVG); err != nil {
			p.logger.Warn("render cache write failed", logfields.Error(err))
		}
	}
	return result.SVG, len(warnings) > 0, nil
}

// engineVersion memoizes the engine's version string for cache keying. A
// probe failure degrades to an empty version rather than failing the span;
// the cache key is merely weaker then.
func (p *Processor) engineVersion(ctx context.Context) string {
	p.versionOnce.Do(func() {
		v, err := p.engine.Version(ctx)
		if err != nil {
			p.logger.Warn("cannot determine engine version", logfields.Error(err))
			return
		}
		p.version = v
	})
	return p.version
}
