package preprocess

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/cascadia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/duskmoon314/mdbook-typst-math/internal/config"
	"github.com/duskmoon314/mdbook-typst-math/internal/fontbook"
	"github.com/duskmoon314/mdbook-typst-math/internal/mdbook"
	"github.com/duskmoon314/mdbook-typst-math/internal/metrics"
	"github.com/duskmoon314/mdbook-typst-math/internal/pkgcache"
	"github.com/duskmoon314/mdbook-typst-math/internal/rendercache"
	"github.com/duskmoon314/mdbook-typst-math/internal/typst"
)

func testProcessor(t *testing.T, cfg *config.Config, engine typst.Engine, cache *rendercache.Cache) *Processor {
	t.Helper()
	store := pkgcache.NewStore("", config.DefaultRegistry, nil)
	env := typst.NewEnvironment(fontbook.New(nil), store, nil)
	return New(cfg, engine, env, cache, nil, nil)
}

// spyRecorder counts span results for assertions; other hooks are inherited
// no-ops.
type spyRecorder struct {
	metrics.NoopRecorder
	mu      sync.Mutex
	results map[metrics.ResultLabel]int
}

func (s *spyRecorder) IncSpanResult(_ string, result metrics.ResultLabel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[metrics.ResultLabel]int)
	}
	s.results[result]++
}

func (s *spyRecorder) count(result metrics.ResultLabel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[result]
}

// querySelector parses fragment markup and returns the nodes matching sel.
func querySelector(t *testing.T, markup, sel string) []*html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(markup))
	require.NoError(t, err)
	return cascadia.QueryAll(doc, cascadia.MustCompile(sel))
}

func TestTransformInlineScenario(t *testing.T) {
	var compiled []string
	engine := &typst.StubEngine{
		CompileFunc: func(_ context.Context, inv typst.Invocation) (*typst.CompileResult, error) {
			compiled = append(compiled, inv.Source)
			return &typst.CompileResult{SVG: `<svg fill="#000"><path/></svg>`}, nil
		},
	}
	cfg := config.Default()
	cfg.Workers = 1
	p := testProcessor(t, cfg, engine, nil)

	out, err := p.Transform(context.Background(), "ch1.md", "A $x+1$ B")
	require.NoError(t, err)

	require.Len(t, compiled, 1)
	assert.Equal(t, typst.DefaultPreamble+"\n$ x+1 $", compiled[0])

	assert.True(t, strings.HasPrefix(out, "A "))
	assert.True(t, strings.HasSuffix(out, " B"))
	spans := querySelector(t, out, "span.typst-inline")
	require.Len(t, spans, 1)
	// Default color mode turned the black fill into currentColor.
	assert.Contains(t, out, `fill="currentColor"`)
	assert.NotContains(t, out, `fill="#000"`)
}

func TestTransformNoSpans(t *testing.T) {
	engine := &typst.StubEngine{}
	p := testProcessor(t, config.Default(), engine, nil)

	content := "Plain prose, `$code$`, and a [link](x.md).\n"
	out, err := p.Transform(context.Background(), "ch.md", content)
	require.NoError(t, err)
	assert.Equal(t, content, out)
	assert.Zero(t, engine.Compiles())
}

func TestTransformIdempotent(t *testing.T) {
	engine := &typst.StubEngine{}
	p := testProcessor(t, config.Default(), engine, nil)

	first, err := p.Transform(context.Background(), "ch.md", "Euler: $e^(i pi) = -1$.")
	require.NoError(t, err)
	require.Equal(t, 1, engine.Compiles())

	second, err := p.Transform(context.Background(), "ch.md", first)
	require.NoError(t, err)
	assert.Equal(t, first, second, "produced markup must not be re-rendered")
	assert.Equal(t, 1, engine.Compiles())
}

func TestFailedSpanPreservesSource(t *testing.T) {
	engine := &typst.StubEngine{
		CompileFunc: func(_ context.Context, inv typst.Invocation) (*typst.CompileResult, error) {
			if strings.Contains(inv.Source, "broken") {
				return &typst.CompileResult{Diagnostics: []typst.Diagnostic{
					{Severity: typst.SeverityError, Message: "unknown variable: broken"},
				}}, nil
			}
			return &typst.CompileResult{SVG: "<svg/>"}, nil
		},
	}
	p := testProcessor(t, config.Default(), engine, nil)

	out, err := p.Transform(context.Background(), "ch.md", "Good $x$ and bad $broken$ here.")
	require.NoError(t, err, "a span failure must not fail the chapter")

	assert.Contains(t, out, `<span class="typst-inline">`)
	assert.Contains(t, out, "$broken$", "failed span keeps its original text")
	assert.Equal(t, 2, engine.Compiles())
}

func TestFailedSpanPlaceholder(t *testing.T) {
	engine := &typst.StubEngine{
		CompileFunc: func(context.Context, typst.Invocation) (*typst.CompileResult, error) {
			return &typst.CompileResult{Diagnostics: []typst.Diagnostic{
				{Severity: typst.SeverityError, Message: "nope"},
			}}, nil
		},
	}
	cfg := config.Default()
	cfg.OnError = config.ErrorPlaceholder
	p := testProcessor(t, cfg, engine, nil)

	out, err := p.Transform(context.Background(), "ch.md", "bad: $oops$")
	require.NoError(t, err)

	markers := querySelector(t, out, "span.typst-error")
	require.Len(t, markers, 1)
	assert.NotContains(t, out, "$oops$")
}

func TestEngineExecErrorIsScopedToSpan(t *testing.T) {
	engine := &typst.StubEngine{
		CompileFunc: func(context.Context, typst.Invocation) (*typst.CompileResult, error) {
			return nil, errors.New("binary vanished")
		},
	}
	p := testProcessor(t, config.Default(), engine, nil)

	out, err := p.Transform(context.Background(), "ch.md", "keep $x$ text")
	require.NoError(t, err)
	assert.Equal(t, "keep $x$ text", out)
}

func TestWarningsCountedAsWarningResult(t *testing.T) {
	engine := &typst.StubEngine{
		CompileFunc: func(_ context.Context, inv typst.Invocation) (*typst.CompileResult, error) {
			res := &typst.CompileResult{SVG: "<svg/>"}
			if strings.Contains(inv.Source, "shaky") {
				res.Diagnostics = []typst.Diagnostic{
					{Severity: typst.SeverityWarning, Message: "unknown font family"},
				}
			}
			return res, nil
		},
	}
	rec := &spyRecorder{}
	store := pkgcache.NewStore("", config.DefaultRegistry, nil)
	env := typst.NewEnvironment(fontbook.New(nil), store, nil)
	p := New(config.Default(), engine, env, nil, rec, nil)

	out, err := p.Transform(context.Background(), "ch.md", "clean $x$ and $shaky$")
	require.NoError(t, err)

	// The warning span still renders, but is counted as a warning.
	assert.Equal(t, 2, strings.Count(out, `<span class="typst-inline">`))
	assert.Equal(t, 1, rec.count(metrics.ResultSuccess))
	assert.Equal(t, 1, rec.count(metrics.ResultWarning))
	assert.Zero(t, rec.count(metrics.ResultError))
}

func TestPackageFailureScopedToSpan(t *testing.T) {
	// Cache dir configured but the registry is unreachable: the span that
	// needs the package fails, the plain span still renders.
	store := pkgcache.NewStore(t.TempDir(), "http://127.0.0.1:1", nil)
	env := typst.NewEnvironment(fontbook.New(nil), store, nil)
	engine := &typst.StubEngine{}
	p := New(config.Default(), engine, env, nil, nil, nil)

	content := "fine $x$ and doomed $#import \"@missing/pkg:9.9.9\": *$ end"
	out, err := p.Transform(context.Background(), "ch.md", content)
	require.NoError(t, err)

	assert.Contains(t, out, `<span class="typst-inline">`)
	assert.Contains(t, out, `$#import "@missing/pkg:9.9.9": *$`)
	assert.Equal(t, 1, engine.Compiles(), "the failed span never reaches the engine")
}

func TestRenderCacheSkipsSecondCompile(t *testing.T) {
	cache, err := rendercache.Open(":memory:")
	require.NoError(t, err)
	defer cache.Close()

	engine := &typst.StubEngine{VersionString: "typst 0.12.0"}
	p := testProcessor(t, config.Default(), engine, cache)

	ctx := context.Background()
	first, err := p.Transform(ctx, "a.md", "$x^2$")
	require.NoError(t, err)
	require.Equal(t, 1, engine.Compiles())

	// Same math in another chapter resolves from the cache.
	second, err := p.Transform(ctx, "b.md", "$x^2$")
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Compiles())
	assert.Equal(t, first, second)
}

func TestStaticColorModePassesThrough(t *testing.T) {
	engine := &typst.StubEngine{
		CompileFunc: func(context.Context, typst.Invocation) (*typst.CompileResult, error) {
			return &typst.CompileResult{SVG: `<svg fill="#000"/>`}, nil
		},
	}
	cfg := config.Default()
	cfg.ColorMode = config.ColorStatic
	p := testProcessor(t, cfg, engine, nil)

	out, err := p.Transform(context.Background(), "ch.md", "$x$")
	require.NoError(t, err)
	assert.Contains(t, out, `fill="#000"`)
	assert.NotContains(t, out, "currentColor")
}

func TestProcessBookWalksNestedChapters(t *testing.T) {
	engine := &typst.StubEngine{}
	p := testProcessor(t, config.Default(), engine, nil)

	child := &mdbook.Chapter{Name: "Child", Content: "child $c$"}
	root := &mdbook.Chapter{
		Name:     "Root",
		Content:  "root $r$",
		SubItems: []mdbook.BookItem{mdbook.NewChapterItem(child)},
	}
	book := &mdbook.Book{Sections: []mdbook.BookItem{
		mdbook.NewPartTitle("Part I"),
		mdbook.NewChapterItem(root),
		mdbook.NewSeparator(),
	}}

	require.NoError(t, p.ProcessBook(context.Background(), book))

	assert.Contains(t, root.Content, `<span class="typst-inline">`)
	assert.Contains(t, child.Content, `<span class="typst-inline">`)
	assert.Equal(t, 2, engine.Compiles())
}

func TestProcessBookSkipsEmptyChapters(t *testing.T) {
	engine := &typst.StubEngine{}
	p := testProcessor(t, config.Default(), engine, nil)

	ch := &mdbook.Chapter{Name: "Draft"}
	book := &mdbook.Book{Sections: []mdbook.BookItem{mdbook.NewChapterItem(ch)}}

	require.NoError(t, p.ProcessBook(context.Background(), book))
	assert.Empty(t, ch.Content)
	assert.Zero(t, engine.Compiles())
}
