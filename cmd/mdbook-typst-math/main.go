// mdbook-typst-math is an mdBook preprocessor that renders typst math
// ($...$, $$...$$ and tagged code fences) to inline SVG at build time, so
// published books need no client-side typesetting.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/duskmoon314/mdbook-typst-math/internal/config"
	"github.com/duskmoon314/mdbook-typst-math/internal/fontbook"
	"github.com/duskmoon314/mdbook-typst-math/internal/logfields"
	"github.com/duskmoon314/mdbook-typst-math/internal/mdbook"
	"github.com/duskmoon314/mdbook-typst-math/internal/metrics"
	"github.com/duskmoon314/mdbook-typst-math/internal/pkgcache"
	"github.com/duskmoon314/mdbook-typst-math/internal/preprocess"
	"github.com/duskmoon314/mdbook-typst-math/internal/rendercache"
	"github.com/duskmoon314/mdbook-typst-math/internal/typst"
	"github.com/duskmoon314/mdbook-typst-math/internal/version"
)

var CLI struct {
	Verbose bool `short:"v" help:"Enable verbose logging"`

	Preprocess struct{} `cmd:"" default:"1" help:"Run the mdBook preprocessor protocol over stdin/stdout"`

	Supports struct {
		Renderer string `arg:"" help:"Renderer name mdBook asks about"`
	} `cmd:"" help:"Report whether a renderer is supported (exit status)"`

	Render struct {
		Input string `arg:"" optional:"" help:"Markdown file to transform (default: stdin)"`
		Book  string `short:"b" default:"book.toml" help:"book.toml to read [preprocessor.typst-math] options from"`
	} `cmd:"" help:"Transform one markdown document outside mdBook, for iterating on a chapter"`

	Version struct{} `cmd:"" help:"Print version information"`
}

func main() {
	// Best effort; a missing .env is the normal case.
	_ = godotenv.Load()

	kctx := kong.Parse(&CLI,
		kong.Name("mdbook-typst-math"),
		kong.Description("Renders typst math in mdBook chapters to inline SVG."),
	)

	// stdout belongs to the preprocessor protocol; all logging goes to
	// stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(CLI.Verbose),
	}))
	slog.SetDefault(logger)

	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Debug(fmt.Sprintf(format, args...))
	}))

	logger = logger.With(logfields.RunID(uuid.NewString()))

	var err error
	switch kctx.Command() {
	case "preprocess":
		err = runPreprocess(logger)
	case "supports <renderer>":
		if CLI.Supports.Renderer != "html" {
			os.Exit(1)
		}
	case "render", "render <input>":
		err = runRender(logger)
	case "version":
		fmt.Printf("mdbook-typst-math %s (commit %s, built %s)\n",
			version.Version, version.GitCommit, version.BuildTime)
	}
	if err != nil {
		logger.Error("run failed", logfields.Error(err))
		os.Exit(1)
	}
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var level slog.Level
	if name := os.Getenv(config.EnvLog); name != "" {
		if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err == nil {
			return level
		}
	}
	return slog.LevelInfo
}

func runPreprocess(logger *slog.Logger) error {
	mdctx, book, err := mdbook.ParseInput(os.Stdin)
	if err != nil {
		return err
	}

	raw, _ := mdctx.PreprocessorConfig(config.PreprocessorName)
	cfg, err := config.FromJSON(raw)
	if err != nil {
		return err
	}

	if err := transformBook(logger, cfg, book); err != nil {
		return err
	}
	return mdbook.WriteBook(os.Stdout, book)
}

func runRender(logger *slog.Logger) error {
	cfg := config.Default()
	if _, err := os.Stat(CLI.Render.Book); err == nil {
		cfg, err = config.LoadBookTOML(CLI.Render.Book)
		if err != nil {
			return err
		}
	} else {
		logger.Debug("no book.toml found, using defaults", logfields.Path(CLI.Render.Book))
	}

	var source []byte
	var err error
	if CLI.Render.Input == "" {
		source, err = io.ReadAll(os.Stdin)
	} else {
		source, err = os.ReadFile(CLI.Render.Input)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	book := &mdbook.Book{Sections: []mdbook.BookItem{
		mdbook.NewChapterItem(&mdbook.Chapter{Name: CLI.Render.Input, Content: string(source)}),
	}}
	if err := transformBook(logger, cfg, book); err != nil {
		return err
	}
	_, err = os.Stdout.WriteString(book.Sections[0].Chapter.Content)
	return err
}

// transformBook assembles the pipeline from cfg and runs it over the book.
func transformBook(logger *slog.Logger, cfg *config.Config, book *mdbook.Book) error {
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return err
	}

	engine, err := typst.NewBinaryEngine(cfg.Typst, logger)
	if err != nil {
		return err
	}

	fonts := fontbook.Build(cfg.Fonts, logger)
	store := pkgcache.NewStore(cfg.Cache, cfg.Registry, logger)
	env := typst.NewEnvironment(fonts, store, logger)

	var cache *rendercache.Cache
	if cfg.RenderCache != "" {
		cache, err = rendercache.Open(cfg.RenderCache)
		if err != nil {
			// The cache is an accelerator; a broken file must not block
			// the build.
			logger.Warn("render cache unavailable, rendering everything", logfields.Error(err))
		} else {
			defer cache.Close()
		}
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var promRecorder *metrics.PrometheusRecorder
	if cfg.MetricsTextfile != "" {
		promRecorder = metrics.NewPrometheusRecorder()
		recorder = promRecorder
	}

	start := time.Now()
	proc := preprocess.New(cfg, engine, env, cache, recorder, logger)
	if err := proc.ProcessBook(context.Background(), book); err != nil {
		return err
	}
	logger.Info("book processed",
		logfields.DurationMS(time.Since(start)),
		slog.Int64("package_fetches", store.Fetches()),
	)

	if promRecorder != nil {
		if err := promRecorder.WriteTextfile(cfg.MetricsTextfile); err != nil {
			logger.Warn("metrics export failed", logfields.Error(err))
		}
	}
	return nil
}
