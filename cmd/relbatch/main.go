package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"relbatch/internal/app"
	"relbatch/internal/batch"
	"relbatch/internal/config"
	"relbatch/internal/engine"
	"relbatch/internal/gqlrequest"
	"relbatch/internal/logging"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		slog.Error("relbatch error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type cliOptions struct {
	queryFile  string
	operation  string
	path       string
	parentType string
	parents    string
	varsFile   string
	execute    bool
	version    bool
}

func defineCLIFlags(fs *pflag.FlagSet) *cliOptions {
	opts := &cliOptions{}
	fs.StringVarP(&opts.queryFile, "query", "q", "", "GraphQL document to walk (- for stdin)")
	fs.StringVar(&opts.operation, "operation", "", "Operation name when the document has several")
	fs.StringVar(&opts.path, "path", "", "Dotted response path to the parent objects")
	fs.StringVar(&opts.parentType, "parent-type", "", "Type of the parent objects")
	fs.StringVar(&opts.parents, "parents", "", "Comma-separated parent ids")
	fs.StringVar(&opts.varsFile, "vars", "", "JSON file with operation variables")
	fs.BoolVar(&opts.execute, "execute", false, "Run the batches against the database instead of explaining them")
	fs.BoolVar(&opts.version, "version", false, "Print version and exit")
	return opts
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := pflag.NewFlagSet("relbatch", pflag.ContinueOnError)
	config.DefineFlags(fs)
	opts := defineCLIFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.version {
		_, err := fmt.Fprintf(stdout, "relbatch %s (%s)\n", Version, Commit)
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Observability.ServiceVersion == "" || cfg.Observability.ServiceVersion == "dev" {
		cfg.Observability.ServiceVersion = Version
	}
	if err := validateConfig(cfg); err != nil {
		return err
	}

	logger, loggerProvider, err := app.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		if loggerProvider != nil {
			_ = loggerProvider.Shutdown(context.Background(), logger.Logger)
		}
		return err
	}
	a.AttachLoggerProvider(loggerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = a.Shutdown(shutdownCtx)
	}()

	doc, reqs, err := walkRequests(opts, stdin, a)
	if err != nil {
		return err
	}
	setHash := doc.RequestSetHash(opts.walkOptions())
	logger.Info("walked operation",
		slog.String("operation", doc.OperationName),
		slog.String("operation_hash", doc.OperationHash),
		slog.String("request_set_hash", setHash),
		slog.Int("requests", len(reqs)),
	)

	if !opts.execute {
		eng := engine.New(nil, a.Catalog(), engine.Options{Batch: cfg.Batch, Logger: logger})
		explain, err := eng.NewExecution(ctx).Plan(reqs)
		if err != nil {
			return err
		}
		return writeJSON(stdout, explainOutput(doc, setHash, len(reqs), explain))
	}

	if err := a.Init(ctx); err != nil {
		return err
	}
	ctx = logging.WithLogger(ctx, logger)
	exec := a.Engine().NewExecution(ctx)
	slots, err := exec.Load(ctx, reqs)
	if err != nil {
		return err
	}
	return writeJSON(stdout, loadOutput(doc, setHash, exec.ID(), slots))
}

func validateConfig(cfg *config.Config) error {
	result := cfg.Validate()
	for _, warn := range result.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if !result.HasErrors() {
		return nil
	}
	for _, err := range result.Errors {
		slog.Error("configuration error",
			slog.String("field", err.Field),
			slog.String("message", err.Message),
			slog.String("hint", err.Hint),
		)
	}
	return errors.New("configuration validation failed")
}

func walkRequests(opts *cliOptions, stdin io.Reader, a *app.App) (*gqlrequest.Document, []batch.Request, error) {
	if opts.queryFile == "" {
		return nil, nil, errors.New("--query is required")
	}
	if opts.parentType == "" {
		return nil, nil, errors.New("--parent-type is required")
	}
	query, err := readInput(opts.queryFile, stdin)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read query: %w", err)
	}
	var vars []byte
	if opts.varsFile != "" {
		if vars, err = readInput(opts.varsFile, stdin); err != nil {
			return nil, nil, fmt.Errorf("failed to read variables: %w", err)
		}
	}

	doc, err := gqlrequest.Parse(gqlrequest.Envelope{
		Query:         string(query),
		OperationName: opts.operation,
		VariablesRaw:  vars,
	})
	if err != nil {
		return nil, nil, err
	}
	reqs, err := gqlrequest.NewWalker(a.Catalog()).Walk(doc, opts.walkOptions())
	if err != nil {
		return nil, nil, err
	}
	return doc, reqs, nil
}

func (o *cliOptions) walkOptions() gqlrequest.WalkOptions {
	return gqlrequest.WalkOptions{
		Path:       o.path,
		ParentType: o.parentType,
		Parents:    parseParents(o.parents),
	}
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// parseParents keeps integral ids as int64 so they bind as numbers.
func parseParents(raw string) []any {
	var out []any
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
			continue
		}
		out = append(out, part)
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
