package main

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/bookscan/internal/batch"
	"github.com/zombor/bookscan/internal/ledger"
	"github.com/zombor/bookscan/internal/pipeline"
	"github.com/zombor/bookscan/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	// .env is optional; real environment variables win
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	flags := ff.NewFlagSet("bookscan")
	var (
		port           = flags.IntLong("port", 8080, "HTTP server port")
		dbPath         = flags.StringLong("db", "bookscan.db", "Database file path")
		storagePath    = flags.StringLong("storage", "./uploads", "Directory for uploaded documents")
		scannerType    = flags.StringLong("scanner", "gemini", "Scanner type: 'gemini' or 'ollama'")
		geminiKey      = flags.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = flags.StringLong("gemini-model", scanning.DefaultGeminiModel, "Gemini model: "+strings.Join(scanning.AllowedGeminiModels, ", "))
		ollamaURL      = flags.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = flags.StringLong("ollama-model", "qwen2.5vl", "Ollama vision model name")
		autoGuess      = flags.BoolLong("auto-guess", "Let the model guess accounts by default")
		bookTypeName   = flags.StringLong("book-type", "cash", "Default book type: cash, deposit or credit")
		maxFileMB      = flags.IntLong("max-file-mb", 50, "Largest document sent to the model, in MB")
		renderScale    = flags.Float64Long("render-scale", scanning.DefaultRenderScale, "PDF page render scale (1.0 = 72 DPI)")
		retryDelay     = flags.DurationLong("retry-delay", scanning.DefaultRetryDelay, "Base delay between retries of throttled requests")
		pagesPerMinute = flags.IntLong("pages-per-minute", 0, "Limit page requests per minute (0 = unlimited)")
		concurrency    = flags.IntLong("page-concurrency", 1, "Pages analyzed at once; keep 1 on free quotas")
		authUser       = flags.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = flags.StringLong("auth-pass", "", "Basic auth password (optional)")
		logLevel       = flags.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		logFormat      = flags.StringLong("log-format", "text", "Log format: text or json")
		showVersion    = flags.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("BOOKSCAN"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(flags))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := newLogger(*logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	bookType, err := ledger.ParseBookType(*bookTypeName)
	if err != nil {
		slog.Error("Invalid book type", "error", err)
		os.Exit(1)
	}

	slog.Info("Initializing database...", "path", *dbPath)
	db, err := batch.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var backend scanning.Backend
	switch *scannerType {
	case "gemini":
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			os.Exit(1)
		}
		slog.Info("Initializing Gemini scanner...", "model", *geminiModel)
		backend, err = scanning.NewGemini(apiKey, *geminiModel)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			os.Exit(1)
		}
	case "ollama":
		slog.Info("Initializing Ollama scanner...", "url", *ollamaURL, "model", *ollamaModel)
		backend, err = scanning.NewOllama(*ollamaURL, *ollamaModel)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			os.Exit(1)
		}
	default:
		slog.Error("Invalid scanner type", "type", *scannerType, "valid", "gemini or ollama")
		os.Exit(1)
	}

	maxBytes := *maxFileMB << 20
	client := scanning.NewClient(backend, maxBytes)
	defer client.Close()

	scanner := pipeline.NewScanner(
		scanning.NewFitzRasterizer(*renderScale),
		client,
		scanning.NewRetrier(*retryDelay),
		pipeline.WithConcurrency(*concurrency),
		pipeline.WithPagesPerMinute(*pagesPerMinute),
	)
	if *concurrency > 1 {
		slog.Warn("Pages will be analyzed concurrently; free API quotas may throttle", "concurrency", *concurrency)
	}

	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := batch.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	service := batch.NewService(db, scanner, store, batch.Defaults{
		BookType:  bookType,
		AutoGuess: *autoGuess,
	})

	server := batch.NewServer(service, batch.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	})
	server.MaxUploadBytes = int64(maxBytes)

	addr := fmt.Sprintf(":%d", *port)
	go func() {
		if err := server.Start(addr); err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("Server started",
		"address", fmt.Sprintf("http://localhost%s", addr),
		"version", version,
		"book_type", bookType,
		"auto_guess", *autoGuess,
	)
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Shutting down...")
}

// newLogger builds the process logger from the level and format flags
func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (want text or json)", format)
}
