package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/viva/internal/handler"
	appI18n "github.com/pavelanni/viva/internal/i18n"
	"github.com/pavelanni/viva/internal/llm"
	"github.com/pavelanni/viva/internal/llm/prompts"
	"github.com/pavelanni/viva/internal/model"
	"github.com/pavelanni/viva/internal/store"
	"github.com/pavelanni/viva/internal/viva"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "viva",
		Short: "Adaptive oral examination server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the viva WebSocket server",
		RunE:  runServe,
	}
	llmDefaults := llm.DefaultConfig()
	sttDefaults := llm.DefaultTranscriberConfig()

	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "viva.db", "SQLite database path")
	f.StringSliceP("syllabus", "s", nil, "Paths to syllabus JSON files (repeatable)")
	f.String("llm-provider", llmDefaults.Provider, "LLM provider (openai, gemini, anthropic, mock)")
	f.String("llm-url", "", "OpenAI-compatible API base URL (openai provider only)")
	f.String("llm-key", "", "API key for the LLM provider")
	f.String("llm-model", "", "LLM model name (empty picks the provider default)")
	f.Int("llm-retries", llmDefaults.Retry.MaxAttempts, "Attempts per LLM call, including the first")
	f.Duration("llm-timeout", llmDefaults.Timeout, "Timeout for one LLM or transcription call")
	f.String("stt-url", sttDefaults.BaseURL, "Whisper-compatible transcription API base URL")
	f.String("stt-key", "", "API key for the transcription service")
	f.String("stt-model", sttDefaults.Model, "Transcription model name")
	f.String("stt-language", "", "Spoken language hint for transcription (ISO-639-1)")
	f.StringP("lang", "l", "en", "Default language for student-facing messages (en, ru)")
	f.Int("max-turns", viva.DefaultHardCap, "Maximum turns per concept")
	f.Duration("answer-timeout", 2*time.Minute, "How long to wait for an answer before moving on (0 waits forever)")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /viva)")
	f.StringSlice("allowed-origins", nil, "Origins allowed to open the viva WebSocket (empty allows all)")
	f.Int64("max-message-bytes", 10<<20, "Largest accepted WebSocket message in bytes")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export viva reports as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "viva.db", "SQLite database path")
	f.String("subject", "", "Only export vivas for this subject")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	return cmd
}

func setupLogging(v *viper.Viper) {
	var level slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// viperForCmd binds a command's flags, VIVA_* environment variables and an
// optional viva config file to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("VIVA")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("viva")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/viva")
	v.AddConfigPath("/etc/viva")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := loadSyllabus(ctx, db, v.GetStringSlice("syllabus")); err != nil {
		return fmt.Errorf("load syllabus: %w", err)
	}
	if n, err := db.ChapterCount(ctx); err != nil {
		return fmt.Errorf("count chapters: %w", err)
	} else if n == 0 {
		slog.Warn("no chapters loaded; every viva request will be rejected", "hint", "pass --syllabus")
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}

	llmCfg := llm.DefaultConfig()
	llmCfg.Provider = strings.ToLower(v.GetString("llm-provider"))
	llmCfg.BaseURL = v.GetString("llm-url")
	llmCfg.APIKey = v.GetString("llm-key")
	llmCfg.Model = v.GetString("llm-model")
	llmCfg.Retry.MaxAttempts = v.GetInt("llm-retries")
	llmCfg.Timeout = v.GetDuration("llm-timeout")

	provider, err := llm.NewProvider(ctx, llmCfg, slog.Default())
	if err != nil {
		return fmt.Errorf("create LLM provider: %w", err)
	}
	if err := pingLLM(ctx, llmCfg); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	client, err := llm.New(provider, prompts.PromptVariant(promptVariant), llmCfg.Timeout)
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}

	transcriber, err := llm.NewTranscriber(llm.TranscriberConfig{
		BaseURL:  v.GetString("stt-url"),
		APIKey:   v.GetString("stt-key"),
		Model:    v.GetString("stt-model"),
		Language: v.GetString("stt-language"),
	}, llmCfg.Timeout)
	if err != nil {
		return fmt.Errorf("create transcriber: %w", err)
	}

	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	vivaCfg := model.VivaConfig{
		MaxTurns:        v.GetInt("max-turns"),
		AnswerTimeout:   v.GetDuration("answer-timeout"),
		PromptVariant:   promptVariant,
		Lang:            lang,
		BasePath:        basePath,
		AllowedOrigins:  v.GetStringSlice("allowed-origins"),
		MaxMessageBytes: v.GetInt64("max-message-bytes"),
	}

	orch, err := viva.New(viva.Dependencies{
		Chapters:    db,
		Questions:   client,
		Transcriber: transcriber,
		Evaluator:   client,
		Feedback:    client,
	}, vivaCfg)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}

	h, err := handler.New(db, orch, vivaCfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(appI18n.Middleware(lang))

	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"provider", llmCfg.Provider,
		"model", client.ModelID(),
		"stt_model", v.GetString("stt-model"),
		"lang", lang,
		"max_turns", orch.Policy().HardCap,
		"answer_timeout", vivaCfg.AnswerTimeout,
		"prompt_variant", promptVariant,
		"base_path", basePath,
	)
	return http.ListenAndServe(addr, r)
}

// pingLLM checks that an OpenAI-compatible endpoint answers before the
// server accepts students. Other providers are checked on first use.
func pingLLM(ctx context.Context, cfg llm.Config) error {
	if cfg.Provider != llm.ProviderOpenAI {
		return nil
	}
	p, err := llm.NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.ModelName())
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return err
	}
	slog.Info("LLM endpoint OK", "url", cfg.BaseURL)
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	setupLogging(v)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportAllSessions(ctx, v.GetString("subject"))
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported vivas", "count", export.NumSessions, "output", outPath)
	return nil
}

// loadSyllabus imports chapters from each file. Files whose content hash
// matches the last import are skipped; changed files are re-imported and
// replace their chapters.
func loadSyllabus(ctx context.Context, db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(ctx, path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}
		if storedHash == hash {
			slog.Info("syllabus file unchanged, skipping", "path", path)
			continue
		}

		var chapters []model.Chapter
		if err := json.Unmarshal(data, &chapters); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, ch := range chapters {
			if err := db.UpsertChapter(ctx, ch); err != nil {
				return fmt.Errorf("import chapter %q from %s: %w", ch.Name, path, err)
			}
		}

		if err := db.SetImportedFileHash(ctx, path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
		slog.Info("imported syllabus", "path", path, "chapters", len(chapters), "reimport", storedHash != "")
	}
	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
