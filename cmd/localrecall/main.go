// Package main is the Local Recall CLI entry point.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/localrecall/localrecall/internal/cli"
	"github.com/localrecall/localrecall/internal/config"
	"github.com/localrecall/localrecall/internal/embedding"
	"github.com/localrecall/localrecall/internal/llm"
	"github.com/localrecall/localrecall/internal/models"
	"github.com/localrecall/localrecall/internal/pipeline"
	"github.com/localrecall/localrecall/internal/rag"
	"github.com/localrecall/localrecall/internal/server"
	"github.com/localrecall/localrecall/internal/storage"
	"github.com/localrecall/localrecall/internal/vector"
	"github.com/localrecall/localrecall/pkg/utils"
)

var version = "dev"

const defaultConfigPath = "config.yaml"

// loadConfig loads the config file at path, falling back to defaults when the
// default path does not exist (first run needs no config file).
func loadConfig(path string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "serve":
		runServe()
	case "add":
		runAdd()
	case "search":
		runSearch()
	case "ask":
		runAsk()
	case "status":
		runStatus()
	case "reset":
		runReset()
	case "version", "--version", "-v":
		fmt.Printf("localrecall version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	components, err := initializeComponents(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	components.Pipeline.Start()

	srv := server.NewServer(
		components.Engine,
		components.Pipeline,
		components.Store,
		components.Index,
		components.Embedder,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	components.Pipeline.Stop()
	if err := components.Index.Save(); err != nil {
		logger.Warn("index snapshot save failed", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
}

func runAdd() {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = direct storage)")
	source := fs.String("source", "", "where the text came from")
	tags := fs.String("tags", "", "comma-separated tags")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		// Read from stdin when no positional text is given, so
		// `pbpaste | localrecall add` works.
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read stdin: %v\n", err)
			os.Exit(1)
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		fmt.Fprintln(os.Stderr, "Usage: localrecall add [flags] <text>  (or pipe text on stdin)")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	if *serverURL != "" {
		entry, err := addViaHTTP(*serverURL, models.EntryInput{Text: text, Source: *source, Tags: utils.SplitTags(*tags)})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Add failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteEntry(os.Stdout, entry, format)
		return
	}

	_, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	entry, err := components.Store.CreateEntry(context.Background(), text, *source, models.CaptureMethodCLI, utils.SplitTags(*tags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Add failed: %v\n", err)
		os.Exit(1)
	}
	// Embed immediately so the entry is searchable without a running server.
	if err := components.Pipeline.ReindexEntry(context.Background(), entry.ID); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: entry stored but not embedded: %v\n", err)
	}
	_ = cli.WriteEntry(os.Stdout, entry, format)
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = direct storage)")
	k := fs.Int("k", 5, "number of results")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "Usage: localrecall search [flags] <query>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	if *serverURL != "" {
		snippets, err := searchViaHTTP(*serverURL, models.QueryRequest{Query: query, K: *k})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteSnippets(os.Stdout, query, snippets, format)
		return
	}

	_, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	snippets, err := components.Engine.SemanticSearch(context.Background(), query, *k)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteSnippets(os.Stdout, query, snippets, format)
}

func runAsk() {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = direct storage)")
	model := fs.String("model", "", "generation model (default from config; gpt-* routes to OpenAI)")
	k := fs.Int("k", 5, "number of context snippets")
	stream := fs.Bool("stream", false, "stream the answer as it is generated")
	outputFormat := fs.String("output", "text", "output format: text or json (ignored with -stream)")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fmt.Fprintln(os.Stderr, "Usage: localrecall ask [flags] <question>")
		os.Exit(1)
	}
	format := parseFormat(*outputFormat)

	if *serverURL != "" {
		if *stream {
			if err := askStreamViaHTTP(*serverURL, query, *model, *k); err != nil {
				fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
				os.Exit(1)
			}
			return
		}
		answer, err := askViaHTTP(*serverURL, models.QueryRequest{Query: query, Model: *model, K: *k})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
			os.Exit(1)
		}
		_ = cli.WriteAnswer(os.Stdout, answer, format)
		return
	}

	cfg, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	resolvedModel := *model
	if resolvedModel == "" {
		resolvedModel = cfg.Ollama.LLMModel
	}

	if *stream {
		events, err := components.Engine.AnswerStream(context.Background(), query, resolvedModel, *k)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
			os.Exit(1)
		}
		if err := printStreamEvents(events); err != nil {
			fmt.Fprintf(os.Stderr, "\nAsk failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	answer, err := components.Engine.Answer(context.Background(), query, resolvedModel, *k)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ask failed: %v\n", err)
		os.Exit(1)
	}
	_ = cli.WriteAnswer(os.Stdout, answer, format)
}

func runStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	serverURL := fs.String("server", "http://localhost:8080", "server URL (empty = direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if *serverURL != "" {
		status, err := statusViaHTTP(*serverURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}
		printStatus(status, parseFormat(*outputFormat))
		return
	}

	_, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	ctx := context.Background()
	total, err := components.Store.CountEntries(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	embedded, err := components.Store.CountEmbedded(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		os.Exit(1)
	}
	printStatus(map[string]interface{}{
		"entries":            total,
		"embedded":           embedded,
		"pending":            total - embedded,
		"index_size":         components.Index.Size(),
		"index_dimensions":   components.Index.Dimensions(),
		"embedder_available": components.Embedder.CheckAvailable(ctx),
	}, parseFormat(*outputFormat))
}

func runReset() {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	yes := fs.Bool("yes", false, "skip confirmation")
	_ = fs.Parse(os.Args[2:])

	if !*yes {
		fmt.Print("This deletes ALL entries and the vector index. Type 'yes' to continue: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if strings.TrimSpace(line) != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	_, logger, components := mustInitialize(*configPath)
	defer logger.Sync()
	defer components.Close()

	count, err := components.Store.ClearAll(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		os.Exit(1)
	}
	if err := components.Index.Reset(); err != nil {
		fmt.Fprintf(os.Stderr, "Reset failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted %d entries and reset the index.\n", count)
}

// printStreamEvents renders a streamed answer: sources first, then chunks as
// they arrive.
func printStreamEvents(events <-chan models.StreamEvent) error {
	for ev := range events {
		done, err := renderStreamEvent(os.Stdout, ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return nil
}

// renderStreamEvent writes one stream event. done reports a terminal event;
// an error event becomes the returned error.
func renderStreamEvent(w io.Writer, ev models.StreamEvent) (done bool, err error) {
	switch ev.Type {
	case models.StreamEventMetadata:
		if len(ev.Sources) > 0 {
			fmt.Fprintln(w, "Sources:")
			for _, src := range ev.Sources {
				fmt.Fprintf(w, "  [%d] score %.4f\n", src.ID, src.Score)
			}
			fmt.Fprintln(w)
		}
	case models.StreamEventChunk:
		fmt.Fprint(w, ev.Content)
	case models.StreamEventDone:
		fmt.Fprintln(w)
		return true, nil
	case models.StreamEventError:
		return true, errors.New(ev.Content)
	}
	return false, nil
}

func printStatus(status map[string]interface{}, format cli.OutputFormat) {
	if format == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(status)
		return
	}
	for _, key := range []string{"entries", "embedded", "pending", "index_size", "index_dimensions", "pipeline_running", "embedder_available"} {
		if v, ok := status[key]; ok {
			fmt.Printf("%-20s %v\n", key+":", v)
		}
	}
}

func parseFormat(s string) cli.OutputFormat {
	switch s {
	case "json":
		return cli.OutputJSON
	case "text":
		return cli.OutputText
	default:
		fmt.Printf("Unknown output format %q; use text or json\n", s)
		os.Exit(1)
		return cli.OutputText
	}
}

// reorderArgs moves flags that appear after positional arguments to the front
// so flag.Parse() sees them. Go's flag package stops at the first non-flag
// argument, so "localrecall search my query -k 3" would otherwise leave -k
// unparsed.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func addViaHTTP(serverURL string, input models.EntryInput) (*models.Entry, error) {
	var entry models.Entry
	if err := postJSON(serverURL+"/api/v1/entries", input, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func searchViaHTTP(serverURL string, req models.QueryRequest) ([]models.RetrievedSnippet, error) {
	var out struct {
		Results []models.RetrievedSnippet `json:"results"`
	}
	if err := postJSON(serverURL+"/api/v1/query", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func askViaHTTP(serverURL string, req models.QueryRequest) (*models.Answer, error) {
	var answer models.Answer
	if err := postJSON(serverURL+"/api/v1/query", req, &answer); err != nil {
		return nil, err
	}
	return &answer, nil
}

func askStreamViaHTTP(serverURL, query, model string, k int) error {
	params := url.Values{}
	params.Set("query", query)
	if model != "" {
		params.Set("model", model)
	}
	if k > 0 {
		params.Set("k", fmt.Sprintf("%d", k))
	}
	resp, err := http.Get(serverURL + "/api/v1/query/stream?" + params.Encode())
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeHTTPError(resp)
	}

	// Events are rendered as they are scanned; a terminal event ends the
	// loop and the deferred body close drops the connection.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("bad stream event: %w", err)
		}
		done, err := renderStreamEvent(os.Stdout, ev)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return scanner.Err()
}

func statusViaHTTP(serverURL string) (map[string]interface{}, error) {
	resp, err := http.Get(serverURL + "/api/v1/status")
	if err != nil {
		return nil, fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeHTTPError(resp)
	}
	var status map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return status, nil
}

func postJSON(endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("is the server running? %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeHTTPError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeHTTPError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}

// Components holds initialized services.
type Components struct {
	Store    storage.Store
	Embedder embedding.Embedder
	Index    *vector.FlatIndex
	Engine   *rag.Engine
	Pipeline *pipeline.Pipeline
}

func (c *Components) Close() {
	if c.Pipeline != nil {
		c.Pipeline.Stop()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
	if c.Store != nil {
		_ = c.Store.Close()
	}
}

func mustInitialize(configPath string) (*config.Config, *zap.Logger, *Components) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := utils.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	components, err := initializeComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	return cfg, logger, components
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	embedder, err := embedding.NewOllamaEmbedder(embedding.OllamaConfig{
		BaseURL:    cfg.Ollama.BaseURL,
		Model:      cfg.Ollama.EmbeddingModel,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    time.Duration(cfg.Ollama.TimeoutSeconds) * time.Second,
		CacheSize:  cfg.Embedding.CacheSize,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	index, err := vector.NewFlatIndex(cfg.Embedding.Dimensions, cfg.Storage.IndexPath)
	if err != nil {
		_ = embedder.Close()
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	loaded, err := index.Load()
	if err != nil {
		if errors.Is(err, vector.ErrCorruptSnapshot) {
			logger.Warn("index snapshot unreadable, starting empty; reindex entries to rebuild", zap.Error(err))
		} else {
			logger.Warn("index snapshot load failed", zap.Error(err))
		}
	} else if loaded > 0 {
		logger.Info("index snapshot loaded", zap.Int("vectors", loaded))
	}

	local := llm.NewOllamaClient(llm.OllamaConfig{
		BaseURL: cfg.Ollama.BaseURL,
		Timeout: time.Duration(cfg.Ollama.TimeoutSeconds) * time.Second,
	})
	var hosted llm.Generator
	if cfg.OpenAI.APIKey != "" {
		client, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Timeout: time.Duration(cfg.OpenAI.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			logger.Warn("hosted provider disabled", zap.Error(err))
		} else {
			hosted = client
		}
	}

	engine := rag.New(store, index, embedder, local, hosted, rag.Config{
		MaxSnippets:  cfg.Query.MaxSnippets,
		DefaultModel: cfg.Ollama.LLMModel,
	}, logger)

	pl := pipeline.New(store, embedder, index, pipeline.Config{
		BatchSize:    cfg.Pipeline.BatchSize,
		PollInterval: time.Duration(cfg.Pipeline.PollIntervalSeconds) * time.Second,
		ErrorBackoff: time.Duration(cfg.Pipeline.ErrorBackoffSeconds) * time.Second,
	}, logger)

	return &Components{
		Store:    store,
		Embedder: embedder,
		Index:    index,
		Engine:   engine,
		Pipeline: pl,
	}, nil
}

func printUsage() {
	fmt.Println(`localrecall - personal text capture and retrieval

Usage:
  localrecall serve [flags]           Start the HTTP server and pipeline
  localrecall add [flags] <text>      Capture a text entry (or pipe on stdin)
  localrecall search [flags] <query>  Semantic search over captured entries
  localrecall ask [flags] <question>  Ask a question grounded in your entries
  localrecall status [flags]          Show store and index status
  localrecall reset [flags]           Delete all entries and the index
  localrecall version                 Show version
  localrecall help                    Show this help

Serve Flags:
  --config string    Config file path (default: config.yaml)
  --debug            Enable debug logging

Add Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --source string    Where the text came from
  --tags string      Comma-separated tags

Search Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --k int            Number of results (default: 5)
  --output string    Output format: text or json (default: text)

Ask Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" for direct storage.
  --model string     Generation model; gpt-* names route to the OpenAI API
  --k int            Number of context snippets (default: 5)
  --stream           Stream the answer as it is generated

Examples:
  localrecall serve
  localrecall add --tags go,notes "select with a default arm never blocks"
  pbpaste | localrecall add --source clipboard
  localrecall search goroutine leaks
  localrecall ask --stream "what did I save about goroutine leaks?"
  localrecall ask --model gpt-4o "summarize my notes on channels"
  localrecall status --output json
  localrecall reset --yes`)
}
