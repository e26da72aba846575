package main

import (
	"bufio"
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/termchat/termchat/chat"
	"github.com/termchat/termchat/config"
	"github.com/termchat/termchat/conversations"
	"github.com/termchat/termchat/lifecycle"
	"github.com/termchat/termchat/llm"
	"github.com/termchat/termchat/logger"
	"github.com/termchat/termchat/migrations"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", config.GetConfigPath(), "Path to config file")
		dbPath     = flag.String("db", config.GetDBPath(), "Path to SQLite database file")
		logFile    = flag.String("logfile", "termchat.log", "Path to log file. If empty, logs to stdout")
		pretty     = flag.Bool("pretty", false, "Use pretty console output (only valid when logfile is empty)")
		model      = flag.String("model", "", "Model for the initial conversation (overrides config default)")
		style      = flag.String("style", "", "Response style for the initial conversation")
	)
	flag.Parse()

	if *logFile != "" && *pretty {
		return fmt.Errorf("--logfile and --pretty are mutually exclusive")
	}

	log, err := logger.InitWithOptions(*logFile, *pretty)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log.Info().Str("config", *configPath).Str("db", *dbPath).Msg("termchat starting")

	db, err := sql.Open("sqlite3", *dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close() //nolint:errcheck // No remedy for db close errors

	if err := migrations.RunMigrations(db, "./migrations", log); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	store := conversations.NewStore(db)

	registry, manager, err := buildProviders(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if manager != nil {
		if err := manager.Start(ctx); err != nil {
			return fmt.Errorf("failed to start lifecycle manager: %w", err)
		}
	}

	coordinator := chat.NewCoordinator(registry, store, chat.Config{
		MaxTokens:        cfg.Stream.MaxTokens,
		Temperature:      cfg.Stream.Temperature,
		SubscriberBuffer: cfg.Stream.SubscriberBuffer,
		Styles:           cfg.Styles,
		Title: chat.TitleConfig{
			Disabled:    cfg.Title.Disabled,
			Preferences: cfg.TitlePreferences(),
		},
	}, log)

	initialModel := cfg.DefaultModel
	if *model != "" {
		initialModel = *model
	}
	initialStyle := cfg.DefaultStyle
	if *style != "" {
		initialStyle = *style
	}

	return console(ctx, coordinator, store, initialModel, initialStyle)
}

// buildProviders constructs a client for each enabled backend and registers
// it. The Ollama client doubles as the lifecycle manager's loader.
func buildProviders(cfg *config.Config, log zerolog.Logger) (*llm.ProviderRegistry, *lifecycle.Manager, error) {
	registry := llm.NewProviderRegistry(&llm.ProviderConfig{
		AnthropicAPIKey: cfg.Anthropic.APIKey,
		OpenAIAPIKey:    cfg.OpenAI.APIKey,
		OllamaHost:      cfg.Ollama.Host,
	}, cfg.Providers)

	var manager *lifecycle.Manager
	for _, backend := range registry.EnabledBackends() {
		if !registry.IsBackendConfigured(backend) {
			log.Warn().Str("backend", backend).Msg("Backend enabled but not configured, skipping")
			continue
		}
		switch backend {
		case llm.BackendAnthropic:
			client, err := config.NewAnthropicClient(cfg, log)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create anthropic client: %w", err)
			}
			registry.RegisterClient(backend, client)
		case llm.BackendOpenAI:
			client, err := config.NewOpenAIClient(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create openai client: %w", err)
			}
			registry.RegisterClient(backend, client)
		case llm.BackendOllama:
			client, err := config.NewOllamaClient(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create ollama client: %w", err)
			}
			manager = lifecycle.NewManager(client, cfg.IdleTimeout(), cfg.SweepInterval(), log)
			client.SetLifecycle(manager)
			registry.RegisterClient(backend, client)
		}
	}

	return registry, manager, nil
}

// console runs a minimal line-oriented chat loop. Slash commands switch
// conversations and models; anything else is sent as a prompt.
func console(ctx context.Context, coordinator *chat.Coordinator, store *conversations.Store, model, style string) error {
	conv := chat.NewConversation(model, style)
	if err := store.CreateConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	sub := coordinator.Subscribe(conv.ID)
	defer coordinator.Unsubscribe(conv.ID)

	fmt.Printf("termchat (model: %s, style: %s). /help for commands.\n", conv.Model, conv.Style)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			done, err := handleCommand(ctx, line, &conv, coordinator, store, &sub)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if done {
				return nil
			}
			continue
		}

		h, err := coordinator.Start(ctx, conv, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		drainEvents(sub, h)
	}
}

// drainEvents prints the stream for one generation. Returns once the
// generation finalizes; title updates arriving later are printed whenever
// they land between prompts.
func drainEvents(sub *chat.Subscription, h *chat.Handle) {
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				fmt.Printf("\n[subscription closed: %v]\n", sub.Err())
				<-h.Done()
				return
			}
			switch ev.Type {
			case chat.EventToken:
				fmt.Print(ev.Text)
			case chat.EventDone:
				fmt.Println()
				return
			case chat.EventError:
				fmt.Printf("\n[%s: %s]\n", ev.Err.Type, ev.Err.Message)
				return
			case chat.EventTitleUpdated:
				fmt.Printf("[title: %s]\n", ev.Title)
			}
		case <-h.Done():
			// Drain whatever is already buffered, then return.
			for {
				select {
				case ev := <-sub.Events():
					if ev.Type == chat.EventToken {
						fmt.Print(ev.Text)
					}
				default:
					fmt.Println()
					return
				}
			}
		}
	}
}

func handleCommand(ctx context.Context, line string, conv **chat.Conversation, coordinator *chat.Coordinator, store *conversations.Store, sub **chat.Subscription) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Println("/new [model] [style]  start a new conversation")
		fmt.Println("/history              list saved conversations")
		fmt.Println("/cancel               cancel the in-flight response")
		fmt.Println("/quit                 exit")
		return false, nil
	case "/new":
		model := (*conv).Model
		style := (*conv).Style
		if len(fields) > 1 {
			model = fields[1]
		}
		if len(fields) > 2 {
			style = fields[2]
		}
		next := chat.NewConversation(model, style)
		if err := store.CreateConversation(ctx, next); err != nil {
			return false, err
		}
		coordinator.Unsubscribe((*conv).ID)
		*conv = next
		*sub = coordinator.Subscribe(next.ID)
		fmt.Printf("new conversation (model: %s, style: %s)\n", model, style)
		return false, nil
	case "/history":
		records, err := store.ListConversations(ctx)
		if err != nil {
			return false, err
		}
		for _, rec := range records {
			title := rec.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("%s  %s  [%s]\n", rec.UpdatedAt.Format("2006-01-02 15:04"), title, rec.Model)
		}
		return false, nil
	case "/cancel":
		if !coordinator.Cancel((*conv).ID) {
			fmt.Println("nothing in flight")
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}
