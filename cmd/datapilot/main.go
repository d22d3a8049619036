package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/m4xw311/datapilot/agent"
	"github.com/m4xw311/datapilot/config"
	"github.com/m4xw311/datapilot/llm"
	"github.com/m4xw311/datapilot/rules"
	"github.com/m4xw311/datapilot/server"
	"github.com/m4xw311/datapilot/session"
	"github.com/m4xw311/datapilot/token"
	"github.com/m4xw311/datapilot/tools"
	"github.com/m4xw311/datapilot/tools/mcp"
)

func main() {
	configFlag := flag.String("config", "", "Path to a config file (overrides the default lookup)")
	listenFlag := flag.String("listen", "", "Listen address (overrides config)")
	rulesFlag := flag.String("rules", "", "Rules directory (overrides config)")
	replFlag := flag.Bool("repl", false, "Run an interactive prompt instead of the HTTP server")
	flag.Parse()

	// A missing .env is fine; environment variables may come from anywhere.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configFlag != "" {
		cfg, err = config.LoadFile(*configFlag)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Listen = *listenFlag
	}
	if *rulesFlag != "" {
		cfg.RulesDir = *rulesFlag
	}

	rulesStore, err := rules.NewStore(cfg.RulesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading rules: %+v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()

	dataReg := session.NewDataRegistry()
	registry := tools.NewRegistry()
	for _, t := range tools.NewDataToolset(cfg.DataAccess, dataReg).Tools() {
		registry.Register(t)
	}
	registry.Register(tools.NewWebpageTool())

	webTools := tools.WebToolNames()
	var mcpClients []*mcp.Client
	for _, serverCfg := range cfg.MCPServers {
		client, err := mcp.Connect(ctx, serverCfg)
		if err != nil {
			logger.Warn("skipping MCP server", "name", serverCfg.Name, "error", err)
			continue
		}
		mcpClients = append(mcpClients, client)
		for _, t := range client.Tools() {
			registry.Register(t)
		}
		webTools = append(webTools, client.ToolNames()...)
		logger.Info("connected MCP server", "name", serverCfg.Name, "tools", client.ToolNames())
	}
	defer func() {
		for _, c := range mcpClients {
			_ = c.Close()
		}
	}()

	client, err := newLLMClient(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing LLM client: %+v\n", err)
		os.Exit(1)
	}

	manager := agent.NewManager(client, registry, dataReg, cfg, token.Default(), logger)

	if *replFlag {
		runREPL(ctx, manager, rulesStore, tools.LocalFileToolNames())
		return
	}

	srv := server.New(manager, registry, rulesStore, cfg, logger, tools.LocalFileToolNames(), webTools)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLLMClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	switch cfg.LLMClient {
	case "openai":
		return llm.NewOpenAIClient(ctx, cfg.Model)
	case "anthropic":
		return llm.NewAnthropicClient(ctx, cfg.Model)
	case "gemini":
		return llm.NewGeminiClient(ctx, cfg.Model)
	case "bedrock":
		return llm.NewBedrockClient(ctx, cfg.Model)
	case "mock":
		return llm.NewScriptedClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm client %q (want openai, anthropic, gemini, bedrock or mock)", cfg.LLMClient)
	}
}

// runREPL drives the agent from stdin, printing tool executions and answers
// to stdout. One REPL run is one session.
func runREPL(ctx context.Context, manager *agent.Manager, rulesStore *rules.Store, toolNames []string) {
	ag := manager.Get("", func(ex agent.ToolExecution) {
		fmt.Printf("[tool] %s (%.2fs)\n", ex.ToolName, ex.Duration.Seconds())
	})
	fmt.Printf("Session %s. Type a question, /<rule> <question> to apply a rule, or exit to quit.\n", ag.Session.ID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		ruleName, query := rules.ParseCommand(line)
		var rule *rules.Rule
		if ruleName != "" {
			var err error
			rule, err = rulesStore.Get(ruleName)
			if err != nil {
				fmt.Printf("Unknown rule %q, treating as a plain question.\n", ruleName)
				query = line
			}
		}

		result, err := ag.Run(ctx, query, rule, agent.Context{Mode: agent.ModeLocalFile, Data: map[string]interface{}{}}, toolNames)
		if err != nil {
			fmt.Printf("Error: %+v\n", err)
			continue
		}
		fmt.Println(result.Answer)
	}
}
