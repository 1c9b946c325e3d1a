// Command councild serves the LLM council: an HTTP API that runs each user
// message through parallel first-pass answers, anonymized peer ranking, and
// a chairman synthesis, streaming progress as Server-Sent Events. It can
// also expose the council as MCP tools for agent integrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/opencouncil/councild/internal/api"
	"github.com/opencouncil/councild/internal/config"
	"github.com/opencouncil/councild/internal/council"
	"github.com/opencouncil/councild/internal/engine"
	"github.com/opencouncil/councild/internal/llm"
	"github.com/opencouncil/councild/internal/mcptools"
	"github.com/opencouncil/councild/internal/transcript"
)

// CLI flags parsed from command line.
type cliFlags struct {
	ConfigDir string
	Listen    string
	ServeMCP  bool
	MCPAddr   string
	Version   bool
}

// version is set by goreleaser at build time.
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var flags cliFlags

	fs := flag.NewFlagSet("councild", flag.ContinueOnError)
	fs.StringVar(&flags.ConfigDir, "config-dir", ".", "directory containing councild.yml")
	fs.StringVar(&flags.Listen, "listen", "", "HTTP listen address (overrides config)")
	fs.BoolVar(&flags.ServeMCP, "serve-mcp", false, "run as MCP server on stdio for agent integration")
	fs.StringVar(&flags.MCPAddr, "mcp-addr", "", "also expose MCP tools over HTTP at this address")
	fs.BoolVar(&flags.Version, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	if flags.Version {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(flags.ConfigDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if flags.Listen != "" {
		cfg.ListenAddr = flags.Listen
	}

	settings, err := config.OpenSettings(cfg.SettingsPath())
	if err != nil {
		return err
	}

	store, err := transcript.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	router, err := buildRouter(cfg, settings)
	if err != nil {
		return err
	}

	service := council.NewService(router, settings)
	eng := engine.New(store, service)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.ServeMCP {
		return mcptools.RunMCPServerStdio(ctx, mcptools.NewCouncilService(eng))
	}
	if flags.MCPAddr != "" {
		go func() {
			if err := mcptools.RunMCPServer(ctx, mcptools.NewCouncilService(eng), flags.MCPAddr); err != nil {
				log.Printf("mcp: serve: %v", err)
			}
		}()
	}

	server := api.NewServer(eng, service, settings)
	if err := server.Start(ctx, cfg.ListenAddr); err != nil {
		return err
	}
	log.Printf("councild %s listening on %s", version, cfg.ListenAddr)

	<-ctx.Done()
	log.Printf("shutting down")
	return server.Stop(context.Background())
}

// buildRouter assembles the provider router from static config. Providers
// without credentials are still registered; calls against them surface the
// upstream auth error rather than failing at startup.
func buildRouter(cfg *config.Config, settings *config.SettingsStore) (*llm.Router, error) {
	openrouter := llm.NewOpenRouter(llm.OpenRouterConfig{
		APIKey:  cfg.OpenRouter.APIKey,
		BaseURL: cfg.OpenRouter.BaseURL,
		Models:  settings.CouncilModels(),
	})
	ollama := llm.NewOllama(cfg.Ollama.BaseURL)

	return llm.NewRouter(settings.Provider(), openrouter, ollama)
}
