package council

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/opencouncil/councild/internal/llm"
)

// defaultTitleModel generates conversation titles on hosted providers.
// Local providers use whatever model is installed instead.
const defaultTitleModel = "google/gemini-2.5-flash"

// Settings supplies the current council composition and default provider.
// The config package's SettingsStore implements it.
type Settings interface {
	Provider() string
	CouncilModels() []string
	ChairmanModel() string
}

// Service resolves providers and settings per turn and runs the council
// pipeline. It implements the engine's Service contract.
type Service struct {
	router   *llm.Router
	settings Settings
}

// NewService creates a Service over the provider router and settings.
func NewService(router *llm.Router, settings Settings) *Service {
	return &Service{router: router, settings: settings}
}

// RunTurn executes the full stage pipeline against the named provider
// (empty means the configured default), forwarding every progress event
// to emit.
func (s *Service) RunTurn(ctx context.Context, provider string, req Request, emit func(Event)) error {
	p, models, chairman, err := s.resolve(ctx, provider)
	if err != nil {
		return err
	}
	return NewRunner(p, models, chairman).Run(ctx, req, emit)
}

// GenerateTitle derives a short title from the opening query. Best effort:
// any failure yields the default title.
func (s *Service) GenerateTitle(ctx context.Context, provider, query string) string {
	p, err := s.provider(provider)
	if err != nil {
		log.Printf("council: title generation: %v", err)
		return DefaultTitle
	}

	model := defaultTitleModel
	if p.Name() == "ollama" {
		installed, err := p.ListModels(ctx)
		if err != nil || len(installed) == 0 {
			log.Printf("council: title generation: no local models: %v", err)
			return DefaultTitle
		}
		model = installed[0]
	}
	return NewTitler(p, model).Generate(ctx, query)
}

// SummarizeHistory compacts older final answers into a summary turn using
// the chairman model.
func (s *Service) SummarizeHistory(ctx context.Context, provider string, finals []string) (Turn, error) {
	p, _, chairman, err := s.resolve(ctx, provider)
	if err != nil {
		return Turn{}, err
	}
	return NewSummarizer(p, chairman).Summarize(ctx, finals)
}

// AvailableModels lists the models the named provider can serve.
func (s *Service) AvailableModels(ctx context.Context, provider string) ([]string, error) {
	p, err := s.provider(provider)
	if err != nil {
		return nil, err
	}
	return p.ListModels(ctx)
}

func (s *Service) provider(name string) (llm.Provider, error) {
	if name == "" {
		name = s.settings.Provider()
	}
	return s.router.Pick(name)
}

// resolve picks the provider and the council composition for one turn.
// For a local provider the council is filtered to installed models, and a
// chairman that is not installed falls back to the first available model.
func (s *Service) resolve(ctx context.Context, provider string) (llm.Provider, []string, string, error) {
	p, err := s.provider(provider)
	if err != nil {
		return nil, nil, "", err
	}

	models := s.settings.CouncilModels()
	chairman := s.settings.ChairmanModel()
	if p.Name() != "ollama" {
		return p, models, chairman, nil
	}

	installed, err := p.ListModels(ctx)
	if err != nil {
		return nil, nil, "", fmt.Errorf("council: list local models: %w", err)
	}
	if len(models) == 0 {
		models = installed
	} else {
		models = filterInstalled(models, installed)
	}
	if len(models) == 0 {
		return nil, nil, "", fmt.Errorf("council: no configured council models are installed locally")
	}
	if !isInstalled(chairman, installed) {
		chairman = models[0]
	}
	return p, models, chairman, nil
}

// filterInstalled keeps only models present locally. A bare name matches
// its ":latest" tag and vice versa.
func filterInstalled(models, installed []string) []string {
	var out []string
	for _, m := range models {
		if isInstalled(m, installed) {
			out = append(out, m)
		}
	}
	return out
}

func isInstalled(model string, installed []string) bool {
	for _, have := range installed {
		if model == have || model+":latest" == have || strings.TrimSuffix(model, ":latest") == have {
			return true
		}
	}
	return false
}
