package council

import (
	"context"
	"strings"
	"time"

	"github.com/opencouncil/councild/internal/llm"
)

// titleTimeout bounds the title-generation call; a slow title must never
// hold up turn completion for long.
const titleTimeout = 30 * time.Second

// maxTitleLength is the display limit for generated titles.
const maxTitleLength = 50

// Titler is the title-generation collaborator. It is informed of a
// completed first turn and produces a short conversation title.
type Titler struct {
	provider llm.Provider
	model    string
}

// NewTitler creates a Titler using the given model.
func NewTitler(provider llm.Provider, model string) *Titler {
	return &Titler{provider: provider, model: model}
}

// Generate produces a 3-5 word title for a conversation opened with the
// given query. On any failure it returns the default title rather than an
// error; titles are best-effort.
func (t *Titler) Generate(ctx context.Context, userQuery string) string {
	ctx, cancel := context.WithTimeout(ctx, titleTimeout)
	defer cancel()

	raw, err := t.provider.Chat(ctx, t.model, llm.UserMessage(TitlePrompt(userQuery)))
	if err != nil {
		return DefaultTitle
	}

	title := strings.TrimSpace(raw)
	title = strings.Trim(title, `"'`)
	if title == "" {
		return DefaultTitle
	}
	if len(title) > maxTitleLength {
		title = title[:maxTitleLength-3] + "..."
	}
	return title
}
