package mcptools

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// NewCouncilMCPServer creates an MCP server with the 3 council tools
// registered: ask_council, list_conversations, and get_conversation.
func NewCouncilMCPServer(svc *CouncilService) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "councild",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_council",
		Description: "Ask the LLM council a question. Runs the full three-stage deliberation (parallel answers, anonymized peer ranking, chairman synthesis) and returns the chairman's final answer.",
	}, svc.AskCouncil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_conversations",
		Description: "List stored council conversations with their titles and message counts, newest first.",
	}, svc.ListConversations)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_conversation",
		Description: "Fetch one conversation's transcript as question/answer turns, including the chairman's final answer for each.",
	}, svc.GetConversation)

	return server
}

// RunMCPServer starts an HTTP server exposing the council MCP tools.
func RunMCPServer(ctx context.Context, svc *CouncilService, addr string) error {
	server := NewCouncilMCPServer(svc)

	handler := mcp.NewStreamableHTTPHandler(
		func(_ *http.Request) *mcp.Server { return server },
		nil,
	)

	httpServer := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Shutdown gracefully when context is cancelled.
	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// RunMCPServerStdio runs the MCP server on stdio transport, blocking until
// stdin is closed or the context is cancelled.
func RunMCPServerStdio(ctx context.Context, svc *CouncilService) error {
	return NewCouncilMCPServer(svc).Run(ctx, &mcp.StdioTransport{})
}
