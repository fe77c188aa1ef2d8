package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cemwatch/cemwatch/pkg/client"
)

// Server adapts cemwatch-d to the Model Context Protocol.
type Server struct {
	mcpServer *server.MCPServer
	apiClient *client.Client
}

// NewServer creates a new MCP server instance.
func NewServer(apiURL string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"cemwatch",
			"1.0.0",
		),
		apiClient: client.NewClient(apiURL),
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// cemwatch://readings
	s.mcpServer.AddResource(mcp.NewResource(
		"cemwatch://readings",
		"Latest Meter Readings",
		mcp.WithResourceDescription("The latest reading of every tracked metering counter"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadReadings)

	// cemwatch://meters
	s.mcpServer.AddResource(mcp.NewResource(
		"cemwatch://meters",
		"Meter Topology",
		mcp.WithResourceDescription("Discovered objects, meters and counters of the CEM account"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadMeters)

	// cemwatch://status
	s.mcpServer.AddResource(mcp.NewResource(
		"cemwatch://status",
		"Daemon Status",
		mcp.WithResourceDescription("Connection state, token expiry and counter coverage"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadStatus)
}

// --- Tools ---

func (s *Server) registerTools() {
	// get_reading
	s.mcpServer.AddTool(mcp.NewTool(
		"get_reading",
		mcp.WithDescription("Get the latest reading of one metering counter by its var_id."),
		mcp.WithNumber("var_id", mcp.Required(), mcp.Description("The counter's variable id")),
	), s.handleGetReading)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"cemwatch-aware",
		mcp.WithPromptDescription("Provides context about cemwatch concepts (Objects, Meters, Counters, Readings)"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadReadings(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	readings, err := s.apiClient.GetReadings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch readings: %w", err)
	}

	data, err := json.MarshalIndent(readings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal readings: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadMeters(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	meters, err := s.apiClient.GetMeters(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch meters: %w", err)
	}

	data, err := json.MarshalIndent(meters, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal meters: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleReadStatus(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	status, err := s.apiClient.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch status: %w", err)
	}

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}

	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGetReading(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	varID := mcp.ParseInt(request, "var_id", 0)
	if varID == 0 {
		return mcp.NewToolResultError("var_id is required"), nil
	}

	reading, err := s.apiClient.GetReading(ctx, varID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	if !reading.HasValue {
		return mcp.NewToolResultText(fmt.Sprintf("Counter %d (%s) has no value yet.", reading.VarID, reading.CounterName)), nil
	}

	resultMsg := fmt.Sprintf("Counter %d (%s): %g %s\nMeter: %s\nObject: %s\nObserved: %s",
		reading.VarID, reading.CounterName, *reading.Value, reading.Unit,
		reading.MeterName, reading.ObjectName, reading.ObservedAt.Format("2006-01-02 15:04:05"))
	return mcp.NewToolResultText(resultMsg), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "cemwatch-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with cemwatch, a local daemon that polls the CEM
utility metering backend and caches the latest readings.

Concepts:
- Object: A building or site in the CEM account. Objects can nest.
- Meter: A physical metering device installed at an object.
- Counter: One measured channel of a meter, identified by var_id.
- Reading: The latest value of a counter plus its source timestamp.

Use the 'get_reading' tool to fetch one counter, or read the
cemwatch://readings resource for all tracked counters. Values refresh on
the daemon's polling interval; the fetched_at timestamp tells you how
fresh a value is.
`

	return mcp.NewGetPromptResult(
		"cemwatch-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}
