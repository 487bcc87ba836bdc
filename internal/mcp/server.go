// Package mcp exposes conversation sessions as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/clinical-codes-finder/internal/domain"
	"github.com/clinical-codes-finder/internal/workflow"
)

// DefaultSessionID is used when a tool call names no session.
const DefaultSessionID = "default"

// Server represents the clinical codes MCP server
type Server struct {
	mcpServer *mcp.Server
	sessions  *workflow.SessionManager
	logger    *logrus.Logger
}

// SubmitQueryParams defines parameters for the submit_query tool
type SubmitQueryParams struct {
	Text      string `json:"text" jsonschema:"the user's utterance"`
	SessionID string `json:"session_id,omitempty" jsonschema:"conversation to continue, defaults to a shared session"`
}

// ResetConversationParams defines parameters for the reset_conversation tool
type ResetConversationParams struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"conversation to clear"`
}

// ListCodingSystemsParams takes no arguments.
type ListCodingSystemsParams struct{}

// CodingSystemInfo describes one supported coding system.
type CodingSystemInfo struct {
	ID          domain.CodingSystem `json:"id"`
	Name        string              `json:"name"`
	Description string              `json:"description"`
}

// NewServer creates a new MCP server instance
func NewServer(cfg domain.MCPConfig, sessions *workflow.SessionManager, logger *logrus.Logger) *Server {
	name := cfg.ServerName
	if name == "" {
		name = "clinical-codes-finder"
	}
	version := cfg.ServerVersion
	if version == "" {
		version = "v0.1.0"
	}

	server := &Server{
		mcpServer: mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil),
		sessions:  sessions,
		logger:    logger,
	}
	server.registerTools()

	return server
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "submit_query",
		Description: "Find ICD-10-CM, LOINC, RxNorm, HCPCS, UCUM and HPO codes for a clinical utterance. Follow-up questions such as \"what is the lab test for it?\" use the session's previous topic.",
	}, s.handleSubmitQuery)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "reset_conversation",
		Description: "Forget the conversation history of a session.",
	}, s.handleResetConversation)

	mcp.AddTool(s.mcpServer, &mcp.Tool{
		Name:        "list_coding_systems",
		Description: "List the coding systems the finder can search.",
	}, s.handleListCodingSystems)

	s.logger.WithField("tool_count", 3).Info("Registered MCP tools")
}

// Run serves tool calls over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting clinical codes MCP server on stdio")

	if err := s.mcpServer.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

func (s *Server) handleSubmitQuery(ctx context.Context, req *mcp.CallToolRequest, params SubmitQueryParams) (*mcp.CallToolResult, any, error) {
	sessionID := sessionOrDefault(params.SessionID)
	log := s.logger.WithFields(logrus.Fields{"tool": "submit_query", "session_id": sessionID})
	log.Info("Tool invoked")

	result, err := s.sessions.GetOrCreate(sessionID).SubmitQuery(ctx, params.Text)
	if err != nil {
		log.WithError(err).Warn("Query failed")
		return s.createErrorResult(string(domain.KindOf(err)), err), nil, nil
	}

	return s.jsonResult(result)
}

func (s *Server) handleResetConversation(ctx context.Context, req *mcp.CallToolRequest, params ResetConversationParams) (*mcp.CallToolResult, any, error) {
	sessionID := sessionOrDefault(params.SessionID)
	s.logger.WithFields(logrus.Fields{"tool": "reset_conversation", "session_id": sessionID}).Info("Tool invoked")

	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return s.createErrorResult("Unknown session", err), nil, nil
	}
	session.ResetConversation()

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: fmt.Sprintf("Conversation %s reset", sessionID)},
		},
	}, nil, nil
}

func (s *Server) handleListCodingSystems(ctx context.Context, req *mcp.CallToolRequest, params ListCodingSystemsParams) (*mcp.CallToolResult, any, error) {
	s.logger.WithField("tool", "list_coding_systems").Debug("Tool invoked")
	return s.jsonResult(codingSystems())
}

func codingSystems() []CodingSystemInfo {
	systems := domain.AllCodingSystems()
	out := make([]CodingSystemInfo, 0, len(systems))
	for _, system := range systems {
		out = append(out, CodingSystemInfo{
			ID:          system,
			Name:        system.DisplayName(),
			Description: system.Description(),
		})
	}
	return out
}

func (s *Server) jsonResult(v any) (*mcp.CallToolResult, any, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return s.createErrorResult("Failed to encode result", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(body)},
		},
	}, nil, nil
}

// createErrorResult creates a standardized error result for tool calls
func (s *Server) createErrorResult(message string, err error) *mcp.CallToolResult {
	errorText := fmt.Sprintf("Error: %s", message)
	if err != nil {
		errorText += fmt.Sprintf(" - %v", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: errorText},
		},
		IsError: true,
	}
}

func sessionOrDefault(id string) string {
	if id == "" {
		return DefaultSessionID
	}
	return id
}
