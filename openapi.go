package mcpserve

// buildOpenAPI synthesizes an OpenAPI 3.1 document for the HTTP surface.
// Tool input schemas are published under components so API tooling can see
// what each tools/call accepts.
func buildOpenAPI(p *Protocol) map[string]any {
	schemas := map[string]any{}
	for _, name := range p.registry.ToolNames() {
		if t, ok := p.registry.Tool(name); ok {
			schemas["tool_"+name] = t.InputSchema()
		}
	}

	jsonrpcBody := map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"jsonrpc": map[string]any{"type": "string", "const": "2.0"},
						"method":  map[string]any{"type": "string"},
						"params":  map[string]any{"type": "object"},
						"id":      map[string]any{"type": []any{"string", "number"}},
					},
					"required": []any{"jsonrpc"},
				},
			},
		},
	}
	jsonResponse := func(description string) map[string]any {
		return map[string]any{
			"description": description,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"type": "object"},
				},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   p.serverName,
			"version": p.serverVersion,
		},
		"paths": map[string]any{
			"/mcp": map[string]any{
				"post": map[string]any{
					"summary":     "JSON-RPC endpoint for MCP requests",
					"operationId": "mcpPost",
					"requestBody": jsonrpcBody,
					"responses": map[string]any{
						"200": jsonResponse("JSON-RPC response"),
						"202": map[string]any{"description": "Notifications accepted"},
					},
				},
				"get": map[string]any{
					"summary":     "Server-sent event stream for server-initiated messages",
					"operationId": "mcpStream",
					"responses": map[string]any{
						"200": map[string]any{
							"description": "SSE stream",
							"content": map[string]any{
								"text/event-stream": map[string]any{},
							},
						},
						"409": map[string]any{"description": "Session already streaming"},
					},
				},
				"delete": map[string]any{
					"summary":     "Terminate a session",
					"operationId": "mcpDelete",
					"responses": map[string]any{
						"200": jsonResponse("Session terminated"),
						"404": jsonResponse("Unknown session"),
					},
				},
			},
			"/mcp/respond": map[string]any{
				"post": map[string]any{
					"summary":     "Deliver client responses to server-initiated requests",
					"operationId": "mcpRespond",
					"requestBody": jsonrpcBody,
					"responses": map[string]any{
						"202": map[string]any{"description": "Responses accepted"},
					},
				},
			},
			"/health": map[string]any{
				"get": map[string]any{
					"summary":     "Liveness probe",
					"operationId": "health",
					"responses":   map[string]any{"200": jsonResponse("Server is alive")},
				},
			},
			"/health/ready": map[string]any{
				"get": map[string]any{
					"summary":     "Readiness probe",
					"operationId": "healthReady",
					"responses": map[string]any{
						"200": jsonResponse("Server is ready"),
						"503": jsonResponse("Server is not ready"),
					},
				},
			},
		},
		"components": map[string]any{
			"schemas": schemas,
		},
	}
}
