// Package mcp exposes the purity index over the Model Context Protocol so
// coding agents can query classifications without shelling out to the CLI.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/puretrace/puretrace/internal/storage"
)

// ResultsIndex is the slice of the storage backend the server reads from.
type ResultsIndex interface {
	Get(ctx context.Context, key string) (*storage.FunctionSummary, error)
	ByFile(ctx context.Context, file string) ([]storage.FunctionSummary, error)
	ByLevel(ctx context.Context, level string) ([]storage.FunctionSummary, error)
	All(ctx context.Context) ([]storage.FunctionSummary, error)
	Count(ctx context.Context) (int, error)
}

// Server answers MCP requests over stdio.
type Server struct {
	index  ResultsIndex
	server *mcp.Server
}

// Tool describes one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource describes one readable resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a server over the given results index.
func NewServer(index ResultsIndex) *Server {
	s := &Server{index: index}
	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "puretrace",
		Version: "0.1.0",
	}, nil)
	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "purity_report",
			Description: "Summarize the purity classification of the analyzed repository, optionally filtered by level (pure, impure, unknown).",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"level": {Type: "string", Description: "Restrict the report to one level: pure, impure, or unknown"},
					"limit": {Type: "integer", Description: "Maximum number of functions to list"},
				},
			},
		},
		{
			Name:        "purity_explain",
			Description: "Explain why a function was classified pure or impure: its level, confidence, reason, side effects, and direct dependencies.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"symbol": {Type: "string", Description: "Function name, Type.method name, or file:name:line key"},
				},
				Required: []string{"symbol"},
			},
		},
		{
			Name:        "purity_impact",
			Description: "List the functions whose purity classification depends on a given function, following caller edges transitively.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"symbol": {Type: "string", Description: "Function name, Type.method name, or file:name:line key"},
					"depth":  {Type: "integer", Description: "Maximum caller-edge depth to follow"},
				},
				Required: []string{"symbol"},
			},
		},
		{
			Name:        "purity_file",
			Description: "List every analyzed function in a source file with its purity classification.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"file": {Type: "string", Description: "Repository-relative path of the source file"},
				},
				Required: []string{"file"},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "puretrace://overview",
			Name:        "Purity Overview",
			Description: "Aggregate purity statistics for the analyzed repository",
			MimeType:    "text/plain",
		},
		{
			URI:         "puretrace://impure",
			Name:        "Impure Functions",
			Description: "Every function classified impure, with its reason",
			MimeType:    "text/plain",
		},
		{
			URI:         "puretrace://schema",
			Name:        "Result Schema",
			Description: "Description of the purity result model",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "purity_report":
		level, _ := args["level"].(string)
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 50
		}
		return s.handleReport(ctx, level, int(limit))
	case "purity_explain":
		symbol, _ := args["symbol"].(string)
		return s.handleExplain(ctx, symbol)
	case "purity_impact":
		symbol, _ := args["symbol"].(string)
		depth, _ := args["depth"].(float64)
		if depth == 0 {
			depth = 3
		}
		return s.handleImpact(ctx, symbol, int(depth))
	case "purity_file":
		file, _ := args["file"].(string)
		return s.handleFile(ctx, file)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "puretrace://overview":
		return s.overview(ctx)
	case "puretrace://impure":
		return s.impureList(ctx)
	case "puretrace://schema":
		return resultSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run serves JSON-RPC over the given streams until EOF or cancellation.
// Messages are newline-delimited compact JSON.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "puretrace",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

// Tool handlers

func (s *Server) handleReport(ctx context.Context, level string, limit int) (string, error) {
	var (
		summaries []storage.FunctionSummary
		err       error
	)
	if level != "" {
		summaries, err = s.index.ByLevel(ctx, level)
	} else {
		summaries, err = s.index.All(ctx)
	}
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return "No results found. Run `puretrace analyze` first.", nil
	}

	counts := map[string]int{}
	for _, sum := range summaries {
		counts[sum.Level]++
	}

	var sb strings.Builder
	sb.WriteString("## Purity Report\n\n")
	if level != "" {
		sb.WriteString(fmt.Sprintf("Level filter: `%s`\n\n", level))
	}
	sb.WriteString(fmt.Sprintf("**Functions:** %d (pure %d, impure %d, unknown %d)\n\n",
		len(summaries), counts["pure"], counts["impure"], counts["unknown"]))

	shown := summaries
	if len(shown) > limit {
		shown = shown[:limit]
	}
	for _, sum := range shown {
		sb.WriteString(fmt.Sprintf("- **%s** [%s, %.2f] in `%s`\n",
			sum.ID.Name, sum.Level, sum.Confidence, sum.ID.File))
	}
	if len(summaries) > limit {
		sb.WriteString(fmt.Sprintf("\n...and %d more. Raise `limit` or filter by level.\n", len(summaries)-limit))
	}

	sb.WriteString("\nNext: use `purity_explain` on a specific function for its reason chain.")
	return sb.String(), nil
}

func (s *Server) handleExplain(ctx context.Context, symbol string) (string, error) {
	if symbol == "" {
		return "No symbol provided", nil
	}

	sum, err := s.resolveSymbol(ctx, symbol)
	if err != nil {
		return "", err
	}
	if sum == nil {
		return fmt.Sprintf("Function '%s' not found in the purity index", symbol), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n\n", sum.ID.Name))
	sb.WriteString(fmt.Sprintf("**File:** %s (lines %d-%d)\n", sum.ID.File, sum.ID.Line, sum.EndLine))
	sb.WriteString(fmt.Sprintf("**Level:** %s\n", sum.Level))
	sb.WriteString(fmt.Sprintf("**Confidence:** %.2f\n", sum.Confidence))
	sb.WriteString(fmt.Sprintf("**Reason:** %s", sum.ReasonKind))
	if sum.ReasonDetail != "" {
		sb.WriteString(" (" + sum.ReasonDetail + ")")
	}
	sb.WriteString("\n")
	if sum.Depth > 0 {
		sb.WriteString(fmt.Sprintf("**Dependency depth:** %d\n", sum.Depth))
	}
	if sum.Complexity > 0 {
		sb.WriteString(fmt.Sprintf("**Complexity:** %d\n", sum.Complexity))
	}

	if len(sum.SideEffects) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Side Effects (%d)\n", len(sum.SideEffects)))
		for _, eff := range sum.SideEffects {
			sb.WriteString("- " + eff + "\n")
		}
	}

	if len(sum.Callees) > 0 {
		sb.WriteString(fmt.Sprintf("\n### Calls (%d)\n", len(sum.Callees)))
		for _, callee := range sum.Callees {
			if dep, err := s.index.Get(ctx, callee); err == nil && dep != nil {
				sb.WriteString(fmt.Sprintf("- %s [%s, %.2f]\n", dep.ID.Name, dep.Level, dep.Confidence))
			} else {
				sb.WriteString(fmt.Sprintf("- %s [unresolved]\n", callee))
			}
		}
	}

	sb.WriteString("\nNext: use `purity_impact` before changing this function.")
	return sb.String(), nil
}

func (s *Server) handleImpact(ctx context.Context, symbol string, depth int) (string, error) {
	if symbol == "" {
		return "No symbol provided", nil
	}

	sum, err := s.resolveSymbol(ctx, symbol)
	if err != nil {
		return "", err
	}
	if sum == nil {
		return fmt.Sprintf("Function '%s' not found in the purity index", symbol), nil
	}

	byDepth, total, err := s.collectCallers(ctx, sum, depth)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Impact of %s (depth %d)\n\n", sum.ID.Name, depth))

	if total == 0 {
		sb.WriteString("Nothing calls this function. Its classification affects only itself.\n")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("Changing its purity may reclassify **%d** functions:\n\n", total))
	for d := 1; d <= depth; d++ {
		level := byDepth[d]
		if len(level) == 0 {
			continue
		}
		sb.WriteString(fmt.Sprintf("### Depth %d (%d)\n", d, len(level)))
		for _, c := range level {
			sb.WriteString(fmt.Sprintf("- %s [%s, %.2f] in `%s`\n", c.ID.Name, c.Level, c.Confidence, c.ID.File))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Tip: impurity propagates to every function above, purity only if all their other dependencies stay pure.")
	return sb.String(), nil
}

func (s *Server) handleFile(ctx context.Context, file string) (string, error) {
	if file == "" {
		return "No file provided", nil
	}

	summaries, err := s.index.ByFile(ctx, file)
	if err != nil {
		return "", err
	}
	if len(summaries) == 0 {
		return fmt.Sprintf("No analyzed functions in '%s'", file), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s (%d functions)\n\n", file, len(summaries)))
	for _, sum := range summaries {
		sb.WriteString(fmt.Sprintf("- line %d: **%s** [%s, %.2f] %s\n",
			sum.ID.Line, sum.ID.Name, sum.Level, sum.Confidence, sum.ReasonKind))
	}
	return sb.String(), nil
}

// resolveSymbol finds the summary for a symbol given as an exact key, an
// exact name, or a unique suffix match on Type.method names. Returns nil
// when nothing matches.
func (s *Server) resolveSymbol(ctx context.Context, symbol string) (*storage.FunctionSummary, error) {
	if sum, err := s.index.Get(ctx, symbol); err != nil {
		return nil, err
	} else if sum != nil {
		return sum, nil
	}

	all, err := s.index.All(ctx)
	if err != nil {
		return nil, err
	}

	var exact, suffix []storage.FunctionSummary
	for _, sum := range all {
		switch {
		case sum.ID.Name == symbol:
			exact = append(exact, sum)
		case strings.HasSuffix(sum.ID.Name, "."+symbol):
			suffix = append(suffix, sum)
		}
	}
	if len(exact) > 0 {
		return &exact[0], nil
	}
	if len(suffix) == 1 {
		return &suffix[0], nil
	}
	return nil, nil
}

// collectCallers walks caller edges breadth-first up to maxDepth levels.
func (s *Server) collectCallers(ctx context.Context, start *storage.FunctionSummary, maxDepth int) (map[int][]storage.FunctionSummary, int, error) {
	seen := map[string]bool{start.Key(): true}
	byDepth := make(map[int][]storage.FunctionSummary)
	total := 0

	frontier := []storage.FunctionSummary{*start}
	for d := 1; d <= maxDepth && len(frontier) > 0; d++ {
		var next []storage.FunctionSummary
		for _, sum := range frontier {
			for _, key := range sum.Callers {
				if seen[key] {
					continue
				}
				seen[key] = true
				caller, err := s.index.Get(ctx, key)
				if err != nil {
					return nil, 0, err
				}
				if caller == nil {
					continue
				}
				byDepth[d] = append(byDepth[d], *caller)
				next = append(next, *caller)
				total++
			}
		}
		sort.Slice(byDepth[d], func(i, j int) bool { return byDepth[d][i].Key() < byDepth[d][j].Key() })
		frontier = next
	}
	return byDepth, total, nil
}

// Resource handlers

func (s *Server) overview(ctx context.Context) (string, error) {
	all, err := s.index.All(ctx)
	if err != nil {
		return "", err
	}

	counts := map[string]int{}
	files := map[string]bool{}
	cycles := 0
	for _, sum := range all {
		counts[sum.Level]++
		files[sum.ID.File] = true
		if sum.ReasonKind == "cyclic" {
			cycles++
		}
	}

	var sb strings.Builder
	sb.WriteString("# Purity Overview\n\n")
	sb.WriteString(fmt.Sprintf("**Files:** %d\n", len(files)))
	sb.WriteString(fmt.Sprintf("**Functions:** %d\n", len(all)))
	sb.WriteString(fmt.Sprintf("**Pure:** %d\n", counts["pure"]))
	sb.WriteString(fmt.Sprintf("**Impure:** %d\n", counts["impure"]))
	sb.WriteString(fmt.Sprintf("**Unknown:** %d\n", counts["unknown"]))
	sb.WriteString(fmt.Sprintf("**In cycles:** %d\n", cycles))
	return sb.String(), nil
}

func (s *Server) impureList(ctx context.Context) (string, error) {
	impure, err := s.index.ByLevel(ctx, "impure")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# Impure Functions\n\n")
	if len(impure) == 0 {
		sb.WriteString("Every analyzed function is pure or unknown.\n")
		return sb.String(), nil
	}
	for _, sum := range impure {
		sb.WriteString(fmt.Sprintf("- **%s** in `%s`: %s", sum.ID.Name, sum.ID.File, sum.ReasonKind))
		if sum.ReasonDetail != "" {
			sb.WriteString(" (" + sum.ReasonDetail + ")")
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func resultSchema() string {
	var sb strings.Builder
	sb.WriteString("# Purity Result Schema\n\n")
	sb.WriteString("## Levels\n\n")
	sb.WriteString("| Level | Meaning |\n")
	sb.WriteString("|-------|--------|\n")
	sb.WriteString("| `pure` | No observable side effects, deterministic |\n")
	sb.WriteString("| `impure` | Performs IO, mutates shared state, or is non-deterministic |\n")
	sb.WriteString("| `unknown` | Analysis could not classify the function |\n")
	sb.WriteString("\n## Reasons\n\n")
	sb.WriteString("| Kind | Meaning |\n")
	sb.WriteString("|------|--------|\n")
	sb.WriteString("| `intrinsic` | Determined from the function body alone |\n")
	sb.WriteString("| `propagated_from_deps` | Inherited from callees |\n")
	sb.WriteString("| `side_effect` | A specific effect was detected |\n")
	sb.WriteString("| `cyclic` | Member of a recursive call cycle |\n")
	sb.WriteString("| `unknown_dependency` | Calls something the analyzer cannot see |\n")
	sb.WriteString("\nConfidence is in [0,1] and decays one multiplicative step per dependency level.\n")
	return sb.String()
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
