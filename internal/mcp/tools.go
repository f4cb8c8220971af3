package mcp

import (
	"encoding/json"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

// toolOutput is the structured-output wrapper shared by every tool.
type toolOutput struct {
	Data any `json:"data"`
}

// errorEnvelope is the caller-facing error shape. Stack traces never
// cross this boundary; the message tells the caller what to correct.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorResult classifies err and renders the error envelope. Unknown
// errors become internal_error and are logged with the operation name.
func errorResult(operation string, err error) (*mcpsdk.CallToolResult, toolOutput, error) {
	kind := faults.KindOf(err)
	if kind == faults.KindInternal {
		logging.Get(logging.CategoryServer).Error("operation failed",
			zap.String("operation", operation), zap.Error(err))
	}

	envelope := errorEnvelope{Error: errorBody{Type: string(kind), Message: err.Error()}}
	data, mErr := json.Marshal(envelope)
	if mErr != nil {
		data = []byte(`{"error":{"type":"internal_error","message":"encoding failure"}}`)
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
		IsError: true,
	}, toolOutput{Data: envelope}, nil
}

// jsonResult renders a success object as indented JSON content.
func jsonResult(value any) (*mcpsdk.CallToolResult, toolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult("encode", fmt.Errorf("encode result: %w", err))
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, toolOutput{Data: value}, nil
}
