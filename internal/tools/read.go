package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"pigo/internal/llm"
)

const readToolName = "read"

type readParams struct {
	Path string `json:"path" jsonschema:"required" jsonschema_description:"Path to the file to read"`
}

var readSchema = mustSchema(readToolName, readParams{})

// ReadTool reads file contents from disk.
type ReadTool struct{}

// NewReadTool constructs the read tool.
func NewReadTool() ReadTool { return ReadTool{} }

func (ReadTool) Name() string { return readToolName }

func (ReadTool) Description() string {
	return "Read a file from disk by path."
}

func (ReadTool) Schema() json.RawMessage {
	return readSchema
}

func mustSchema(name string, schemaStruct any) json.RawMessage {
	spec, err := llm.NewToolSpecFromStruct(name, "", schemaStruct)
	if err != nil {
		panic(fmt.Sprintf("reflect %s tool schema: %v", name, err))
	}
	return spec.Schema
}

func (ReadTool) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}

	var input struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &input); err != nil {
		return Result{}, fmt.Errorf("decode read params: %w", err)
	}

	path := strings.TrimSpace(input.Path)
	if path == "" {
		return Result{}, errors.New("path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", path, err)
	}

	details, _ := json.Marshal(map[string]any{
		"path":  path,
		"bytes": len(raw),
	})
	return Result{
		Content: string(raw),
		Display: DisplayData{
			Type:    "file_content",
			Payload: details,
		},
	}, nil
}
