package compact

import (
	"github.com/tidwall/gjson"

	"pigo/internal/tree"
)

// Tool names whose calls touch files. Read-only tools feed ReadFiles,
// mutating tools feed ModifiedFiles.
var (
	readToolNames = map[string]bool{
		"read":      true,
		"read_file": true,
		"grep":      true,
		"glob":      true,
	}
	writeToolNames = map[string]bool{
		"write":      true,
		"write_file": true,
		"edit":       true,
		"edit_file":  true,
	}
	pathArgKeys = []string{"path", "file_path", "filename"}
)

// ExtractFileOps scans assistant tool calls in a range of entries and
// collects the file paths they read or modified. The result rides along on
// compaction and branch-summary entries so the cumulative file trail
// survives summarization.
func ExtractFileOps(entries []tree.Entry) *tree.FileDetails {
	details := &tree.FileDetails{}
	for _, entry := range entries {
		if entry.Kind != tree.KindMessage || entry.Message == nil {
			continue
		}
		for _, call := range entry.Message.ToolCalls {
			path := pathArgument(call.Arguments)
			if path == "" {
				continue
			}
			switch {
			case readToolNames[call.Name]:
				details.ReadFiles = append(details.ReadFiles, path)
			case writeToolNames[call.Name]:
				details.ModifiedFiles = append(details.ModifiedFiles, path)
			}
		}
	}
	// Merge against nil normalizes: dedupe, sort, nil when empty.
	return details.Merge(nil)
}

func pathArgument(arguments []byte) string {
	if len(arguments) == 0 {
		return ""
	}
	for _, key := range pathArgKeys {
		if value := gjson.GetBytes(arguments, key); value.Exists() {
			return value.String()
		}
	}
	return ""
}
