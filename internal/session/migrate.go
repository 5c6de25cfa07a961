package session

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Version history:
//
//	v1: linear log. Entries carried a "type" field instead of "kind", had no
//	    parent_id (order on disk was the conversation order), and used the
//	    old role names "tool" and "bash".
//	v2: tree log. Entries carry "kind" and explicit parent_id links.
//
// migrateLine lifts one raw entry line to the current version. prevID is the
// id of the previously decoded entry, used to synthesize parent links for v1
// linear logs.
func migrateLine(line string, version int, prevID string) (string, error) {
	if version >= FormatVersion {
		return line, nil
	}
	if version != 1 {
		return "", fmt.Errorf("unsupported session version %d", version)
	}
	return migrateV1(line, prevID)
}

func migrateV1(line string, prevID string) (string, error) {
	if !gjson.Valid(line) {
		return "", fmt.Errorf("invalid json")
	}

	out := line
	var err error

	if kind := gjson.Get(out, "type"); kind.Exists() {
		if out, err = sjson.Set(out, "kind", kind.String()); err != nil {
			return "", fmt.Errorf("set kind: %w", err)
		}
		if out, err = sjson.Delete(out, "type"); err != nil {
			return "", fmt.Errorf("delete type: %w", err)
		}
	}

	// Linear logs had no parent links; each line continues the previous one.
	if !gjson.Get(out, "parent_id").Exists() && prevID != "" {
		if out, err = sjson.Set(out, "parent_id", prevID); err != nil {
			return "", fmt.Errorf("set parent_id: %w", err)
		}
	}

	switch gjson.Get(out, "message.role").String() {
	case "tool":
		if out, err = sjson.Set(out, "message.role", "tool-result"); err != nil {
			return "", fmt.Errorf("rename tool role: %w", err)
		}
	case "bash":
		if out, err = sjson.Set(out, "message.role", "bash-execution"); err != nil {
			return "", fmt.Errorf("rename bash role: %w", err)
		}
	}

	return out, nil
}
