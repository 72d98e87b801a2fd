// Package migrate upgrades persisted project state to the current
// schema. Migrations operate on the raw JSON document so legacy key
// shapes can be rewritten before decoding into typed state.
package migrate

import (
	"encoding/json"
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/untoldecay/CodeLoom/internal/debug"
	"github.com/untoldecay/CodeLoom/internal/types"
)

// conversationBloatThreshold is the message count above which internal
// memos are dropped from the persisted conversation.
const conversationBloatThreshold = 25

// maxGeneratedNameLen caps generated project names.
const maxGeneratedNameLen = 20

// pass is a single migration step. It mutates doc in place and
// reports whether it changed anything.
type pass struct {
	name  string
	apply func(doc map[string]interface{}) (bool, error)
}

var passes = []pass{
	{"rename_snake_case_file_keys", renameSnakeCaseFileKeys},
	{"dedup_conversation", dedupConversation},
	{"remove_legacy_api_keys", removeLegacyAPIKeys},
	{"template_details_to_name", templateDetailsToName},
	{"ensure_project_name", ensureProjectName},
	{"ensure_project_updates_accumulator", ensureProjectUpdates},
}

// Migrate runs all passes over a raw state document. It returns the
// migrated document and true when any pass changed it, or nil and
// false when the state is already current. Migrate(Migrate(s)) is a
// fixed point.
func Migrate(raw []byte) ([]byte, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("decoding state for migration: %w", err)
	}

	changed := false
	for _, p := range passes {
		did, err := p.apply(doc)
		if err != nil {
			return nil, false, fmt.Errorf("migration %s: %w", p.name, err)
		}
		if did {
			debug.Logf("migration applied: %s", p.name)
			changed = true
		}
	}
	if !changed {
		return nil, false, nil
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, false, fmt.Errorf("encoding migrated state: %w", err)
	}
	return out, true, nil
}

// renameSnakeCaseFileKeys rewrites legacy file_path/file_contents/
// file_purpose keys inside generatedFilesMap entries.
func renameSnakeCaseFileKeys(doc map[string]interface{}) (bool, error) {
	filesMap, ok := doc["generatedFilesMap"].(map[string]interface{})
	if !ok {
		return false, nil
	}
	renames := map[string]string{
		"file_path":     "path",
		"file_contents": "contents",
		"file_purpose":  "purpose",
	}
	changed := false
	for _, entry := range filesMap {
		file, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		for old, current := range renames {
			val, present := file[old]
			if !present {
				continue
			}
			if _, alreadySet := file[current]; !alreadySet {
				file[current] = val
			}
			delete(file, old)
			changed = true
		}
	}
	return changed, nil
}

// dedupConversation removes duplicate conversation ids (last wins) and
// drops internal memo entries when the conversation has bloated.
func dedupConversation(doc map[string]interface{}) (bool, error) {
	msgs, ok := doc["conversationMessages"].([]interface{})
	if !ok {
		return false, nil
	}

	// Last-writer-wins by conversationId, preserving order of the
	// surviving occurrence.
	lastIdx := make(map[string]int)
	for i, m := range msgs {
		msg, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := msg["conversationId"].(string); ok && id != "" {
			lastIdx[id] = i
		}
	}
	deduped := make([]interface{}, 0, len(msgs))
	for i, m := range msgs {
		msg, ok := m.(map[string]interface{})
		if ok {
			if id, ok := msg["conversationId"].(string); ok && id != "" {
				if lastIdx[id] != i {
					continue
				}
			}
		}
		deduped = append(deduped, m)
	}
	changed := len(deduped) != len(msgs)

	if len(deduped) > conversationBloatThreshold {
		kept := deduped[:0]
		for _, m := range deduped {
			if msg, ok := m.(map[string]interface{}); ok {
				if content, ok := msg["content"].(string); ok && strings.Contains(content, types.InternalMemoSentinel) {
					changed = true
					continue
				}
			}
			kept = append(kept, m)
		}
		deduped = kept
	}

	if changed {
		doc["conversationMessages"] = deduped
	}
	return changed, nil
}

// removeLegacyAPIKeys strips inferenceContext.userApiKeys, which
// older builds persisted alongside model configuration.
func removeLegacyAPIKeys(doc map[string]interface{}) (bool, error) {
	ic, ok := doc["inferenceContext"].(map[string]interface{})
	if !ok {
		return false, nil
	}
	if _, present := ic["userApiKeys"]; !present {
		return false, nil
	}
	delete(ic, "userApiKeys")
	return true, nil
}

// templateDetailsToName replaces a legacy inline templateDetails blob
// with just the template name; the cache is reconstructed lazily.
func templateDetailsToName(doc map[string]interface{}) (bool, error) {
	details, ok := doc["templateDetails"].(map[string]interface{})
	if !ok {
		if _, present := doc["templateDetails"]; present {
			delete(doc, "templateDetails")
			return true, nil
		}
		return false, nil
	}
	if name, ok := details["name"].(string); ok && name != "" {
		if existing, _ := doc["templateName"].(string); existing == "" {
			doc["templateName"] = name
		}
	}
	delete(doc, "templateDetails")
	return true, nil
}

// ensureProjectName backfills a missing project name from the
// blueprint, template, or query plus a fresh nanoid.
func ensureProjectName(doc map[string]interface{}) (bool, error) {
	if name, _ := doc["projectName"].(string); name != "" {
		return false, nil
	}
	base := ""
	if bp, ok := doc["blueprint"].(map[string]interface{}); ok {
		base, _ = bp["projectName"].(string)
	}
	if base == "" {
		base, _ = doc["templateName"].(string)
	}
	if base == "" {
		base, _ = doc["query"].(string)
	}
	doc["projectName"] = GenerateProjectName(base)
	return true, nil
}

// ensureProjectUpdates guarantees projectUpdatesAccumulator exists.
func ensureProjectUpdates(doc map[string]interface{}) (bool, error) {
	if _, present := doc["projectUpdatesAccumulator"]; present {
		return false, nil
	}
	doc["projectUpdatesAccumulator"] = []interface{}{}
	return true, nil
}

// GenerateProjectName derives a valid project slug from free-form
// input plus a fresh nanoid, capped to 20 characters.
func GenerateProjectName(base string) string {
	slug := slugify(base)
	suffix, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 6)
	if err != nil {
		suffix = "000000"
	}
	if slug == "" {
		slug = "app"
	}
	maxSlug := maxGeneratedNameLen - len(suffix) - 1
	if len(slug) > maxSlug {
		slug = slug[:maxSlug]
	}
	slug = strings.Trim(slug, "-_")
	if slug == "" {
		slug = "app"
	}
	return slug + "-" + suffix
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == ' ' || r == '-' || r == '.':
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
