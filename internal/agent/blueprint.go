package agent

import (
	"encoding/json"
	"fmt"

	"github.com/untoldecay/CodeLoom/internal/types"
)

// mergeBlueprint deep-merges a whitelisted patch into the blueprint
// through a JSON round trip, so nested structures (views) replace
// wholesale while scalar fields merge individually.
func mergeBlueprint(bp *types.Blueprint, patch map[string]interface{}) error {
	current, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("encoding blueprint: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(current, &doc); err != nil {
		return fmt.Errorf("decoding blueprint: %w", err)
	}

	deepMerge(doc, patch)

	merged, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding merged blueprint: %w", err)
	}
	var next types.Blueprint
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("blueprint patch: %w", types.ErrInvalidArgument)
	}
	*bp = next
	return nil
}

func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}
