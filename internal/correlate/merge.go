// ABOUTME: Reducer that merges allTabs replies from every agent into one tab listing.
// ABOUTME: Accepts either {"tabs": [...]} or a bare array from each agent.

package correlate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// AgentTabs is the tab listing reported by one connection.
type AgentTabs struct {
	ConnectionID string            `json:"connection_id"`
	Identity     string            `json:"identity"`
	Tabs         []json.RawMessage `json:"tabs"`
}

// TabsResult is the merged allTabs response.
type TabsResult struct {
	Agents []AgentTabs        `json:"agents"`
	Tabs   []json.RawMessage `json:"tabs"`
}

// MergeTabs returns a reducer that merges allTabs replies. Replies whose
// payload cannot be decoded are logged and skipped.
func MergeTabs(logger *slog.Logger) Reducer {
	if logger == nil {
		logger = slog.Default()
	}
	return func(replies []Reply) (any, error) {
		result := TabsResult{
			Agents: make([]AgentTabs, 0, len(replies)),
			Tabs:   make([]json.RawMessage, 0),
		}
		for _, r := range replies {
			tabs, err := decodeTabs(r.Payload)
			if err != nil {
				logger.Warn("skipping allTabs reply",
					"connection_id", r.ConnectionID,
					"identity", r.Identity,
					"error", err,
				)
				continue
			}
			result.Agents = append(result.Agents, AgentTabs{
				ConnectionID: r.ConnectionID,
				Identity:     r.Identity,
				Tabs:         tabs,
			})
			result.Tabs = append(result.Tabs, tabs...)
		}
		return result, nil
	}
}

func decodeTabs(payload json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []json.RawMessage{}, nil
	}

	if trimmed[0] == '[' {
		var tabs []json.RawMessage
		if err := json.Unmarshal(trimmed, &tabs); err != nil {
			return nil, fmt.Errorf("decoding tab array: %w", err)
		}
		return tabs, nil
	}

	var wrapped struct {
		Tabs []json.RawMessage `json:"tabs"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, fmt.Errorf("decoding tabs object: %w", err)
	}
	if wrapped.Tabs == nil {
		return []json.RawMessage{}, nil
	}
	return wrapped.Tabs, nil
}
