// Package tasks dispatches tool work items and waits for their results in the
// shared key-value store.
package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Publisher delivers a work item to the tool workers' queue.
type Publisher interface {
	Publish(ctx context.Context, item models.WorkItem) error
}

// TaskKey derives the deterministic key of a tool invocation inside a
// conversation. Map keys are marshalled in sorted order, so equal requests
// always hash the same.
func TaskKey(conversationID string, tool models.ToolRequest) string {
	data, err := json.Marshal(tool)
	if err != nil {
		// Unmarshalable values (channels, funcs) hash the tool key only.
		data = []byte(tool.Key)
	}
	sum := sha256.Sum256(data)
	return conversationID + "-" + hex.EncodeToString(sum[:])
}
