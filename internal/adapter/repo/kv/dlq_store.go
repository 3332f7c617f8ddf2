package kv

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/agent-taskplane/internal/domain"
)

const dlqTTL = 7 * 24 * time.Hour

// DLQStore is a KV-backed domain.DLQStore. Records live under
// dlq:{correlation_id} with a week-long TTL, long enough for an operator
// to notice and reprocess before they silently expire.
type DLQStore struct {
	client kvClient
}

// NewDLQStore constructs a DLQStore over the given KV connector.
func NewDLQStore(client kvClient) *DLQStore {
	return &DLQStore{client: client}
}

func dlqKey(correlationID string) string {
	return "dlq:" + correlationID
}

// WriteDLQRecord stores rec for later operator inspection/reprocessing.
func (s *DLQStore) WriteDLQRecord(ctx domain.Context, rec domain.DLQRecord) error {
	if err := s.client.SetJSON(ctx, dlqKey(rec.CorrelationID), rec, dlqTTL); err != nil {
		return fmt.Errorf("op=kv.DLQStore.WriteDLQRecord: %w", err)
	}
	return nil
}
