package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/hazelstream/substream/coordination"
	"github.com/hazelstream/substream/model"
)

// CommitGateway validates a commit request outside the session loop —
// the "Client error" path of spec.md §7 ("bad commit cursors, wrong
// stream id: surfaced synchronously... never reaches Closing") —
// before it is allowed anywhere near CommitAckEvent. Grounded on
// original_source CursorsService.commitCursors/validateStreamId
// (SPEC_FULL.md §5 feature #4).
type CommitGateway struct {
	coordination coordination.Client
}

func NewCommitGateway(c coordination.Client) *CommitGateway {
	return &CommitGateway{coordination: c}
}

// ValidateCommit checks that streamID is a well-formed UUID, that
// sessionID names a currently active session, and that sessionID owns
// every partition being committed.
func (g *CommitGateway) ValidateCommit(ctx context.Context, streamID, sessionID string, cursors []model.Cursor) error {
	if _, err := uuid.Parse(streamID); err != nil {
		return fmt.Errorf("commit: invalid stream id %q: %w", streamID, err)
	}

	active, err := g.coordination.IsActiveSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("commit: session %q is not active", sessionID)
	}

	partitions, err := g.coordination.ListPartitions(ctx)
	if err != nil {
		return err
	}
	owners := make(map[model.PartitionKey]string, len(partitions))
	for _, p := range partitions {
		owners[p.Key] = p.OwningSessionID
	}

	for _, c := range cursors {
		if owners[c.Partition] != sessionID {
			return fmt.Errorf("commit: session %q does not own partition %s", sessionID, c.Partition)
		}
	}
	return nil
}
