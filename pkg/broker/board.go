package broker

import (
	"context"
	"fmt"

	"github.com/openfroyo/pbus/pkg/platform"
)

// GetBoardName returns the configured board name, or
// platform.UnknownBoardName when none is configured.
func (b *Broker) GetBoardName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.boardName()
}

// boardName is GetBoardName for callers that hold b.mu or have not yet
// published b.
func (b *Broker) boardName() string {
	if b.board.Name == "" {
		return platform.UnknownBoardName
	}
	return b.board.Name
}

// SetBoardInfo merges info into the board record. Repeating a call is
// harmless and the last write wins.
func (b *Broker) SetBoardInfo(ctx context.Context, info *platform.BoardInfo) (err error) {
	op := b.tel.StartOperation(ctx, "set_board_info")
	defer func() { endOperation(op, err) }()

	if info == nil {
		return platform.InvalidArgument("board info is nil", nil).WithOperation("set_board_info")
	}

	b.mu.Lock()
	old := b.board.Revision
	if b.opts.Store != nil {
		if err := b.opts.Store.SaveBoardInfo(op.Ctx, b.bootID, info.BoardRevision); err != nil {
			b.mu.Unlock()
			return platform.NewError(platform.KindInternal, "failed to persist board info", err).
				WithOperation("set_board_info")
		}
	}
	b.board.Revision = info.BoardRevision
	name := b.boardName()
	b.mu.Unlock()

	if old != info.BoardRevision {
		_ = b.tel.Events.PublishBoardInfoChanged(name, old, info.BoardRevision)
	}

	op.Logger.WithFields(map[string]interface{}{
		"board":    name,
		"revision": fmt.Sprintf("%d -> %d", old, info.BoardRevision),
	}).Info("Board info updated")

	return nil
}

// BoardInfo returns a copy of the full board record.
func (b *Broker) BoardInfo() platform.BoardRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.board
}
