package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressStreamEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	stream := NewProgressStream(2)
	for i := 0; i < 5; i++ {
		stream.emit(ProgressEvent{Kind: ProgressPageFetched, Page: i})
	}
	assert.Equal(t, int64(3), stream.Dropped())

	events := stream.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Page, "oldest events survive, newest are dropped")
}

func TestProgressStreamNext(t *testing.T) {
	t.Parallel()

	stream := NewProgressStream(4)
	stream.emit(ProgressEvent{Kind: ProgressLinksFound, NewLinks: 3})

	evt, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProgressLinksFound, evt.Kind)
	assert.Equal(t, 3, evt.NewLinks)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = stream.Next(ctx)
	assert.Error(t, err, "Next honors the caller's deadline on an empty stream")
}

func TestProgressStreamCloseKeepsBuffered(t *testing.T) {
	t.Parallel()

	stream := NewProgressStream(4)
	stream.emit(ProgressEvent{Kind: ProgressBatchDone})
	stream.Close()
	stream.Close()
	stream.emit(ProgressEvent{Kind: ProgressPageFetched})

	evt, err := stream.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ProgressBatchDone, evt.Kind, "buffered events remain drainable after Close")

	_, err = stream.Next(context.Background())
	assert.Error(t, err)
}
