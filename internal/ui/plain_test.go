package ui

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlainRenderer_UpdateProgress(t *testing.T) {
	tests := []struct {
		name  string
		event ProgressEvent
		want  string
	}{
		{
			name:  "counted item",
			event: ProgressEvent{Stage: StageQueueing, Current: 50, Total: 100, Item: "mail/42"},
			want:  "[QUEUE] 50/100 - mail/42\n",
		},
		{
			name:  "message wins over item",
			event: ProgressEvent{Stage: StageFetching, Current: 1, Total: 2, Item: "x", Message: "reading export.jsonl"},
			want:  "[FETCH] 1/2 - reading export.jsonl\n",
		},
		{
			name:  "unknown total",
			event: ProgressEvent{Stage: StageCommitting, Message: "flushing"},
			want:  "[COMMIT] flushing\n",
		},
		{
			name:  "nothing to say",
			event: ProgressEvent{Stage: StageFetching},
			want:  "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			r := NewPlainRenderer(NewConfig(buf))

			r.UpdateProgress(tt.event)

			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPlainRenderer_AddError(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	r.AddError(ErrorEvent{Item: "mail/1", Err: errors.New("missing title")})
	r.AddError(ErrorEvent{Err: errors.New("slow provider"), IsWarn: true})

	assert.Equal(t, "ERROR: mail/1: missing title\nWARN: slow provider\n", buf.String())
}

func TestPlainRenderer_Complete(t *testing.T) {
	// Given: a plain renderer
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	// When: completing with errors
	r.Complete(CompletionStats{
		Documents: 1200,
		Written:   1000,
		Unchanged: 200,
		Sources:   2,
		Duration:  1520 * time.Millisecond,
		Errors:    3,
	})

	// Then: the summary is one line without escape codes
	out := buf.String()
	assert.Equal(t, "Complete: 1,200 documents from 2 source(s), 1,000 written, 200 unchanged in 1.5s (3 errors, 0 warnings)\n", out)
	assert.NotContains(t, out, "\x1b[")
}

func TestPlainRenderer_StartStop(t *testing.T) {
	r := NewPlainRenderer(NewConfig(&bytes.Buffer{}))

	require.NoError(t, r.Start(context.Background()))
	require.NoError(t, r.Stop())
}

func TestPlainRenderer_ConcurrentWrites(t *testing.T) {
	buf := &bytes.Buffer{}
	r := NewPlainRenderer(NewConfig(buf))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.UpdateProgress(ProgressEvent{Stage: StageQueueing, Current: i, Total: 10, Item: "k"})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, strings.Count(buf.String(), "\n"))
}
