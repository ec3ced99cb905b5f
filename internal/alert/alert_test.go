package alert

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFireNeverBlocksWhenNotifierHangs(t *testing.T) {
	block := make(chan struct{})
	slow := NotifierFunc(func(ctx context.Context, a Alert) error {
		<-block
		return nil
	})
	d := NewDispatcher(Options{Buffer: 2}, slow)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	start := time.Now()
	for i := 0; i < 50; i++ {
		d.Fire(Alert{Kind: KindDrift, Message: "x"})
	}
	assert.Less(t, time.Since(start), time.Second)

	fired, dropped := d.Stats()
	assert.Equal(t, int64(50), fired+dropped)
	assert.Positive(t, dropped)

	close(block)
	cancel()
	<-d.Done()
}

func TestCooldownDedupesByKey(t *testing.T) {
	var got atomic.Int32
	n := NotifierFunc(func(ctx context.Context, a Alert) error {
		got.Add(1)
		return nil
	})
	d := NewDispatcher(Options{Cooldown: time.Minute}, n)
	now := time.Unix(0, 0)
	d.now = func() time.Time { return now }

	d.Fire(Alert{Kind: KindQueueBacklog, Message: "a"})
	d.Fire(Alert{Kind: KindQueueBacklog, Message: "b"})
	d.Fire(Alert{Kind: KindHedgeFailed, Key: "h1", Message: "c"})
	d.Fire(Alert{Kind: KindHedgeFailed, Key: "h2", Message: "d"})
	now = now.Add(2 * time.Minute)
	d.Fire(Alert{Kind: KindQueueBacklog, Message: "e"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	assert.EqualValues(t, 4, got.Load())
}

func TestNotifierErrorsAndPanicsAreContained(t *testing.T) {
	var ok atomic.Int32
	d := NewDispatcher(Options{},
		NotifierFunc(func(context.Context, Alert) error { return errors.New("telegram down") }),
		NotifierFunc(func(context.Context, Alert) error { panic("boom") }),
		NotifierFunc(func(context.Context, Alert) error { ok.Add(1); return nil }),
	)
	d.Firef(KindVenueDegraded, "", nil, "hedge venue %s", "down")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NotPanics(t, func() { d.Run(ctx) })
	assert.EqualValues(t, 1, ok.Load())
}
