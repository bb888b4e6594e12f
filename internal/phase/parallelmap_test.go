package phase

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParallelMap_AllSucceed(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	res := ParallelMap(context.Background(), items, func(_ context.Context, i int) error {
		return nil
	}, 2, "unit", nil, 0)

	assert.ElementsMatch(t, items, res.Succeeded)
	assert.Empty(t, res.Failed)
}

func TestParallelMap_NotFoundCollapsesToSuccess(t *testing.T) {
	items := []int{1, 2, 3}
	res := ParallelMap(context.Background(), items, func(_ context.Context, i int) error {
		if i == 2 {
			return errors.New("AP not found in venue")
		}
		return nil
	}, 3, "ap", nil, 0)

	assert.ElementsMatch(t, items, res.Succeeded)
	assert.Empty(t, res.Failed)
}

func TestParallelMap_GenuineFailureRecorded(t *testing.T) {
	items := []int{1, 2, 3}
	res := ParallelMap(context.Background(), items, func(_ context.Context, i int) error {
		if i == 2 {
			return errors.New("upstream 500")
		}
		return nil
	}, 3, "ap", nil, 0)

	assert.ElementsMatch(t, []int{1, 3}, res.Succeeded)
	assert.Len(t, res.Failed, 1)
	assert.Equal(t, 2, res.Failed[0].Item)
}

func TestParallelMap_BoundsConcurrency(t *testing.T) {
	var inFlight int32
	var maxObserved int32

	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	ParallelMap(context.Background(), items, func(_ context.Context, i int) error {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxObserved)
			if cur <= m || atomic.CompareAndSwapInt32(&maxObserved, m, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}, 4, "unit", nil, 0)

	assert.LessOrEqual(t, int(maxObserved), 4)
}

func TestParallelMap_ProgressReportedAtInterval(t *testing.T) {
	items := []int{1, 2, 3, 4}
	var reports []int

	ParallelMap(context.Background(), items, func(_ context.Context, i int) error {
		return nil
	}, 1, "unit", func(completed, total int, itemName string) {
		reports = append(reports, completed)
	}, 2)

	assert.NotEmpty(t, reports)
	assert.Equal(t, 4, reports[len(reports)-1])
}

func TestParallelMap_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []int{1, 2, 3}
	res := ParallelMap(ctx, items, func(_ context.Context, i int) error {
		return nil
	}, 2, "unit", nil, 0)

	assert.Empty(t, res.Succeeded)
	assert.Len(t, res.Failed, 3)
}
