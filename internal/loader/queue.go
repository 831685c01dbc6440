package loader

import (
	"context"

	"github.com/any-hub/asset-cache/internal/asset"
)

// pendingLoad 是排队或执行中的加载任务，同一路径的后续请求会加入该任务等待结果。
type pendingLoad struct {
	ctx          context.Context
	path         string
	priority     asset.Priority
	seq          uint64
	typeHint     string
	cache        bool
	checkVersion bool
	waiters      int
	started      bool

	// index 由 heap 维护，出队后为 -1。
	index int

	done   chan struct{}
	result *asset.Asset
	err    error
}

// pendingQueue 实现 container/heap：优先级高者先出，同优先级按到达顺序。
type pendingQueue []*pendingLoad

func (q pendingQueue) Len() int { return len(q) }

func (q pendingQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q pendingQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *pendingQueue) Push(x any) {
	task := x.(*pendingLoad)
	task.index = len(*q)
	*q = append(*q, task)
}

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	task.index = -1
	*q = old[:n-1]
	return task
}
