package dispatch

import (
	"fmt"
	"sync"

	"github.com/proxycad/proxycad/internal/failure"
)

// State 是单个请求在调度流水线中的状态。
type State string

const (
	Received   State = "received"
	Resolving  State = "resolving"
	Planning   State = "planning"
	CacheCheck State = "cache_check"
	CacheHit   State = "cache_hit"
	Executing  State = "executing"
	Caching    State = "caching"
	Responding State = "responding"
	Done       State = "done"
	Failed     State = "failed"
)

// rank 给出状态的前后顺序，CacheHit 与 Executing 是互斥分支。
var rank = map[State]int{
	Received:   0,
	Resolving:  1,
	Planning:   2,
	CacheCheck: 3,
	CacheHit:   4,
	Executing:  4,
	Caching:    5,
	Responding: 6,
	Done:       7,
	Failed:     7,
}

// transitions 列出允许的迁移。空计划直接从 Planning 进入 Responding。
var transitions = map[State][]State{
	Received:   {Resolving, Failed},
	Resolving:  {Planning, Failed},
	Planning:   {CacheCheck, Responding, Failed},
	CacheCheck: {CacheHit, Executing, Failed},
	CacheHit:   {Responding, Failed},
	Executing:  {Caching, Failed},
	Caching:    {Responding, Failed},
	Responding: {Done, Failed},
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// tracker 记录请求的状态轨迹。构建回调可能在另一个 goroutine 中推进状态，因此加锁。
type tracker struct {
	mu    sync.Mutex
	cur   State
	trace []State
	err   error
}

func newTracker() *tracker {
	return &tracker{cur: Received, trace: []State{Received}}
}

// to 迁移到 s。已处于 s 或更靠后的状态时忽略；终态之后的迁移一律忽略。
func (t *tracker) to(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == Done || t.cur == Failed || t.cur == s {
		return
	}
	if s != Failed && rank[s] <= rank[t.cur] {
		return
	}
	if !allowed(t.cur, s) {
		if t.err == nil {
			t.err = fmt.Errorf("illegal transition %s -> %s", t.cur, s)
		}
		return
	}
	t.cur = s
	t.trace = append(t.trace, s)
}

func (t *tracker) current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}

func (t *tracker) snapshot() ([]State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.trace...), t.err
}

// stageOf 把当前状态映射为失败阶段。
func stageOf(s State) failure.Stage {
	switch s {
	case Received, Resolving:
		return failure.StageResolving
	case Planning:
		return failure.StagePlanning
	case CacheCheck, CacheHit:
		return failure.StageCache
	case Executing:
		return failure.StageExecuting
	default:
		return failure.StageCaching
	}
}
