package saga

import (
	"fmt"
	"sort"
	"time"

	"ordersaga/internal/service/order/domain"
)

// Snapshot 是状态机的输入与输出。动作只在副本上修改，调用方决定是否落库。
type Snapshot struct {
	Order *domain.Order
	Saga  *domain.SagaInstance
	// At 是本次处理的逻辑时间，动作用它更新时间戳
	At time.Time
}

// State 返回 Saga 当前状态。
func (s Snapshot) State() domain.State {
	return s.Saga.CurrentState
}

func (s Snapshot) clone() Snapshot {
	return Snapshot{Order: s.Order.Clone(), Saga: s.Saga.Clone(), At: s.At}
}

// Action 是迁移触发的副作用描述：返回修改后的快照和需要发出的命令。
// 动作本身不做 I/O。
type Action func(s Snapshot, evt domain.Event) (Snapshot, []domain.Command, error)

// Decision 是守卫的裁决。不允许时可以给出改走的事件，例如重试耗尽改走 CANCEL。
type Decision struct {
	Allowed  bool
	Fallback domain.EventType
}

// Allow 放行。
var Allow = Decision{Allowed: true}

// Redirect 拒绝当前迁移并改为在同一状态上触发 evt。
func Redirect(evt domain.EventType) Decision {
	return Decision{Fallback: evt}
}

// Guard 在迁移前执行，可以更新快照（如累加重试次数）。
type Guard func(s Snapshot, evt domain.Event) (Snapshot, Decision)

// Transition 是迁移表中的一行。
type Transition struct {
	From   domain.State
	On     domain.EventType
	To     domain.State
	Guard  Guard
	Action Action
	// Auto 表示进入 From 后由引擎立即触发，不等待外部事件
	Auto bool
}

// Move 是实际发生的一次迁移，写入 Saga 日志。
type Move struct {
	From  domain.State
	Event domain.EventType
	To    domain.State
}

// Result 是一次 Step/Fire 的结果。
type Result struct {
	Applied  bool
	Snapshot Snapshot
	Commands []domain.Command
	Path     []Move
}

// To 返回最终状态。
func (r Result) To() domain.State {
	if len(r.Path) == 0 {
		return r.Snapshot.Saga.CurrentState
	}
	return r.Path[len(r.Path)-1].To
}

type transitionKey struct {
	from domain.State
	on   domain.EventType
}

// 一次 Fire 最多跟随的自动迁移数，防止表配置成环
const maxAutoSteps = 8

// Table 是数据驱动的状态机：(状态, 事件) → 迁移。
type Table struct {
	transitions map[transitionKey]Transition
	auto        map[domain.State]domain.EventType
	timeouts    map[domain.State]time.Duration
}

// NewTable 校验并构建迁移表。
func NewTable(transitions []Transition, timeouts map[domain.Stage]time.Duration) (*Table, error) {
	t := &Table{
		transitions: make(map[transitionKey]Transition, len(transitions)),
		auto:        make(map[domain.State]domain.EventType),
		timeouts:    make(map[domain.State]time.Duration, len(timeouts)),
	}
	for _, tr := range transitions {
		if !tr.From.Valid() || !tr.To.Valid() {
			return nil, fmt.Errorf("transition %s --%s--> %s uses an unknown state", tr.From, tr.On, tr.To)
		}
		if tr.From.IsTerminal() {
			return nil, fmt.Errorf("terminal state %s cannot have outgoing transitions", tr.From)
		}
		key := transitionKey{tr.From, tr.On}
		if _, dup := t.transitions[key]; dup {
			return nil, fmt.Errorf("duplicate transition for (%s, %s)", tr.From, tr.On)
		}
		if tr.Auto {
			if prev, ok := t.auto[tr.From]; ok {
				return nil, fmt.Errorf("state %s has two automatic transitions: %s and %s", tr.From, prev, tr.On)
			}
			t.auto[tr.From] = tr.On
		}
		t.transitions[key] = tr
	}
	for stage, d := range timeouts {
		if d <= 0 {
			return nil, fmt.Errorf("timeout for stage %s must be positive", stage)
		}
		t.timeouts[stage.PendingState()] = d
	}
	return t, nil
}

// Lookup 查找 (from, on) 对应的迁移。
func (t *Table) Lookup(from domain.State, on domain.EventType) (Transition, bool) {
	tr, ok := t.transitions[transitionKey{from, on}]
	return tr, ok
}

// Timeout 返回进入某个 PENDING 状态时应挂的超时。
func (t *Table) Timeout(state domain.State) (time.Duration, bool) {
	d, ok := t.timeouts[state]
	return d, ok
}

// Transitions 按 (From, On) 排序返回全部迁移。
func (t *Table) Transitions() []Transition {
	out := make([]Transition, 0, len(t.transitions))
	for _, tr := range t.transitions {
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].On < out[j].On
	})
	return out
}

// Step 只应用一条迁移，不跟随自动迁移。
// 终态或表中没有对应项时返回 Applied=false，快照保持不变。
func (t *Table) Step(s Snapshot, evt domain.Event) (Result, error) {
	return t.step(s, evt, evt.Type, 0)
}

func (t *Table) step(s Snapshot, evt domain.Event, on domain.EventType, redirects int) (Result, error) {
	from := s.State()
	if from.IsTerminal() {
		return Result{Snapshot: s}, nil
	}
	tr, ok := t.Lookup(from, on)
	if !ok {
		return Result{Snapshot: s}, nil
	}

	next := s.clone()
	trigger := evt
	trigger.Type = on

	if tr.Guard != nil {
		guarded, d := tr.Guard(next, trigger)
		if !d.Allowed {
			if d.Fallback == "" || d.Fallback == on || redirects > 0 {
				return Result{Snapshot: s}, nil
			}
			return t.step(s, evt, d.Fallback, redirects+1)
		}
		next = guarded
	}

	var cmds []domain.Command
	if tr.Action != nil {
		var err error
		next, cmds, err = tr.Action(next, trigger)
		if err != nil {
			return Result{Snapshot: s}, fmt.Errorf("action for %s --%s--> %s: %w", from, on, tr.To, err)
		}
	}

	next.Saga.CurrentState = tr.To
	next.Saga.UpdatedAt = next.At
	if next.Order != nil {
		next.Order.Status = tr.To
		next.Order.UpdatedAt = next.At
	}
	return Result{
		Applied:  true,
		Snapshot: next,
		Commands: cmds,
		Path:     []Move{{From: from, Event: on, To: tr.To}},
	}, nil
}

// Fire 应用事件对应的迁移，并持续跟随自动迁移直到停在等待外部输入的状态或终态。
// 整条路径作为一个结果返回，由调用方一次性提交。
func (t *Table) Fire(s Snapshot, evt domain.Event) (Result, error) {
	res, err := t.Step(s, evt)
	if err != nil || !res.Applied {
		return res, err
	}
	for i := 0; i < maxAutoSteps; i++ {
		on, ok := t.auto[res.Snapshot.State()]
		if !ok {
			break
		}
		next, err := t.step(res.Snapshot, evt, on, 0)
		if err != nil {
			return Result{Snapshot: s}, err
		}
		if !next.Applied {
			break
		}
		res.Snapshot = next.Snapshot
		res.Commands = append(res.Commands, next.Commands...)
		res.Path = append(res.Path, next.Path...)
	}
	return res, nil
}
