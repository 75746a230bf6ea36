package saga

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"ordersaga/internal/service/order/domain"
)

// RetryGuardFactory 为某阶段构造重试守卫。
type RetryGuardFactory func(stage domain.Stage, maxRetries int) Guard

// RetryGuard 是默认的重试守卫: retries < max 时放行并累加计数，否则改走 CANCEL。
func RetryGuard(stage domain.Stage, maxRetries int) Guard {
	return func(s Snapshot, _ domain.Event) (Snapshot, Decision) {
		if s.Saga.RetryCount(stage) >= maxRetries {
			return s, Redirect(domain.EventCancel)
		}
		s.Saga.Retries[stage]++
		return s, Allow
	}
}

// NewCELRetryGuard 把 CEL 表达式编译成重试守卫工厂。
// 表达式可以使用 retries、max_retries、stage、state 四个变量，必须返回 bool。
// 表达式只能收紧重试预算，retries >= max_retries 时始终取消。
func NewCELRetryGuard(expr string) (RetryGuardFactory, error) {
	env, err := cel.NewEnv(
		cel.Variable("retries", cel.IntType),
		cel.Variable("max_retries", cel.IntType),
		cel.Variable("stage", cel.StringType),
		cel.Variable("state", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile retry guard %q: %w", expr, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("retry guard %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build retry guard program: %w", err)
	}

	return func(stage domain.Stage, maxRetries int) Guard {
		return func(s Snapshot, _ domain.Event) (Snapshot, Decision) {
			retries := s.Saga.RetryCount(stage)
			if retries >= maxRetries {
				return s, Redirect(domain.EventCancel)
			}
			out, _, err := prg.Eval(map[string]any{
				"retries":     int64(retries),
				"max_retries": int64(maxRetries),
				"stage":       string(stage),
				"state":       string(s.State()),
			})
			if err != nil {
				// 表达式求值失败按预算耗尽处理，Saga 不会卡在失败态
				return s, Redirect(domain.EventCancel)
			}
			if allowed, ok := out.Value().(bool); !ok || !allowed {
				return s, Redirect(domain.EventCancel)
			}
			s.Saga.Retries[stage]++
			return s, Allow
		}
	}, nil
}
