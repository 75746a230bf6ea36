// internal/pkg/logger/logger.go
package logger

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// Init 设置全局 logger，所有日志都带上 service 字段。
// level 为空或无法识别时使用 info。
func Init(service, level string) {
	InitWithWriter(os.Stdout, service, level)
}

// InitWithWriter 与 Init 相同，但允许替换输出 (测试中使用)。
func InitWithWriter(w io.Writer, service, level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zlog.Logger = zerolog.New(w).With().Timestamp().Str("service", service).Logger()
}

// Ctx 返回带有 trace_id / span_id 的 logger。
func Ctx(ctx context.Context) *zerolog.Logger {
	l := zlog.Logger
	if ctx == nil {
		return &l
	}
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		l = l.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}
	return &l
}
