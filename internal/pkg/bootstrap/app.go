// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"ordersaga/internal/pkg/logger"
	"ordersaga/internal/pkg/nacos"
	"ordersaga/internal/pkg/tracing"
)

type AppCtx struct {
	Mux *http.ServeMux
}

// AppInfo 包含了启动一个服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Port        int
	// RegisterHandlers 注册服务自己的 HTTP 路由
	RegisterHandlers func(appCtx AppCtx)
	// Run 运行后台循环 (消费者、扫描任务)，ctx 取消时返回
	Run func(ctx context.Context) error
	// OnShutdown 在 HTTP 服务关闭后按注册顺序执行
	OnShutdown []func(ctx context.Context) error
}

// StartService 封装了通用的启动和优雅关停逻辑，阻塞到收到退出信号或后台任务出错。
func StartService(info AppInfo) error {
	cfg := GetCurrentConfig()
	ctx, stop := SignalContext()
	defer stop()

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(AppCtx{Mux: mux})
	}
	server := &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	// 可选: 注册到 Nacos
	var (
		registry *nacos.Client
		instance nacos.Instance
	)
	if cfg.Infra.Nacos.Enabled {
		registry, instance, err = register(ctx, cfg, info)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Ctx(gctx).Info().Msgf("🚀 %s listening on :%d", info.ServiceName, info.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if info.Run != nil {
		g.Go(func() error { return info.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Ctx(context.Background()).Info().Msgf("Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// 按顺序清理: 注销 -> HTTP -> 钩子 -> tracer
		if registry != nil {
			if err := registry.Deregister(shutdownCtx, instance); err != nil {
				logger.Ctx(shutdownCtx).Error().Err(err).Msg("Error deregistering from Nacos")
			}
			registry.Close()
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Ctx(shutdownCtx).Error().Err(err).Msg("Error shutting down http server")
		}
		for _, hook := range info.OnShutdown {
			if err := hook(shutdownCtx); err != nil {
				logger.Ctx(shutdownCtx).Error().Err(err).Msg("Error in shutdown hook")
			}
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Ctx(shutdownCtx).Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Ctx(context.Background()).Error().Err(err).Msgf("Service %s stopped with error", info.ServiceName)
		return err
	}
	logger.Ctx(context.Background()).Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return nil
}

// SignalContext 返回收到 SIGINT / SIGTERM 时取消的 ctx。
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func register(ctx context.Context, cfg *Config, info AppInfo) (*nacos.Client, nacos.Instance, error) {
	client, err := nacos.NewClient(ctx, cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
	if err != nil {
		return nil, nacos.Instance{}, err
	}
	ip, err := outboundIP()
	if err != nil {
		client.Close()
		return nil, nacos.Instance{}, err
	}
	in := nacos.Instance{
		ServiceName: info.ServiceName,
		IP:          ip,
		Port:        info.Port,
		Metadata: map[string]string{
			"timeout_mode": cfg.Saga.TimeoutMode,
			"storage":      cfg.Saga.Storage,
		},
	}
	if err := client.Register(ctx, in); err != nil {
		client.Close()
		return nil, nacos.Instance{}, err
	}
	return client, in, nil
}

// outboundIP 通过 UDP "连接" 获取本机对外地址，不会真正发包。
func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
