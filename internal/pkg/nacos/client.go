// internal/pkg/nacos/client.go
package nacos

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/nacos-group/nacos-sdk-go/v2/clients"
	"github.com/nacos-group/nacos-sdk-go/v2/clients/naming_client"
	"github.com/nacos-group/nacos-sdk-go/v2/common/constant"
	"github.com/nacos-group/nacos-sdk-go/v2/vo"

	"ordersaga/internal/pkg/logger"
)

const defaultGroup = "DEFAULT_GROUP"

// Client 封装了 Nacos 命名客户端
type Client struct {
	namingClient naming_client.INamingClient
	groupName    string
}

// Instance 描述一个要注册的服务实例。
type Instance struct {
	ServiceName string
	IP          string
	Port        int
	Metadata    map[string]string
}

// ParseServerAddrs 解析 "ip1:port1,ip2:port2" 格式的地址。
func ParseServerAddrs(addrs string) ([]constant.ServerConfig, error) {
	var serverConfigs []constant.ServerConfig
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		host, portStr, ok := strings.Cut(addr, ":")
		if !ok || host == "" {
			return nil, fmt.Errorf("invalid nacos address format: %s", addr)
		}
		port, err := strconv.ParseUint(portStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid port in nacos address: %s", portStr)
		}
		serverConfigs = append(serverConfigs, *constant.NewServerConfig(host, port))
	}
	if len(serverConfigs) == 0 {
		return nil, fmt.Errorf("no nacos server address in %q", addrs)
	}
	return serverConfigs, nil
}

// NewClient 创建并返回一个新的 Nacos 客户端。
func NewClient(ctx context.Context, addrs, namespaceID, groupName string) (*Client, error) {
	if namespaceID == "" {
		logger.Ctx(ctx).Warn().Msg("⚠️ Nacos namespace is not set. Using default public namespace.")
	}
	if groupName == "" {
		groupName = defaultGroup
	}
	serverConfigs, err := ParseServerAddrs(addrs)
	if err != nil {
		return nil, err
	}

	clientConfig := *constant.NewClientConfig(
		constant.WithNotLoadCacheAtStart(true),
		constant.WithLogDir("/tmp/nacos/log"),
		constant.WithCacheDir("/tmp/nacos/cache"),
		constant.WithLogLevel("warn"),
		constant.WithNamespaceId(namespaceID),
	)
	namingClient, err := clients.NewNamingClient(vo.NacosClientParam{
		ClientConfig:  &clientConfig,
		ServerConfigs: serverConfigs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create nacos naming client: %w", err)
	}

	logger.Ctx(ctx).Info().Str("addrs", addrs).Str("group", groupName).Msg("✅ Successfully connected to Nacos.")
	return &Client{namingClient: namingClient, groupName: groupName}, nil
}

// Register 注册一个临时实例，心跳断开后会自动摘除。
func (c *Client) Register(ctx context.Context, in Instance) error {
	success, err := c.namingClient.RegisterInstance(vo.RegisterInstanceParam{
		Ip:          in.IP,
		Port:        uint64(in.Port),
		ServiceName: in.ServiceName,
		Weight:      10,
		Enable:      true,
		Healthy:     true,
		Ephemeral:   true,
		Metadata:    in.Metadata,
		GroupName:   c.groupName,
	})
	if err != nil {
		return fmt.Errorf("failed to register service with nacos: %w", err)
	}
	if !success {
		return fmt.Errorf("nacos registration was not successful for service: %s", in.ServiceName)
	}
	logger.Ctx(ctx).Info().Str("ip", in.IP).Int("port", in.Port).
		Msgf("✅ Service '%s' registered to Nacos", in.ServiceName)
	return nil
}

// Deregister 从 Nacos 注销实例。
func (c *Client) Deregister(ctx context.Context, in Instance) error {
	if _, err := c.namingClient.DeregisterInstance(vo.DeregisterInstanceParam{
		Ip:          in.IP,
		Port:        uint64(in.Port),
		ServiceName: in.ServiceName,
		Ephemeral:   true,
		GroupName:   c.groupName,
	}); err != nil {
		return fmt.Errorf("failed to deregister service with nacos: %w", err)
	}
	logger.Ctx(ctx).Info().Msgf("ℹ️ Service '%s' deregistered from Nacos", in.ServiceName)
	return nil
}

// Close 关闭命名客户端。
func (c *Client) Close() {
	if c.namingClient != nil {
		c.namingClient.CloseClient()
	}
}
