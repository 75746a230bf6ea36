// cmd/sagactl/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"ordersaga/internal/pkg/httpclient"
	"ordersaga/internal/service/order/application"
	"ordersaga/internal/service/order/port"
)

const usage = `usage: sagactl [-addr URL] <command> [args]

commands:
  create -customer ID -item PRODUCT:QTY:PRICE [-item ...] [-address TEXT]
  get ORDER_ID
  cancel ORDER_ID
  watch ORDER_ID
  dead-letters [-limit N]
  replay DEAD_LETTER_ID
`

// itemFlags 收集可重复的 -item 参数
type itemFlags []application.OrderItemRequest

func (f *itemFlags) String() string { return fmt.Sprint(len(*f)) }

func (f *itemFlags) Set(v string) error {
	it, err := parseItem(v)
	if err != nil {
		return err
	}
	*f = append(*f, it)
	return nil
}

// parseItem 解析 PRODUCT:QTY:PRICE
func parseItem(v string) (application.OrderItemRequest, error) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return application.OrderItemRequest{}, fmt.Errorf("item %q: want PRODUCT:QTY:PRICE", v)
	}
	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return application.OrderItemRequest{}, fmt.Errorf("item %q: quantity: %w", v, err)
	}
	price, err := decimal.NewFromString(parts[2])
	if err != nil {
		return application.OrderItemRequest{}, fmt.Errorf("item %q: price: %w", v, err)
	}
	return application.OrderItemRequest{ProductID: parts[0], Quantity: qty, UnitPrice: price}, nil
}

type cli struct {
	client *httpclient.Client
	addr   string
	out    io.Writer
}

func main() {
	addr := flag.String("addr", envOr("SAGA_ADDR", "http://localhost:8080"), "orchestrator base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &cli{
		client: httpclient.NewClient(otel.Tracer("sagactl"), *addr),
		addr:   *addr,
		out:    os.Stdout,
	}
	ctx := context.Background()
	if flag.Arg(0) != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}
	if err := c.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *cli) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "create":
		fs := flag.NewFlagSet("create", flag.ContinueOnError)
		customer := fs.String("customer", "", "customer id")
		address := fs.String("address", "", "shipping address")
		var items itemFlags
		fs.Var(&items, "item", "PRODUCT:QTY:PRICE, repeatable")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var resp application.OrderAcceptedResponse
		req := application.CreateOrderRequest{CustomerID: *customer, Items: items, ShippingAddress: *address}
		if err := c.client.PostJSON(ctx, "/orders", req, &resp); err != nil {
			return err
		}
		return c.print(resp)
	case "get":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		var view application.OrderView
		if err := c.client.GetJSON(ctx, "/orders/"+url.PathEscape(id), nil, &view); err != nil {
			return err
		}
		return c.print(view)
	case "cancel":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		var resp application.OrderAcceptedResponse
		if err := c.client.PostJSON(ctx, "/orders/"+url.PathEscape(id)+"/cancel", nil, &resp); err != nil {
			return err
		}
		return c.print(resp)
	case "dead-letters":
		fs := flag.NewFlagSet("dead-letters", flag.ContinueOnError)
		limit := fs.Int("limit", 50, "max records")
		if err := fs.Parse(args); err != nil {
			return err
		}
		var views []application.DeadLetterView
		if err := c.client.GetJSON(ctx, "/dead-letters", url.Values{"limit": {strconv.Itoa(*limit)}}, &views); err != nil {
			return err
		}
		return c.print(views)
	case "replay":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		var view application.DeadLetterView
		if err := c.client.PostJSON(ctx, "/dead-letters/"+url.PathEscape(id)+"/replay", nil, &view); err != nil {
			return err
		}
		return c.print(view)
	case "watch":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		return c.watch(ctx, id)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// watch 订阅状态推送，直到服务端在终态关闭连接
func (c *cli) watch(ctx context.Context, orderID string) error {
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(c.addr, "/"), "http") + "/orders/" + url.PathEscape(orderID) + "/watch"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	for {
		var change port.StatusChange
		if err := conn.ReadJSON(&change); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fmt.Fprintf(c.out, "%s  %s -> %s\n", change.At.Format(time.RFC3339), orEmpty(string(change.From)), change.To)
	}
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || args[0] == "" {
		return "", fmt.Errorf("%s takes exactly one id", cmd)
	}
	return args[0], nil
}

func orEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
