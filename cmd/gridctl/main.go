package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"grid-trader-go/internal/engine"
)

const usage = `用法: gridctl [-addr http://127.0.0.1:8080] <命令> [参数]

命令:
  status                 查看状态
  kill on|off            on = 停止交易（kill switch），off = 恢复交易
  state <STATE>          设置运行状态 RUNNING/PAUSED/STOPPED/ERROR
  reset <SYMBOL>         清空交易对已成交档位
  enable <SYMBOL>        启用交易对
  disable <SYMBOL>       停用交易对
  remove <ORDER_ID>      撤销并删除订单
  panic                  停止交易并撤销所有挂单
`

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "运维接口地址")
	timeout := flag.Duration("timeout", 10*time.Second, "单次请求超时")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}
	c := &client{base: *addr, http: &http.Client{Timeout: *timeout}}
	if err := run(c, args, os.Stdout); err != nil {
		log.Fatalf("❌ %v", err)
	}
}

func run(c *client, args []string, out io.Writer) error {
	need := func(n int) error {
		if len(args) < n+1 {
			return fmt.Errorf("%s 需要 %d 个参数", args[0], n)
		}
		return nil
	}

	switch args[0] {
	case "status":
		st, err := c.status()
		if err != nil {
			return err
		}
		printStatus(out, st)
		return nil
	case "kill":
		if err := need(1); err != nil {
			return err
		}
		switch args[1] {
		case "on":
			return c.post("/kill-switch", map[string]bool{"enabled": false}, out, "🛑 交易已停止")
		case "off":
			return c.post("/kill-switch", map[string]bool{"enabled": true}, out, "✅ 交易已恢复")
		default:
			return fmt.Errorf("kill 参数必须是 on 或 off，收到 %q", args[1])
		}
	case "state":
		if err := need(1); err != nil {
			return err
		}
		return c.post("/state", map[string]string{"state": args[1]}, out, "✅ 状态已设置为 "+args[1])
	case "reset":
		if err := need(1); err != nil {
			return err
		}
		return c.post("/symbols/"+url.PathEscape(args[1])+"/reset", nil, out, "✅ "+args[1]+" 已重置")
	case "enable", "disable":
		if err := need(1); err != nil {
			return err
		}
		enabled := args[0] == "enable"
		return c.post("/symbols/"+url.PathEscape(args[1])+"/enabled", map[string]bool{"enabled": enabled}, out,
			"✅ "+args[1]+" enabled="+strconv.FormatBool(enabled))
	case "remove":
		if err := need(1); err != nil {
			return err
		}
		if err := c.remove(args[1]); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ 订单 %s 已删除\n", args[1])
		return nil
	case "panic":
		return panicStop(c, out)
	default:
		return fmt.Errorf("未知命令 %q", args[0])
	}
}

// panicStop 先关闭交易开关，再逐个撤销活跃订单；单个失败不中断
func panicStop(c *client, out io.Writer) error {
	fmt.Fprintln(out, "🔸 停止交易...")
	if err := c.post("/kill-switch", map[string]bool{"enabled": false}, out, "✅ 交易已停止"); err != nil {
		return err
	}

	fmt.Fprintln(out, "\n🔸 撤销所有挂单...")
	st, err := c.status()
	if err != nil {
		return err
	}
	failed := 0
	for _, o := range st.OpenOrders {
		if err := c.remove(o.ID); err != nil {
			failed++
			fmt.Fprintf(out, "⚠️  %s %s L%d: %v\n", o.Symbol, o.ID, o.GridLevel, err)
			continue
		}
		fmt.Fprintf(out, "✅ %s %s %s L%d @ %.2f\n", o.Symbol, o.Side, o.ID, o.GridLevel, o.Price)
	}
	if failed > 0 {
		return fmt.Errorf("%d 个订单撤销失败", failed)
	}
	fmt.Fprintf(out, "\n完成，共撤销 %d 个订单\n", len(st.OpenOrders))
	return nil
}

func printStatus(out io.Writer, st engine.Status) {
	fmt.Fprintf(out, "交易开关: %v  状态: %s  dry-run: %v  运行中: %v\n", st.TradingEnabled, st.BotState, st.DryRun, st.Running)
	fmt.Fprintf(out, "组合价值: %.2f  总敞口: %.2f%%\n", st.PortfolioValue, st.TotalExposure)
	fmt.Fprintf(out, "订单: 共 %d，活跃 %d，成交 %d，撤销 %d\n",
		st.Orders.Total, st.Orders.Open+st.Orders.PartiallyFilled, st.Orders.Filled, st.Orders.Cancelled)
	for _, g := range st.Grids {
		rt := st.RoundTrips[g.Symbol]
		fmt.Fprintf(out, "  %-8s enabled=%-5v active=%-5v trend=%-8s base=%.2f open=%d filled=%v pnl=%.2f (%d)\n",
			g.Symbol, g.Enabled, g.Active, g.Trend, g.BasePrice, g.OpenOrders, g.FilledLevels, rt.RealizedPnL, rt.RoundTrips)
	}
	for k, v := range st.LastErrors {
		fmt.Fprintf(out, "  ⚠️  %s: %s\n", k, v)
	}
}

type client struct {
	base string
	http *http.Client
}

func (c *client) status() (engine.Status, error) {
	var st engine.Status
	resp, err := c.http.Get(c.base + "/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return st, err
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func (c *client) post(path string, body interface{}, out io.Writer, done string) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	resp, err := c.http.Post(c.base+path, "application/json", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	fmt.Fprintln(out, done)
	return nil
}

func (c *client) remove(id string) error {
	req, err := http.NewRequest(http.MethodDelete, c.base+"/orders/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkResponse(resp)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var e struct {
		Error string `json:"error"`
	}
	body, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}
	return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
