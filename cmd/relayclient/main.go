// relayclient 交互式客户端: 标准输入的每一行作为一帧发送，收到的帧打印到标准输出
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"gorelay/internal/frame"
	"gorelay/internal/websocket"
)

func main() {
	app := &cli.Command{
		Name:  "relayclient",
		Usage: "Send stdin lines as frames and print received frames",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Relay TCP address",
				Value: "localhost:9000",
			},
			&cli.StringFlag{
				Name:  "ws",
				Usage: "Relay WebSocket URL, e.g. ws://localhost:9001/ws (overrides --addr)",
			},
		},
		Action: run,
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *cli.Command) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, target, err := connect(ctx, c)
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()
	fmt.Fprintf(os.Stderr, "已连接到 %s\n", target)

	done := make(chan error, 1)
	go func() {
		for {
			f, err := frame.Read(conn)
			if err != nil {
				done <- err
				return
			}
			fmt.Println(string(f.Body()))
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			f, err := frame.Encode(scanner.Bytes())
			if err != nil {
				fmt.Fprintln(os.Stderr, "跳过:", err)
				continue
			}
			if _, err := conn.Write(f.Bytes()); err != nil {
				done <- err
				return
			}
		}
		// 标准输入结束后继续接收
	}()

	select {
	case err := <-done:
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			fmt.Fprintln(os.Stderr, "服务器关闭了连接")
			return nil
		}
		return err
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "收到中断信号，关闭连接...")
		return nil
	}
}

func connect(ctx context.Context, c *cli.Command) (io.ReadWriteCloser, string, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if url := c.String("ws"); url != "" {
		conn, err := websocket.Dial(dialCtx, url, websocket.DefaultConfig())
		return conn, url, err
	}

	addr := c.String("addr")
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	return conn, addr, err
}
