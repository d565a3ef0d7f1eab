package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/sushant-115/gojotx/config/certs"
	"github.com/sushant-115/gojotx/internal/server"
	"github.com/sushant-115/gojotx/pkg/connection"
)

var (
	addr       = flag.String("addr", "127.0.0.1:7070", "Server address")
	useTLS     = flag.Bool("tls", false, "Connect with mutual TLS")
	caFile     = flag.String("ca", "certs/ca.crt", "CA certificate")
	certFile   = flag.String("cert", "certs/client.crt", "Client certificate")
	keyFile    = flag.String("key", "certs/client.key", "Client key")
	serverName = flag.String("server_name", "localhost", "Expected server name in its certificate")
	execute    = flag.String("e", "", "Run one command and exit")
	timeout    = flag.Duration("timeout", 5*time.Second, "Dial timeout")
)

type client struct {
	conn   *connection.PooledConn
	reader *bufio.Reader
}

func (c *client) do(line string) (server.Response, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		return server.Response{}, err
	}
	return server.ReadResponse(c.reader)
}

func printResponse(resp server.Response) {
	if resp.Message != "" {
		fmt.Printf("%s %s\n", resp.Status, resp.Message)
	} else {
		fmt.Println(resp.Status)
	}
	if resp.Data != nil {
		out, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			fmt.Printf("  (unprintable data: %v)\n", err)
			return
		}
		fmt.Println(string(out))
	}
}

func main() {
	log.SetFlags(0)
	flag.Parse()

	opts := connection.Options{MaxSize: 1, DialTimeout: *timeout, DialRetries: 2}
	if *useTLS {
		tlsConfig, err := certs.LoadClientTLSConfig(*caFile, *certFile, *keyFile, *serverName)
		if err != nil {
			log.Fatalf("Error loading TLS config: %v", err)
		}
		opts.TLS = tlsConfig
	}
	pool := connection.New(*addr, opts)
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*3)
	conn, err := pool.Get(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Error connecting to %s: %v", *addr, err)
	}
	defer conn.ForceClose()
	c := &client{conn: conn, reader: bufio.NewReader(conn)}

	if *execute != "" {
		resp, err := c.do(*execute)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		printResponse(resp)
		if resp.Status == server.StatusError {
			os.Exit(1)
		}
		return
	}

	if err := interactive(c); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func interactive(c *client) error {
	history := ""
	if home, err := os.UserHomeDir(); err == nil {
		history = filepath.Join(home, ".gojotx_history")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "gojotx> ",
		HistoryFile:     history,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("BEGIN"),
			readline.PcItem("COMMIT"),
			readline.PcItem("ROLLBACK"),
			readline.PcItem("EXEC"),
			readline.PcItem("RUN"),
			readline.PcItem("GET"),
			readline.PcItem("ALL"),
			readline.PcItem("STATUS"),
			readline.PcItem("HELP"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("gojotx CLI. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			_, _ = c.do("QUIT")
			fmt.Println("Exiting gojotx CLI.")
			return nil
		}

		resp, err := c.do(line)
		if err != nil {
			return fmt.Errorf("connection lost: %w", err)
		}
		printResponse(resp)
	}
}
