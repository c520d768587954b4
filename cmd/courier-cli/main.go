// Command courier-cli is a line-oriented client for a courier server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"courier/client"
	"courier/models"
	"courier/protocol"

	"golang.org/x/term"
)

const help = `commands:
  register <user>          create an account and log in
  login <user>             log in
  lookup <user>            show whether a user exists
  list [filter]            list accounts
  send <user> <text...>    send a message
  fetch [n]                fetch up to n unread messages
  delete <id>...           delete messages
  delete-account           delete the logged-in account
  quit`

func main() {
	addr := flag.String("addr", "localhost:6000", "server address")
	format := flag.String("format", "binary", "wire format: binary or json")
	flag.Parse()

	codec, err := protocol.ByName(*format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.Connect(ctx, *addr, codec, client.WithPushHandler(printMessages))
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect:", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	fmt.Printf("connected to %s (%s), type help\n", *addr, codec.Name())
	in := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				fmt.Fprintln(os.Stderr, err)
			}
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = run(reqCtx, c, in, fields)
		cancel()
		if err != nil {
			fmt.Println("error:", err)
		}
		if !c.IsConnected() {
			fmt.Println("disconnected")
			return
		}
	}
}

func run(ctx context.Context, c *client.Client, in *bufio.Reader, fields []string) error {
	cmd, args := fields[0], fields[1:]
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s: missing arguments, see help", cmd)
		}
		return nil
	}

	switch cmd {
	case "help":
		fmt.Println(help)

	case "register", "login":
		if err := need(1); err != nil {
			return err
		}
		password, err := readPassword(in)
		if err != nil {
			return err
		}
		if cmd == "register" {
			if err := c.Register(ctx, args[0], password); err != nil {
				return err
			}
			fmt.Println("account created")
			return nil
		}
		unread, err := c.Login(ctx, args[0], password)
		if err != nil {
			return err
		}
		fmt.Printf("logged in, %d unread\n", unread)

	case "lookup":
		if err := need(1); err != nil {
			return err
		}
		exists, prefix, err := c.Lookup(ctx, args[0])
		if err != nil {
			return err
		}
		if !exists {
			fmt.Println("no such user")
			return nil
		}
		fmt.Println("exists, prefix", prefix)

	case "list":
		filter := ""
		if len(args) > 0 {
			filter = args[0]
		}
		offset := 0
		for {
			page, err := c.Accounts(ctx, 50, offset, filter)
			if err != nil {
				return err
			}
			for _, a := range page {
				fmt.Printf("%6d  %s\n", a.ID, a.Username)
			}
			if len(page) < 50 {
				return nil
			}
			offset = page[len(page)-1].ID
		}

	case "send":
		if err := need(2); err != nil {
			return err
		}
		id, err := c.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Println("sent, id", id)

	case "fetch":
		n := 10
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return err
			}
			n = v
		}
		msgs, err := c.Fetch(ctx, n)
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Println("no unread messages")
		}
		printMessages(msgs)

	case "delete":
		if err := need(1); err != nil {
			return err
		}
		ids := make([]int, 0, len(args))
		for _, a := range args {
			id, err := strconv.Atoi(a)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		if err := c.Delete(ctx, ids...); err != nil {
			return err
		}
		fmt.Println("deleted")

	case "delete-account":
		return c.DeleteAccount(ctx)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// readPassword prompts without echo on a terminal and reads a plain line
// otherwise.
func readPassword(in *bufio.Reader) (string, error) {
	fmt.Print("password: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		return string(b), err
	}
	line, err := in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func printMessages(msgs []models.MessageView) {
	for _, m := range msgs {
		fmt.Printf("[%d] %s: %s\n", m.ID, m.Sender, m.Body)
	}
}
