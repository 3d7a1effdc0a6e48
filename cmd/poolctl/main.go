package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"PoolLedger/internal/client"
	"PoolLedger/internal/server"

	"github.com/google/uuid"
)

const defaultAddr = "localhost:9090"

type mutation func(*client.Client, context.Context, *server.AmountRequest) (*server.MutationResponse, error)

var mutations = map[string]mutation{
	"deposit":             (*client.Client).Deposit,
	"deposit-collateral":  (*client.Client).DepositCollateral,
	"borrow":              (*client.Client).Borrow,
	"repay":               (*client.Client).Repay,
	"withdraw-collateral": (*client.Client).WithdrawCollateral,
}

var errUsage = errors.New("usage")

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: poolctl [-addr host:port] [-timeout d] <command> [args]

Commands:
  deposit             [-request-id id] <user> <amount>
  deposit-collateral  [-request-id id] <user> <amount>
  borrow              [-request-id id] <user> <amount>
  repay               [-request-id id] <user> <amount>
  withdraw-collateral [-request-id id] <user> <amount>
  signup              <user> <username>
  account             <user>
  username            <user>
  balance             <user>
  stable-token
  supply
  users
  health

Environment:
  POOL_ADDR - PoolService gRPC address (default: localhost:9090)`)
}

func main() {
	addr := flag.String("addr", envOr("POOL_ADDR", defaultAddr), "PoolService gRPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	c, err := client.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	err = run(ctx, c, flag.Args(), os.Stdout)
	cancel()
	if errors.Is(err, errUsage) {
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command and writes its JSON result to w.
func run(ctx context.Context, c *client.Client, args []string, w io.Writer) error {
	name, rest := args[0], args[1:]

	if call, ok := mutations[name]; ok {
		fs := flag.NewFlagSet(name, flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		requestID := fs.String("request-id", "", "idempotency key (default: random UUID)")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		if fs.NArg() != 2 {
			return fmt.Errorf("%w: %s takes <user> <amount>", errUsage, name)
		}
		if *requestID == "" {
			*requestID = uuid.NewString()
		}
		resp, err := call(c, ctx, &server.AmountRequest{
			RequestID: *requestID,
			User:      fs.Arg(0),
			Amount:    fs.Arg(1),
		})
		if err != nil {
			return err
		}
		return printJSON(w, resp)
	}

	var (
		resp any
		err  error
	)
	switch name {
	case "signup":
		if len(rest) != 2 {
			return fmt.Errorf("%w: signup takes <user> <username>", errUsage)
		}
		resp, err = c.Signup(ctx, rest[0], rest[1])
	case "account", "balance", "username":
		if len(rest) != 1 {
			return fmt.Errorf("%w: %s takes <user>", errUsage, name)
		}
		switch name {
		case "account":
			resp, err = c.GetUserAccount(ctx, rest[0])
		case "balance":
			resp, err = c.GetBalance(ctx, rest[0])
		default:
			resp, err = c.GetUsername(ctx, rest[0])
		}
	case "stable-token":
		resp, err = c.GetStableToken(ctx)
	case "supply":
		resp, err = c.GetTotalSupply(ctx)
	case "users":
		resp, err = c.ListUsers(ctx)
	case "health":
		st, herr := c.Health(ctx)
		resp, err = map[string]string{"status": st.String()}, herr
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if err != nil {
		return err
	}
	return printJSON(w, resp)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
