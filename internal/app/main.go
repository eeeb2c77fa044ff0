package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, args, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printHelp(stderr)
		return 2
	}

	switch args[1] {
	case "queue":
		return queueCmd(ctx, args[2:], stdout, stderr)
	case "send":
		return sendCmd(ctx, args[2:], stdout, stderr)
	case "receive":
		return receiveCmd(ctx, args[2:], stdout, stderr)
	case "ack":
		return ackCmd(ctx, args[2:], stdout, stderr)
	case "expire":
		return expireCmd(ctx, args[2:], stdout, stderr)
	case "bench":
		return benchCmd(ctx, args[2:], stdout, stderr)
	case "version":
		return runVersionCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		printHelp(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printHelp(stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "lqs")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  lqs queue create|delete|url --name NAME [engine flags]")
	fmt.Fprintln(w, "  lqs queue list [engine flags]")
	fmt.Fprintln(w, "  lqs send --queue NAME --body TEXT [engine flags]")
	fmt.Fprintln(w, "  lqs receive --queue NAME [engine flags]")
	fmt.Fprintln(w, "  lqs ack --queue NAME --handle HANDLE [engine flags]")
	fmt.Fprintln(w, "  lqs expire --queue NAME --handle HANDLE [engine flags]")
	fmt.Fprintln(w, "  lqs bench [--queue bench] [--producers 4] [--messages 250] [--consumers 4] [--metrics-addr :9464] [engine flags]")
	fmt.Fprintln(w, "  lqs version [--long] [--json]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Engine flags:")
	fmt.Fprintln(w, "  --backend memory|file|sqlite|postgres  --root ./.data/queues  --db ./.data/lqs.db  --postgres-dsn DSN")
	fmt.Fprintln(w, "  --visibility-timeout 30s  --lock-timeout 10s  --log-level info  --dotenv ./.env")
	fmt.Fprintln(w, "Unset engine flags fall back to the LQS_* environment variables.")
}
