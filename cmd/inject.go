package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
)

func injectCmd() *cobra.Command {
	var (
		message    string
		sessionKey string
		thinking   bool
	)

	cmd := &cobra.Command{
		Use:   "inject",
		Short: "Send one message to the agent gateway and stream the reply",
		Long: `Send a one-shot message through the same gateway client the relay uses,
streaming the reply to stdout. Ctrl-C aborts the run on the gateway.

Examples:
  clawrelay inject -m "What time is it?"
  clawrelay inject -s agent:default:discord:group:123 -m "summarize the thread"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && len(args) > 0 {
				message = strings.Join(args, " ")
			}
			if strings.TrimSpace(message) == "" {
				return fmt.Errorf("a message is required (-m)")
			}
			return runInject(message, sessionKey, thinking)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "message text")
	cmd.Flags().StringVarP(&sessionKey, "session", "s", "", "session key (default: agent:<id>:cli:direct:local)")
	cmd.Flags().BoolVar(&thinking, "thinking", false, "also print thinking chunks to stderr")
	return cmd
}

func runInject(message, sessionKey string, thinking bool) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if sessionKey == "" {
		sessionKey = sessions.BuildSessionKey(cfg.AgentID(), "cli", sessions.PeerDirect, "local")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := gateway.New(cfg.Gateway)
	defer client.Close()

	var streamed atomic.Bool
	final, err := client.Inject(ctx, sessionKey, message, func(c bus.Chunk) {
		switch c.Type {
		case bus.ChunkText:
			streamed.Store(true)
			fmt.Print(c.Content)
		case bus.ChunkThinking:
			if thinking {
				fmt.Fprint(os.Stderr, c.Content)
			}
		}
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, gateway.ErrCancelled) {
			fmt.Fprintln(os.Stderr, "\n(aborted)")
			return nil
		}
		return err
	}
	if !streamed.Load() {
		fmt.Print(final)
	}
	fmt.Println()
	return nil
}
