// Package repl is the interactive client shell. Each line is split with
// shell quoting rules and dispatched through a cobra command tree.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/rdmakv/internal/kv"
)

const prompt = "$ "

// ErrExit is returned by Exec for the exit command
var ErrExit = errors.New("exit requested")

// Requester runs key-value operations. *kv.Client implements it.
type Requester interface {
	Do(ctx context.Context, op kv.Op) (string, error)
}

// REPL reads commands from in and writes results to out
type REPL struct {
	client Requester
	in     io.Reader
	out    io.Writer
}

// New returns a shell driving client
func New(client Requester, in io.Reader, out io.Writer) *REPL {
	return &REPL{client: client, in: in, out: out}
}

// Run reads lines until EOF, exit, or ctx is done. Command errors are
// printed and do not stop the loop.
func (r *REPL) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(r.out, prompt)
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out)
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out)
				select {
				case err := <-readErr:
					return err
				default:
					return ctx.Err()
				}
			}
			line = l
		}

		err := r.Exec(ctx, line)
		if errors.Is(err, ErrExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

// Exec runs one command line. Blank lines are ignored.
func (r *REPL) Exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	args, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("invalid quoting: %w", err)
	}
	if len(args) == 0 {
		return nil
	}

	root := r.commandTree()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.out)
	return root.ExecuteContext(ctx)
}

// commandTree is rebuilt per line so no flag or argument state carries over
func (r *REPL) commandTree() *cobra.Command {
	root := &cobra.Command{
		Use:           "rdmakv",
		Short:         "Key-value operations over RDMA",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "get <key>",
			Short: "Get key value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.run(cmd, kv.Get(args[0]))
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Set key value",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.run(cmd, kv.Set(args[0], args[1]))
			},
		},
		&cobra.Command{
			Use:     "delete <key>",
			Aliases: []string{"del", "rm"},
			Short:   "Delete key value",
			Args:    cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return r.run(cmd, kv.Delete(args[0]))
			},
		},
		&cobra.Command{
			Use:     "exit",
			Aliases: []string{"quit"},
			Short:   "Leave the shell",
			Args:    cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return ErrExit
			},
		},
	)
	return root
}

func (r *REPL) run(cmd *cobra.Command, op kv.Op) error {
	value, err := r.client.Do(cmd.Context(), op)
	if err != nil {
		return err
	}
	if op.Kind == kv.OpGet {
		log.Debug().Str("key", op.Key).Str("value", value).Msg("Get value")
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "OK")
	return nil
}
