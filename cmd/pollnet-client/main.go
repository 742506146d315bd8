// Command pollnet-client opens a number of connections to a pollnet server,
// sends one request on each and prints every response.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/pollnet"
	"github.com/Zereker/pollnet/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	cmd := &cobra.Command{
		Use:   "pollnet-client <host> <port> <num_connections>",
		Short: "Send framed requests over non-blocking TCP connections",
		Long: `pollnet-client dials num_connections connections, sends one request on
each and exits once every connection has closed. Settings can also be given
as POLLNET_<FLAG> environment variables or in .env / .env.local.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[2])
			if err != nil || n <= 0 {
				return errors.Errorf("num_connections must be a positive integer, got %q", args[2])
			}
			cmd.SilenceUsage = true

			cfg, err := config.Load(v, cmd)
			if err != nil {
				return err
			}
			req, err := requestFlags(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, req, args[0], args[1], n, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	config.SetupFlags(cmd)

	f := cmd.Flags()
	f.String("action", "echo", config.WrapString("Action of JSON requests (echo, reverse)"))
	f.String("value", "", config.WrapString("Request value; defaults to a message naming the connection"))
	f.String("encoding", pollnet.EncodingUTF8, config.WrapString("Text encoding of JSON requests"))
	f.Bool("binary", false, config.WrapString("Send the value as raw bytes instead of a JSON request"))
	f.String("content-type", "binary/custom-client-binary-type", config.WrapString("Content type of binary requests"))
	return cmd
}

// requestTemplate describes the request sent on every connection.
type requestTemplate struct {
	Action      string
	Value       string
	Encoding    string
	Binary      bool
	ContentType string
}

func requestFlags(cmd *cobra.Command) (requestTemplate, error) {
	var (
		tmpl requestTemplate
		err  error
		f    = cmd.Flags()
	)
	if tmpl.Action, err = f.GetString("action"); err != nil {
		return tmpl, err
	}
	if tmpl.Value, err = f.GetString("value"); err != nil {
		return tmpl, err
	}
	if tmpl.Encoding, err = f.GetString("encoding"); err != nil {
		return tmpl, err
	}
	if tmpl.Binary, err = f.GetBool("binary"); err != nil {
		return tmpl, err
	}
	if tmpl.ContentType, err = f.GetString("content-type"); err != nil {
		return tmpl, err
	}
	return tmpl, nil
}

// build returns the request for the connection with the given 1-based id.
func (s requestTemplate) build(id int) *pollnet.Request {
	value := s.Value
	if value == "" {
		value = "message from connection " + strconv.Itoa(id)
	}
	if s.Binary {
		return pollnet.BinaryRequest([]byte(value), s.ContentType)
	}
	return &pollnet.Request{
		Content:         map[string]any{"action": s.Action, "value": value},
		ContentType:     pollnet.ContentTypeJSON,
		ContentEncoding: s.Encoding,
	}
}

func run(ctx context.Context, cfg *config.Config, tmpl requestTemplate, host, port string, n int, out, logOut io.Writer) error {
	logger, err := cfg.Logger(logOut)
	if err != nil {
		return err
	}
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return err
	}

	opts := append(cfg.Options(logger, nil), pollnet.OnMessageOption(printResponse(out)))
	client, err := pollnet.NewClient(opts...)
	if err != nil {
		return err
	}
	defer client.Close()

	for id := 1; id <= n; id++ {
		if _, err := client.Dial(addr, tmpl.build(id)); err != nil {
			return errors.Wrapf(err, "connection %d", id)
		}
		logger.Info("connecting", "id", id, "addr", addr)
	}

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printResponse writes one line per response.
func printResponse(out io.Writer) func(*pollnet.Conn, *pollnet.Message) error {
	return func(c *pollnet.Conn, m *pollnet.Message) error {
		if !m.IsJSON() {
			_, err := fmt.Fprintf(out, "got %s response from %s: %q\n", m.Metadata.ContentType, c.Addr(), m.Body())
			return err
		}
		var result any
		if body, ok := m.Value.(map[string]any); ok {
			result = body["result"]
		}
		_, err := fmt.Fprintf(out, "got result from %s: %v\n", c.Addr(), result)
		return err
	}
}
