package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/calexplorer/internal/approval"
	"github.com/nugget/calexplorer/internal/client"
	"github.com/nugget/calexplorer/internal/config"
	"github.com/nugget/calexplorer/internal/proposal"
	"github.com/nugget/calexplorer/internal/stream"
)

type askOptions struct {
	server     string
	session    string
	transcript string
	yes        bool
	message    string
}

// parseAskArgs reads the ask subcommand's own flags. Everything that is
// not a flag is joined into the message.
func parseAskArgs(args []string) (askOptions, error) {
	var opts askOptions
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-server" && i+1 < len(args):
			opts.server = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-server="):
			opts.server = strings.TrimPrefix(args[i], "-server=")
		case args[i] == "-session" && i+1 < len(args):
			opts.session = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-session="):
			opts.session = strings.TrimPrefix(args[i], "-session=")
		case args[i] == "-transcript" && i+1 < len(args):
			opts.transcript = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-transcript="):
			opts.transcript = strings.TrimPrefix(args[i], "-transcript=")
		case args[i] == "-yes" || args[i] == "-y":
			opts.yes = true
		case strings.HasPrefix(args[i], "-") && len(words) == 0:
			return opts, fmt.Errorf("unknown ask flag: %s", args[i])
		default:
			words = append(words, args[i])
		}
	}
	opts.message = strings.TrimSpace(strings.Join(words, " "))
	if opts.message == "" {
		return opts, fmt.Errorf("usage: calexplorer ask [-server URL] [-session TOKEN] [-transcript FILE] [-yes] <message>")
	}
	return opts, nil
}

// runAsk sends one message to a running server, echoes the streamed
// reply and, if the reply carries a proposal, asks on stdin whether to
// add it to the calendar.
func runAsk(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string, opts askOptions) error {
	cfg := config.Default()
	if loaded, _, err := loadConfig(configPath); err == nil {
		cfg = loaded
	} else if opts.server == "" {
		return err
	}

	server := opts.server
	if server == "" {
		host := cfg.Listen.Address
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		server = fmt.Sprintf("http://%s:%d", host, cfg.Listen.Port)
	}

	var clientOpts []client.Option
	if opts.session != "" && len(cfg.Auth.CookieNames) > 0 {
		clientOpts = append(clientOpts, client.WithSessionCookie(cfg.Auth.CookieNames[0], opts.session))
	}
	if cfg.Auth.DevAccessToken != "" {
		clientOpts = append(clientOpts, client.WithDevToken(cfg.Auth.DevAccessToken))
	}

	session := client.NewSession(client.New(server, clientOpts...), approval.WithRetryOnError(cfg.RetryOnError()))

	_, id, ok, err := session.Send(ctx, opts.message, func(p stream.Part) {
		switch p.Code {
		case stream.CodeText:
			fmt.Fprint(stdout, p.Text)
		case stream.CodeToolCall:
			fmt.Fprintf(stdout, "\n[%s]\n", p.ToolCall.ToolName)
		}
	})
	fmt.Fprintln(stdout)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	if opts.transcript != "" {
		if err := writeTranscript(opts.transcript, session.Messages()); err != nil {
			return fmt.Errorf("ask: %w", err)
		}
	}
	if !ok {
		return nil
	}

	p, _ := session.Proposal(id)
	out, err := yaml.Marshal(p)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, "Proposed event:")
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		fmt.Fprintf(stdout, "  %s\n", line)
	}

	in := bufio.NewScanner(stdin)
	for session.Enabled(id) {
		if !opts.yes {
			fmt.Fprint(stdout, "Add to calendar? [y/N] ")
			if !in.Scan() {
				return in.Err()
			}
			answer := strings.ToLower(strings.TrimSpace(in.Text()))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(stdout, "Not added.")
				return nil
			}
		}

		created, err := session.Approve(ctx, id)
		switch {
		case err == nil:
			fmt.Fprintf(stdout, "Event created: %s\n", created)
			return nil
		case errors.Is(err, approval.ErrUnauthenticated):
			return fmt.Errorf("not signed in: %w", err)
		case opts.yes || !session.Enabled(id):
			return fmt.Errorf("approve: %w", err)
		default:
			fmt.Fprintf(stdout, "Failed to create event: %v\n", err)
		}
	}
	return nil
}

// writeTranscript saves the conversation in the chat request's message
// format, so it can be replayed against another server.
func writeTranscript(path string, msgs []proposal.Message) error {
	out, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
