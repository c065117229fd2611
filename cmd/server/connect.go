package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Tyrowin/relaychat/internal/client"
	"github.com/Tyrowin/relaychat/internal/config"
)

type connectOptions struct {
	server   string
	username string
	password string
	partner  string
	register bool
}

func newConnectCmd(configPath *string) *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Chat from the terminal",
		Long: `Sign in, keep a relay connection open and chat with one partner.

Lines typed on stdin are sent to the selected partner. Commands:
  /people         list users
  /online         show who is online
  /with <name>    switch conversation partner
  /quit           exit`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if opts.username == "" || opts.password == "" {
				return fmt.Errorf("--username and --password are required")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			api, err := client.NewHTTPAPI(opts.server)
			if err != nil {
				return err
			}
			auth := api.Login
			if opts.register {
				auth = api.Register
			}
			selfID, err := auth(ctx, opts.username, opts.password)
			if err != nil {
				return fmt.Errorf("sign in failed: %w", err)
			}

			rc := client.New(client.Options{
				URL:              relayURL(cfg.Client, api),
				Token:            api.Token(),
				Origin:           api.BaseURL(),
				SelfID:           selfID,
				Backoff:          cfg.Client.Backoff(),
				HandshakeTimeout: cfg.Client.HandshakeTimeout,
				History:          api,
			})

			s := &session{api: api, rc: rc, out: cmd.OutOrStdout()}
			if opts.partner != "" {
				if err := s.selectPartner(ctx, opts.partner); err != nil {
					return err
				}
			}

			go s.printUpdates(ctx)
			go func() { _ = rc.Run(ctx) }()

			return s.readInput(ctx, cmd.InOrStdin(), stop)
		},
	}

	cmd.Flags().StringVar(&opts.server, "server", "http://localhost:4000", "relay base URL")
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&opts.password, "password", "p", "", "password")
	cmd.Flags().StringVar(&opts.partner, "with", "", "initial conversation partner (username)")
	cmd.Flags().BoolVar(&opts.register, "register", false, "create the account before connecting")
	return cmd
}

// relayURL returns the configured websocket endpoint, or the one derived
// from the --server base URL.
func relayURL(cfg config.ClientConfig, api *client.HTTPAPI) string {
	if cfg.URL != "" {
		return cfg.URL
	}
	return api.WebSocketURL()
}

type session struct {
	api *client.HTTPAPI
	rc  *client.ReconnectingClient
	out io.Writer

	mu    sync.Mutex
	names map[string]string
}

func (s *session) refreshNames(ctx context.Context) error {
	people, err := s.api.People(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(people))
	for _, p := range people {
		names[p.ID] = p.Username
	}
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
	return nil
}

func (s *session) name(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.names[id]; ok {
		return n
	}
	return id
}

func (s *session) selectPartner(ctx context.Context, username string) error {
	if err := s.refreshNames(ctx); err != nil {
		return err
	}
	id, ok := s.lookup(username)
	if !ok {
		return fmt.Errorf("unknown user %q", username)
	}
	if err := s.rc.Select(ctx, id); err != nil {
		return err
	}
	for _, m := range s.rc.Messages() {
		s.printMessage(m)
	}
	return nil
}

func (s *session) lookup(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.names {
		if n == username {
			return id, true
		}
	}
	return "", false
}

func (s *session) printMessage(m client.Message) {
	text := m.Text
	if m.File != "" {
		text = strings.TrimSpace(text + " [file " + m.FileName + " -> /uploads/" + m.File + "]")
	}
	_, _ = fmt.Fprintf(s.out, "%s: %s\n", s.name(m.Sender), text)
}

func (s *session) printUpdates(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-s.rc.Updates():
			switch u.Kind {
			case client.UpdateState:
				_, _ = fmt.Fprintf(s.out, "* %s\n", u.State)
			case client.UpdatePresence:
				names := make([]string, 0, len(u.Online))
				for _, e := range u.Online {
					names = append(names, e.Username)
				}
				_, _ = fmt.Fprintf(s.out, "* online: %s\n", strings.Join(names, ", "))
			case client.UpdateMessage:
				s.printMessage(*u.Message)
			}
		}
	}
}

func (s *session) readInput(ctx context.Context, in io.Reader, stop context.CancelFunc) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			stop()
			return nil
		case line == "/people":
			if err := s.refreshNames(ctx); err != nil {
				_, _ = fmt.Fprintf(s.out, "! %v\n", err)
				continue
			}
			s.mu.Lock()
			for _, n := range s.names {
				_, _ = fmt.Fprintln(s.out, "  "+n)
			}
			s.mu.Unlock()
		case line == "/online":
			for _, e := range s.rc.Online() {
				_, _ = fmt.Fprintln(s.out, "  "+e.Username)
			}
		case strings.HasPrefix(line, "/with "):
			if err := s.selectPartner(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/with "))); err != nil {
				_, _ = fmt.Fprintf(s.out, "! %v\n", err)
			}
		default:
			if _, err := s.rc.Send(line, nil); err != nil {
				_, _ = fmt.Fprintf(s.out, "! %v\n", err)
			}
		}
	}
	stop()
	return scanner.Err()
}
