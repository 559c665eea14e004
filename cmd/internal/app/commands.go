package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"goldvision/cmd/internal/mockserver"
	"goldvision/cmd/internal/realtime"
	"goldvision/cmd/internal/transport"
	"goldvision/cmd/security/token"
)

// cli carries state from the root pre-run into subcommands.
type cli struct {
	envFiles []string

	baseURL   string
	storage   string
	logLevel  string
	logFormat string

	cfg Config
	log Logger
}

// NewRootCommand builds the goldvision command tree.
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "goldvision",
		Short:         "GoldVision API client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringSliceVar(&c.envFiles, "env-file", []string{".env"}, "dotenv files to load before reading GOLDVISION_* variables")
	pf.StringVar(&c.baseURL, "base-url", "", "API base URL (overrides GOLDVISION_BASE_URL)")
	pf.StringVar(&c.storage, "storage", "", "storage backend: memory|file|redis|postgres")
	pf.StringVar(&c.logLevel, "log-level", "", "debug|info|warn|error")
	pf.StringVar(&c.logFormat, "log-format", "", "json|pretty")

	root.AddCommand(
		c.loginCmd(),
		c.logoutCmd(),
		c.requestCmd(),
		c.streamCmd(),
		c.sessionCmd(),
		c.mockServerCmd(),
	)
	return root
}

func (c *cli) load(cmd *cobra.Command) error {
	if err := LoadEnvFiles(c.envFiles...); err != nil {
		return err
	}
	cfg := LoadConfig()

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = c.baseURL
	}
	if flags.Changed("storage") {
		cfg.Storage = strings.ToLower(c.storage)
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = strings.ToLower(c.logLevel)
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = strings.ToLower(c.logFormat)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.cfg = cfg
	c.log = NewLogger(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
	return nil
}

func (c *cli) open(ctx context.Context) (*App, error) {
	if err := ValidateSecurityConfig(c.cfg); err != nil {
		return nil, err
	}
	return New(ctx, c.cfg, c.log)
}

func (c *cli) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and store the credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if email == "" {
				email = os.Getenv(EnvPrefix + "EMAIL")
			}
			if password == "" {
				password = os.Getenv(EnvPrefix + "PASSWORD")
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			res, err := a.Client().Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "logged in (session %s)\n", res.SessionID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email (default $GOLDVISION_EMAIL)")
	cmd.Flags().StringVar(&password, "password", "", "account password (default $GOLDVISION_PASSWORD)")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and clear stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			if err := a.Client().Logout(cmd.Context()); err != nil {
				c.log.Info("cli.logout.remote.fail", "err", err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func (c *cli) requestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "request METHOD PATH [BODY|-]",
		Short: "Send an authenticated request and print the response",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			if len(args) == 3 {
				if args[2] == "-" {
					b, err := io.ReadAll(cmd.InOrStdin())
					if err != nil {
						return err
					}
					body = b
				} else {
					body = []byte(args[2])
				}
				if !json.Valid(body) {
					return fmt.Errorf("request body is not valid JSON")
				}
			}

			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			req := transport.NewRequest(args[0], args[1], body)
			if body != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			res, err := a.Client().Do(cmd.Context(), req)
			if res != nil {
				printResponse(cmd.OutOrStdout(), res)
			}
			return err
		},
	}
}

func printResponse(w io.Writer, res *transport.Response) {
	_, _ = fmt.Fprintf(w, "%d %s\n", res.Status, http.StatusText(res.Status))
	if len(res.Body) == 0 {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, res.Body, "", "  "); err == nil {
		_, _ = fmt.Fprintln(w, buf.String())
		return
	}
	_, _ = fmt.Fprintln(w, string(res.Body))
}

func (c *cli) streamCmd() *cobra.Command {
	var (
		symbols []string
		count   int
		path    string
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Subscribe to live prices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			go func() {
				if err := a.ServeMetrics(ctx); err != nil {
					c.log.Warn("metrics.serve.fail", "err", err)
				}
			}()

			wsURL, err := realtime.StreamURL(c.cfg.BaseURL, path)
			if err != nil {
				return err
			}
			s, err := realtime.Dial(ctx, wsURL, a.Client(), realtime.WithLogger(c.log), realtime.WithSymbols(symbols...))
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			out := cmd.OutOrStdout()
			for n := 0; count <= 0 || n < count; n++ {
				tick, err := s.Recv(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				_, _ = fmt.Fprintf(out, "%s %.2f %s %s\n", tick.Symbol, tick.Price, tick.Currency, tick.AsOf.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", []string{"XAU"}, "instruments to subscribe to")
	cmd.Flags().IntVar(&count, "count", 0, "stop after N ticks (0 = until interrupted)")
	cmd.Flags().StringVar(&path, "path", mockserver.StreamPath, "stream path on the API host")
	return cmd
}

func (c *cli) sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Show the stored client identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(context.Background()) }()

			ctx := cmd.Context()
			cl := a.Client()
			sid := cl.Sessions().GetOrCreate(ctx)

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "session_id: %s\n", sid)
			_, _ = fmt.Fprintf(out, "storage: %s (degraded=%t)\n", c.cfg.Storage, cl.Sessions().Degraded())
			_, _ = fmt.Fprintf(out, "access_token: %s\n", orNone(token.Fingerprint(cl.Tokens().AccessToken())))
			_, _ = fmt.Fprintf(out, "csrf_token: %s\n", orNone(token.Fingerprint(cl.AntiForgery().Peek(ctx))))
			return nil
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func (c *cli) mockServerCmd() *cobra.Command {
	var (
		addr  string
		tick  time.Duration
		users []string
	)
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Run the in-process mock backend for local development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = c.cfg.MockAddr
			}
			opts := []mockserver.Option{mockserver.WithLogger(c.log)}
			for _, u := range users {
				email, pass, ok := strings.Cut(u, ":")
				if !ok {
					return fmt.Errorf("--user must be email:password, got %q", u)
				}
				opts = append(opts, mockserver.WithUser(email, pass))
			}

			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "mock server on http://%s (user %s)\n", ln.Addr(), mockserver.DemoEmail)
			return runMockServer(cmd.Context(), ln, tick, c.log, opts...)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default $GOLDVISION_MOCK_ADDR)")
	cmd.Flags().DurationVar(&tick, "tick", time.Second, "price tick interval")
	cmd.Flags().StringArrayVar(&users, "user", nil, "extra account as email:password (repeatable)")
	return cmd
}

// runMockServer serves the mock backend on ln with request logging and a
// ticking price feed until ctx is done.
func runMockServer(ctx context.Context, ln net.Listener, tick time.Duration, log Logger, opts ...mockserver.Option) error {
	srv := mockserver.New(opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.Feed().Run(ctx, tick)

	mux := http.NewServeMux()
	registerHTTP(mux, log, nil, nil)
	mux.Handle("/", srv)

	return serveListener(ctx, ln, WithSecurityHeaders(WithRequestLogging(mux, log)), log)
}
