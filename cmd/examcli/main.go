package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gonzalop/examftp"
	"github.com/gonzalop/examftp/internal/config"
)

var version = "dev"

// passwordEnv is read when --password is not given.
const passwordEnv = "EXAMCLI_PASSWORD"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalOptions are resolved once in PersistentPreRunE and shared by every
// subcommand.
type globalOptions struct {
	configPath string
	server     string
	id         string
	password   string
	timeout    time.Duration
	verbose    bool

	addr   string
	client config.ClientConfig
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	o := &globalOptions{}

	root := &cobra.Command{
		Use:          "examcli",
		Short:        "Student client for the exam file server",
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.resolve(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "path to the YAML or JSON configuration file")
	pf.StringVarP(&o.server, "server", "s", "", "server address host:port (overrides the config file)")
	pf.StringVarP(&o.id, "id", "u", "", "student number")
	pf.StringVarP(&o.password, "password", "P", "", "password (default $"+passwordEnv+", else prompted)")
	pf.DurationVar(&o.timeout, "timeout", 30*time.Second, "timeout for connecting and for each reply")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "log protocol traffic to stderr")

	root.AddCommand(newListCmd(o))
	root.AddCommand(newWatchCmd(o))

	return root
}

func (o *globalOptions) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	o.client = cfg.Client
	o.addr = o.server
	if o.addr == "" {
		o.addr = cfg.Client.Addr()
	}
	if o.id == "" {
		return errors.New("--id is required")
	}
	if o.password == "" {
		o.password = os.Getenv(passwordEnv)
	}
	if o.password == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		o.password = string(b)
	}

	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	o.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return nil
}

// connect dials the server and logs in.
func (o *globalOptions) connect(extra ...examftp.Option) (*examftp.Client, error) {
	opts := append([]examftp.Option{
		examftp.WithTimeout(o.timeout),
		examftp.WithLogger(o.logger),
		examftp.WithIdleTimeout(time.Duration(o.client.HeartbeatInterval) * time.Second),
	}, extra...)

	c, err := examftp.Dial(o.addr, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Login(o.id, o.password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newListCmd(o *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the question files on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := o.connect()
			if err != nil {
				return explain(err)
			}
			defer c.Quit()

			names, err := c.List()
			if err != nil {
				return explain(err)
			}
			printNames(cmd.OutOrStdout(), names)
			return nil
		},
	}
}

func printNames(w io.Writer, names []string) {
	if len(names) == 0 {
		color.New(color.FgYellow).Fprintln(w, "No question files.")
		return
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
}

// explain adds a human hint to the protocol errors a student is likely to hit.
func explain(err error) error {
	switch {
	case errors.Is(err, examftp.ErrAlreadyConnected):
		return fmt.Errorf("%w (this student number is already connected from another machine)", err)
	case errors.Is(err, examftp.ErrLoginClosed):
		return fmt.Errorf("%w (the exam has started, ask the proctor to unlock entries)", err)
	case errors.Is(err, examftp.ErrBadCredentials):
		return fmt.Errorf("%w (check the student number and password)", err)
	case errors.Is(err, examftp.ErrExamNotStarted):
		return fmt.Errorf("%w (wait for the proctor to start the exam)", err)
	}
	return err
}
