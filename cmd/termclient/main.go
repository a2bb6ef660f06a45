package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/remote-agent-terminal/termmux/internal/client"
	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/model"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
)

type flags struct {
	config  string
	server  string
	token   string
	profile string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "termclient",
		Short:         "Tabs of persistent remote terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.config, "config", defaultConfigPath(), "client config file")
	root.PersistentFlags().StringVar(&f.server, "server", "", "server WebSocket URL")
	root.PersistentFlags().StringVar(&f.token, "token", "", "access token")
	root.PersistentFlags().StringVar(&f.profile, "profile", "", "tab profile to restore")

	root.AddCommand(
		listCmd(f),
		newCmd(f),
		killCmd(f),
		renameCmd(f),
		attachCmd(f),
	)
	return root
}

// resolve merges the config file with flags.
func (f *flags) resolve() (clientConfig, error) {
	cfg, err := loadConfig(f.config)
	if err != nil {
		return cfg, err
	}
	if f.server != "" {
		cfg.Server = f.server
	}
	if f.token != "" {
		cfg.Token = f.token
	}
	if f.profile != "" {
		cfg.Profile = f.profile
	}
	return cfg, nil
}

// withTransport runs fn against a fresh connection.
func withTransport(cmd *cobra.Command, f *flags, fn func(ctx context.Context, t *client.WSTransport) error) error {
	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	log.Setup("development", "warn")

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Second)
	defer cancelTimeout()

	t, err := client.Dial(ctx, cfg.Server, cfg.Token, client.Options{})
	if err != nil {
		return err
	}
	defer t.Close()
	return fn(ctx, t)
}

func listCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List your sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransport(cmd, f, func(ctx context.Context, t *client.WSTransport) error {
				res, err := t.Request(ctx, &protocol.Message{Type: protocol.TypeList})
				if err != nil {
					return err
				}
				printSessions(cmd.OutOrStdout(), res.Sessions)
				return nil
			})
		},
	}
}

func newCmd(f *flags) *cobra.Command {
	var project, title string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start a session without attaching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransport(cmd, f, func(ctx context.Context, t *client.WSTransport) error {
				res, err := t.Request(ctx, &protocol.Message{
					Type:    protocol.TypeCreate,
					Cols:    model.DefaultCols,
					Rows:    model.DefaultRows,
					Project: project,
					Title:   title,
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), res.Session.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "working directory on the server")
	cmd.Flags().StringVar(&title, "title", "", "tab title")
	return cmd
}

func killCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <session-id>",
		Short: "Terminate a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransport(cmd, f, func(ctx context.Context, t *client.WSTransport) error {
				_, err := t.Request(ctx, &protocol.Message{Type: protocol.TypeKill, SessionID: args[0]})
				return err
			})
		},
	}
}

func renameCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <session-id> <title>",
		Short: "Retitle a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransport(cmd, f, func(ctx context.Context, t *client.WSTransport) error {
				_, err := t.Request(ctx, &protocol.Message{Type: protocol.TypeRename, SessionID: args[0], Title: args[1]})
				return err
			})
		},
	}
}

func attachCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "attach",
		Short: "Open the tab bar, restoring the last layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.resolve()
			if err != nil {
				return err
			}
			return runAttach(cmd.Context(), cfg)
		},
	}
}

func printSessions(w io.Writer, sessions []model.SessionInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tSIZE\tSTATUS\tATTACHED\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%dx%d\t%s\t%t\t%s\n",
			s.ID, s.Title, s.Cols, s.Rows, s.Status, s.Attached, s.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}
