// Package cli implements studyctl, a terminal client for the chat API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ashureev/studyhub/internal/domain"
	"github.com/ashureev/studyhub/internal/identity"
	"github.com/ashureev/studyhub/internal/streamclient"
	"github.com/ashureev/studyhub/internal/wire"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

type app struct {
	configPath string
	settings   *Settings
	client     *streamclient.Client
}

// NewRootCommand builds the studyctl command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:     "studyctl",
		Short:   "Chat with the StudyHub tutor from the terminal",
		Version: version,
		Long: `A command-line client for the StudyHub tutor. Streams answers as they are
generated, stops them on Ctrl-C, and manages saved conversations.`,
		Example: `  # Ask a new question
  $ studyctl chat "What is a mitochondrion?"

  # Continue a conversation
  $ studyctl chat -c 3f2a... "And what does it produce?"

  # List saved conversations
  $ studyctl conversations list`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		defaultPath = ".studyctl.yaml"
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", defaultPath, "config file")
	pf.String(keyServer, defaultServer, "API server URL")
	pf.String(keyToken, "", "bearer token, see: studyctl token")
	pf.String(keyFraming, string(wire.FramingText), "stream framing: text or ndjson")

	root.AddCommand(
		a.chatCmd(),
		a.cancelCmd(),
		a.conversationsCmd(),
		a.tokenCmd(),
	)
	return root
}

// Execute runs studyctl with os.Args.
func Execute() error {
	return NewRootCommand().Execute()
}

func (a *app) init(cmd *cobra.Command) error {
	v, err := newViper(a.configPath, cmd.Root().PersistentFlags())
	if err != nil {
		return err
	}
	settings, err := loadSettings(v)
	if err != nil {
		return err
	}
	a.settings = settings

	client, err := streamclient.New(settings.Server,
		streamclient.WithToken(settings.Token),
		streamclient.WithFraming(wire.Framing(settings.Framing)),
	)
	if err != nil {
		return err
	}
	a.client = client
	return nil
}

func (a *app) chatCmd() *cobra.Command {
	var (
		conversationID string
		system         string
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Ask a question and stream the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			var messages []domain.ChatMessage
			switch {
			case conversationID != "":
				history, err := a.history(ctx, conversationID)
				if err != nil {
					return err
				}
				messages = history
			case system != "":
				messages = append(messages, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
			}
			messages = append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: strings.Join(args, " ")})

			out := cmd.OutOrStdout()
			res, err := a.client.Stream(ctx, messages, conversationID, func(text string) {
				fmt.Fprint(out, text)
			})
			fmt.Fprintln(out)
			if err != nil {
				return err
			}
			return a.reportStream(cmd.Context(), out, res, conversationID)
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "continue an existing conversation")
	cmd.Flags().StringVar(&system, "system", "", "system instruction for a new conversation")
	return cmd
}

// history returns the stored turns of a conversation in order. Empty turns,
// left by replies stopped before any text, are skipped.
func (a *app) history(ctx context.Context, conversationID string) ([]domain.ChatMessage, error) {
	conv, err := a.client.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	messages := make([]domain.ChatMessage, 0, len(conv.Messages)+1)
	for _, m := range conv.Messages {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		messages = append(messages, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return messages, nil
}

func (a *app) reportStream(ctx context.Context, out io.Writer, res *streamclient.Result, conversationID string) error {
	switch {
	case res.Aborted:
		// The server keeps streaming into a closed socket until told otherwise.
		if conversationID != "" {
			cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := a.client.Cancel(cancelCtx, conversationID); err != nil {
				fmt.Fprintln(out, styles.Warning.Render("stop request failed: "+err.Error()))
			}
		}
		fmt.Fprintln(out, styles.Warning.Render("stopped"))
		return nil
	case res.Failed:
		return errors.New("the tutor could not finish this answer")
	}
	if res.ConversationID != "" {
		fmt.Fprintln(out, styles.Faint.Render("conversation "+res.ConversationID))
	}
	return nil
}

func (a *app) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <conversation-id>",
		Short: "Stop the answer currently streaming in a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := a.client.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, styles.Warning.Render("no active stream for "+args[0]))
				return nil
			}
			fmt.Fprintln(out, styles.Success.Render("stopped "+args[0]))
			return nil
		},
	}
}

func (a *app) conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage saved conversations",
	}

	var limit, offset int
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := a.client.ListConversations(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(convs) == 0 {
				fmt.Fprintln(out, styles.Faint.Render("no conversations"))
				return nil
			}
			fmt.Fprintf(out, "%-36s  %-16s  %s\n", styles.Bold.Render("ID"), styles.Bold.Render("UPDATED"), styles.Bold.Render("TITLE"))
			for _, c := range convs {
				fmt.Fprintf(out, "%-36s  %-16s  %s\n", c.ID, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.Title)
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum conversations to show")
	list.Flags().IntVar(&offset, "offset", 0, "conversations to skip")

	show := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conv, err := a.client.GetConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, styles.Bold.Render(conv.Title))
			for _, m := range conv.Messages {
				role := string(m.Role)
				fmt.Fprintf(out, "\n%s\n%s\n", styles.Role[role].Render(role), m.Content)
			}
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <conversation-id>",
		Short: "Delete a conversation and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.DeleteConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.Success.Render("deleted "+args[0]))
			return nil
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		userID string
		name   string
		secret string
		ttl    time.Duration
		save   bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the server's JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("JWT_SECRET")
			}
			token, err := identity.IssueToken(secret, userID, name, ttl)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if save {
				if err := saveSetting(a.configPath, keyToken, token); err != nil {
					return err
				}
				fmt.Fprintln(out, styles.Success.Render("token saved to "+a.configPath))
				return nil
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default $JWT_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&save, "save", false, "store the token in the config file")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
