package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func conversationsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect and delete stored conversations",
	}

	var userID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if userID != "" {
				q.Set("userId", userID)
			}
			q.Set("limit", strconv.Itoa(limit))
			var out map[string]any
			if err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/v1/conversations", q, nil, http.StatusOK, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	list.Flags().StringVar(&userID, "user", "", "only conversations owned by this user")
	list.Flags().IntVar(&limit, "limit", 20, "maximum conversations")

	var messages int
	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conversation record and its recent messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(opts)
			id := url.PathEscape(args[0])
			var conv map[string]any
			if err := client.do(cmd.Context(), http.MethodGet, "/v1/conversations/"+id, nil, nil, http.StatusOK, &conv); err != nil {
				return err
			}
			if messages > 0 {
				q := url.Values{}
				q.Set("limit", strconv.Itoa(messages))
				var msgs map[string]any
				if err := client.do(cmd.Context(), http.MethodGet, "/v1/conversations/"+id+"/messages", q, nil, http.StatusOK, &msgs); err != nil {
					return err
				}
				conv["messages"] = msgs["messages"]
			}
			return printJSON(cmd.OutOrStdout(), conv)
		},
	}
	show.Flags().IntVar(&messages, "messages", 20, "recent messages to include (0 for none)")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a conversation with its messages and memories",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := newAPIClient(opts).do(cmd.Context(), http.MethodDelete, "/v1/conversations/"+url.PathEscape(args[0]), nil, nil, http.StatusOK, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.AddCommand(list, show, del)
	return cmd
}
