package main

import (
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func memoryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "List, search, add and delete conversation memories",
	}
	cmd.AddCommand(memoryListCmd(opts), memoryAddCmd(opts), memoryDeleteCmd(opts))
	return cmd
}

func memoryListCmd(opts *globalOptions) *cobra.Command {
	var (
		conversationID string
		query          string
		limit          int
		minScore       float64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, or rank them against --query",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("conversationId", conversationID)
			if query != "" {
				q.Set("query", query)
			}
			if cmd.Flags().Changed("limit") {
				q.Set("limit", strconv.Itoa(limit))
			}
			if cmd.Flags().Changed("min-score") {
				q.Set("minScore", strconv.FormatFloat(minScore, 'f', -1, 64))
			}
			var out map[string]any
			if err := newAPIClient(opts).do(cmd.Context(), http.MethodGet, "/memory", q, nil, http.StatusOK, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&query, "query", "", "rank memories against this text")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum memories to return (server default when unset)")
	cmd.Flags().Float64Var(&minScore, "min-score", 0, "minimum similarity score (server default when unset)")
	_ = cmd.MarkFlagRequired("conversation")
	return cmd
}

func memoryAddCmd(opts *globalOptions) *cobra.Command {
	var (
		conversationID string
		userID         string
		content        string
		memoryType     string
		importance     int
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store a memory entry in a conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"conversationId": conversationID,
				"content":        content,
			}
			if userID != "" {
				body["userId"] = userID
			}
			if memoryType != "" {
				body["type"] = memoryType
			}
			if cmd.Flags().Changed("importance") {
				body["importance"] = importance
			}
			var out map[string]any
			if err := newAPIClient(opts).do(cmd.Context(), http.MethodPost, "/memory", nil, body, http.StatusCreated, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&userID, "user", "", "owning user id")
	cmd.Flags().StringVar(&content, "content", "", "memory text")
	cmd.Flags().StringVar(&memoryType, "type", "", "user_preference|fact|context|summary (default context)")
	cmd.Flags().IntVar(&importance, "importance", 5, "importance 1-10")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func memoryDeleteCmd(opts *globalOptions) *cobra.Command {
	var conversationID, memoryID string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a memory entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("conversationId", conversationID)
			q.Set("memoryId", memoryID)
			var out map[string]any
			if err := newAPIClient(opts).do(cmd.Context(), http.MethodDelete, "/memory", q, nil, http.StatusOK, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&memoryID, "id", "", "memory id")
	_ = cmd.MarkFlagRequired("conversation")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
