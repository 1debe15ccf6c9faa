package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/upb/policy-rag/app"
	"github.com/upb/policy-rag/services/query"
)

var (
	queryRequester string
	queryRole      string
	queryService   string
	queryTopK      int
	queryJSON      bool
	queryStream    bool
)

var queryCmd = &cobra.Command{
	Use:   `query "<question>"`,
	Short: "Ask a question against the active policies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDependencies(cmd.Context(), func(deps *app.Dependencies) error {
			if queryStream && !queryJSON {
				return streamAnswer(cmd, deps, args[0])
			}
			resp, err := ask(cmd.Context(), deps, args[0])
			if err != nil {
				return err
			}
			if queryJSON {
				data, err := json.MarshalIndent(resp, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal answer: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}
			printAnswer(cmd, resp)
			return nil
		})
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryRequester, "requester", "cli", "requester id recorded in the audit log")
	queryCmd.Flags().StringVar(&queryRole, "role", "", "requester role")
	queryCmd.Flags().StringVar(&queryService, "service", "", "care service or location recorded in the audit log")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of matches to retrieve (0 uses the configured default)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output the answer as JSON")
	queryCmd.Flags().BoolVar(&queryStream, "stream", false, "print the answer as it is generated")
	rootCmd.AddCommand(queryCmd)
}

func queryRequest(question string) query.Request {
	return query.Request{
		RequesterID:   queryRequester,
		RequesterRole: queryRole,
		ServiceID:     queryService,
		Question:      question,
		TopK:          queryTopK,
	}
}

func ask(ctx context.Context, deps *app.Dependencies, question string) (*query.Response, error) {
	return deps.Query.Ask(ctx, queryRequest(question))
}

// streamAnswer writes deltas as they arrive. The final answer is printed
// again when post-processing changed it.
func streamAnswer(cmd *cobra.Command, deps *app.Dependencies, question string) error {
	out := cmd.OutOrStdout()
	var streamed strings.Builder
	resp, err := deps.Query.AskStream(cmd.Context(), queryRequest(question), func(delta string) error {
		streamed.WriteString(delta)
		_, err := io.WriteString(out, delta)
		return err
	})
	if streamed.Len() > 0 {
		cmd.Println()
	}
	if err != nil {
		return err
	}
	if resp.Answer != streamed.String() {
		cmd.Println()
		cmd.Println(resp.Answer)
	}
	cmd.Println()
	printFooter(cmd, resp)
	return nil
}

func printAnswer(cmd *cobra.Command, resp *query.Response) {
	cmd.Println(resp.Answer)
	cmd.Println()
	printFooter(cmd, resp)
}

func printFooter(cmd *cobra.Command, resp *query.Response) {
	cmd.Printf("Confidence: %s\n", resp.Confidence)
	if len(resp.Sources) > 0 {
		cmd.Println("Sources:")
		for i, s := range resp.Sources {
			marker := " "
			if s.Cited {
				marker = "*"
			}
			cmd.Printf(" %s[%d] %s %s, %s (%.2f)\n", marker, i+1, s.Document, s.Version, s.Section, s.Score)
		}
	}
	cmd.Printf("Log: %s\n", resp.LogID)
}
