package main

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	queryUser        string
	queryStyle       string
	queryInstitution string
	queryDocuments   []string
	queryLimit       int
	queryHybrid      bool
)

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Ask a question against the indexed documents",
	Long: `Ask a question. Legal questions are answered from retrieved sources
and charged to the user's credit balance.

Examples:
  lexctl query --user ayse "Kira sözleşmesi nasıl feshedilir?"
  lexctl query --user ayse --institution yargitay --style concise "İhbar süresi nedir?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVar(&queryUser, "user", "", "user id sent as X-User-ID (required)")
	queryCmd.Flags().StringVar(&queryStyle, "style", "", "answer style: concise, detailed, analytical or conversational")
	queryCmd.Flags().StringVar(&queryInstitution, "institution", "", "restrict retrieval to one institution")
	queryCmd.Flags().StringSliceVar(&queryDocuments, "document", nil, "restrict retrieval to document ids")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 0, "maximum number of sources")
	queryCmd.Flags().BoolVar(&queryHybrid, "hybrid", false, "re-rank by term overlap")
}

// QueryRequest matches internal/http QueryRequest.
type QueryRequest struct {
	Query   string `json:"query"`
	Filters struct {
		Institution string   `json:"institution,omitempty"`
		DocumentIDs []string `json:"document_ids,omitempty"`
	} `json:"filters"`
	Style  string `json:"style,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Hybrid bool   `json:"hybrid,omitempty"`
}

// QueryResponse holds the fields of query.Response that lexctl prints.
type QueryResponse struct {
	ID            string  `json:"id"`
	Intent        string  `json:"intent"`
	Answer        string  `json:"answer"`
	Confidence    float64 `json:"confidence"`
	LowConfidence bool    `json:"low_confidence"`
	Sources       []struct {
		Title       string `json:"title"`
		Institution string `json:"institution"`
		Page        int    `json:"page"`
		URL         string `json:"url"`
		Citation    string `json:"citation"`
	} `json:"sources"`
	Charged      int    `json:"credits_charged"`
	Balance      int    `json:"balance"`
	Strategy     string `json:"strategy"`
	FallbackUsed bool   `json:"fallback_used"`
}

func runQuery(cmd *cobra.Command, args []string) error {
	if strings.TrimSpace(queryUser) == "" {
		return errors.New("--user is required")
	}
	req := QueryRequest{
		Query:  strings.Join(args, " "),
		Style:  queryStyle,
		Limit:  queryLimit,
		Hybrid: queryHybrid,
	}
	req.Filters.Institution = queryInstitution
	req.Filters.DocumentIDs = queryDocuments

	var resp QueryResponse
	if err := call(http.MethodPost, "/api/v1/query", map[string]string{"X-User-ID": queryUser}, req, &resp); err != nil {
		return err
	}
	if asJSON {
		return outputJSON(cmd.OutOrStdout(), resp)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Answer)
	fmt.Fprintln(out)
	for i, s := range resp.Sources {
		label := s.Citation
		if label == "" {
			label = s.Title
		}
		fmt.Fprintf(out, "[%d] %s", i+1, label)
		if s.URL != "" {
			fmt.Fprintf(out, " <%s>", s.URL)
		}
		fmt.Fprintln(out)
	}
	strategy := resp.Strategy
	if resp.FallbackUsed {
		strategy += " (fallback)"
	}
	fmt.Fprintf(out, "confidence %.2f | charged %d | balance %d", resp.Confidence, resp.Charged, resp.Balance)
	if strategy != "" {
		fmt.Fprintf(out, " | %s", strategy)
	}
	fmt.Fprintln(out)
	return nil
}
