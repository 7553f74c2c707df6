package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/kindred/internal/config"
	"github.com/kalambet/kindred/internal/interview"
	"github.com/kalambet/kindred/internal/profile"
	"github.com/kalambet/kindred/internal/safety"
	"github.com/kalambet/kindred/internal/scoring"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- interview ---

var interviewCmd = &cobra.Command{
	Use:   "interview",
	Short: "Run onboarding conversations",
}

var interviewStartCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open a conversation and print the first question",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := startConversation(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printStatus("Conversation", "%s", res.ConversationID)
		fmt.Fprintln(cmd.OutOrStdout(), res.FirstMessage)
		return nil
	},
}

var interviewAnswerCmd = &cobra.Command{
	Use:   "answer <conversation-id> <text>",
	Short: "Answer the current question",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := answerConversation(cmd.Context(), client, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		printAnswer(cmd.OutOrStdout(), res)
		return nil
	},
}

var interviewChatCmd = &cobra.Command{
	Use:   "chat <user-id>",
	Short: "Run a whole conversation interactively, one answer per line",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return chat(cmd.Context(), client, args[0], cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var interviewShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation and its turns as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/conversations/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var view interview.View
		if err := decodeJSON(resp, &view); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var interviewAbandonCmd = &cobra.Command{
	Use:   "abandon <conversation-id>",
	Short: "Close a conversation without finalizing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/conversations/"+url.PathEscape(args[0])+"/abandon", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Conversation %s abandoned", args[0])
		return nil
	},
}

func init() {
	interviewCmd.AddCommand(interviewStartCmd)
	interviewCmd.AddCommand(interviewAnswerCmd)
	interviewCmd.AddCommand(interviewChatCmd)
	interviewCmd.AddCommand(interviewShowCmd)
	interviewCmd.AddCommand(interviewAbandonCmd)
}

func startConversation(ctx context.Context, client *apiClient, userID string) (interview.StartResult, error) {
	var res interview.StartResult
	resp, err := client.post(ctx, "/conversations", map[string]string{"user_id": userID})
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func answerConversation(ctx context.Context, client *apiClient, conversationID, text string) (interview.AnswerResult, error) {
	var res interview.AnswerResult
	resp, err := client.post(ctx, "/conversations/"+url.PathEscape(conversationID)+"/answers", map[string]string{"text": text})
	if err != nil {
		return res, err
	}
	err = decodeJSON(resp, &res)
	return res, err
}

func printAnswer(w io.Writer, res interview.AnswerResult) {
	fmt.Fprintln(w, res.AssistantMessage)
	if res.IsComplete {
		printSuccess("Conversation complete, profile is being built")
		return
	}
	printStatus("Progress", "%d%% (question %d)", res.ProgressPercent, res.QuestionNumber)
}

// chat starts a conversation and answers it from in, one line per answer,
// until the conversation completes or in is exhausted.
func chat(ctx context.Context, client *apiClient, userID string, in io.Reader, out io.Writer) error {
	start, err := startConversation(ctx, client, userID)
	if err != nil {
		return err
	}
	printStep("Conversation %s started. Empty lines are skipped; Ctrl-D stops.", start.ConversationID)
	fmt.Fprintln(out, start.FirstMessage)

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		res, err := answerConversation(ctx, client, start.ConversationID, text)
		if err != nil {
			return err
		}
		printAnswer(out, res)
		if res.IsComplete {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	printWarning("Input ended; resume with: kindred interview answer %s <text>", start.ConversationID)
	return nil
}

// --- profile ---

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect aggregated profiles",
}

var profileShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's profile as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetBool("summary")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/profiles/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p profile.Profile
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		if summary {
			fmt.Fprintln(cmd.OutOrStdout(), profile.Summarize(p))
			return nil
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

func init() {
	profileShowCmd.Flags().Bool("summary", false, "print a compact text summary instead of JSON")
	profileCmd.AddCommand(profileShowCmd)
}

// --- safety ---

var safetyCmd = &cobra.Command{
	Use:   "safety",
	Short: "Inspect safety screenings",
}

var safetyShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Show a user's safety screening",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/safety/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var s safety.Screening
		if err := decodeJSON(resp, &s); err != nil {
			return err
		}

		printStatus("Risk level", "%s", colorize(levelColor(s.RiskLevel), string(s.RiskLevel)))
		printStatus("Flagged for review", "%t", s.FlaggedForReview)
		printStatus("Signals", "%d", s.SignalCount)
		return printJSON(cmd.OutOrStdout(), s.Scores)
	},
}

func init() {
	safetyCmd.AddCommand(safetyShowCmd)
}

// --- score ---

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score records with a configured scorer",
	Long: `Score a record with one of the built-in scorers and store the result.

Examples:
  kindred score --scorer partner_fit --entity u1 --record '{"openness": 72}'
  kindred score --scorer partner_fit --entity u1 --file ./record.json
  kindred score list
  kindred score get partner_fit:u1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		scorer, _ := cmd.Flags().GetString("scorer")
		entity, _ := cmd.Flags().GetString("entity")
		recordJSON, _ := cmd.Flags().GetString("record")
		file, _ := cmd.Flags().GetString("file")

		if scorer == "" || entity == "" {
			return fmt.Errorf("--scorer and --entity are required")
		}
		rec, err := readRecord(recordJSON, file)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/score", map[string]any{
			"scorer":    scorer,
			"entity_id": entity,
			"record":    rec,
		})
		if err != nil {
			return err
		}
		var e scoring.Entity
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printEntity(cmd.OutOrStdout(), e)
		return nil
	},
}

var scoreListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available scorers",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/scorers")
		if err != nil {
			return err
		}
		var result struct {
			Scorers []string `json:"scorers"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		for _, s := range result.Scorers {
			fmt.Fprintln(cmd.OutOrStdout(), s)
		}
		return nil
	},
}

var scoreGetCmd = &cobra.Command{
	Use:   "get <entity-id>",
	Short: "Show a stored score",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/scores/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var e scoring.Entity
		if err := decodeJSON(resp, &e); err != nil {
			return err
		}
		printEntity(cmd.OutOrStdout(), e)
		return nil
	},
}

func init() {
	scoreCmd.Flags().String("scorer", "", "scorer name")
	scoreCmd.Flags().String("entity", "", "id the result is stored under")
	scoreCmd.Flags().String("record", "", "record as a JSON object")
	scoreCmd.Flags().String("file", "", "read the record from a JSON file")
	scoreCmd.AddCommand(scoreListCmd)
	scoreCmd.AddCommand(scoreGetCmd)
}

func readRecord(raw, file string) (scoring.Record, error) {
	switch {
	case raw != "" && file != "":
		return nil, fmt.Errorf("use only one of --record and --file")
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading record file: %w", err)
		}
		raw = string(data)
	case raw == "":
		return nil, fmt.Errorf("one of --record or --file is required")
	}
	var rec scoring.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("invalid record JSON: %w", err)
	}
	return rec, nil
}

func printEntity(w io.Writer, e scoring.Entity) {
	printStatus("Entity", "%s", e.ID)
	printStatus("Scorer", "%s", e.Scorer)
	if e.DisqualifiedBy != "" {
		printStatus("Result", "%s by %s", colorize(colorRed, "disqualified"), e.DisqualifiedBy)
		return
	}
	fmt.Fprintf(w, "%.1f %s\n", e.Total, colorize(colorBold, string(e.Priority)))
	names := make([]string, 0, len(e.Breakdown))
	for name := range e.Breakdown {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %s: %.1f\n", name, e.Breakdown[name])
	}
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
