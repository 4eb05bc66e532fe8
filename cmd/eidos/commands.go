package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkravets/eidos/internal/config"
	"github.com/mkravets/eidos/internal/generate"
)

// requestView mirrors the GET /requests/{id} poll response.
type requestView struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// pollRequest polls a generation request until it reaches a terminal state
// or the timeout expires.
func pollRequest(ctx context.Context, client *apiClient, id string, timeout time.Duration) (requestView, error) {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := client.get(ctx, "/requests/"+id)
		if err != nil {
			return requestView{}, err
		}
		var view requestView
		if err := decodeJSON(resp, &view); err != nil {
			return requestView{}, err
		}
		if view.Status != "generating" {
			return view, nil
		}
		if time.Now().After(deadline) {
			return view, fmt.Errorf("request %s still generating after %s", id, timeout)
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// --- review ---

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Show topics due for review, most urgent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		includeExams, _ := cmd.Flags().GetBool("include-exams")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/review-queue?limit=%d&include_exams=%t", limit, includeExams)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Queue []struct {
				Topic          string  `json:"topic"`
				Mastery        float64 `json:"mastery"`
				ForgettingRisk float64 `json:"forgetting_risk"`
				NextReviewAt   string  `json:"next_review_at"`
			} `json:"queue"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.Queue) == 0 {
			fmt.Println("Nothing to review.")
			return nil
		}

		for _, item := range body.Queue {
			due := item.NextReviewAt
			if t, err := time.Parse(time.RFC3339, due); err == nil {
				due = t.Format("2006-01-02")
			}
			fmt.Printf("%s  mastery %.2f  risk %.2f  due %s\n",
				colorize(ansiBold, item.Topic), item.Mastery, item.ForgettingRisk, due)
		}
		return nil
	},
}

func init() {
	reviewCmd.Flags().Int("limit", 10, "maximum number of topics to show")
	reviewCmd.Flags().Bool("include-exams", true, "include exam-evidenced topics")
}

// --- quiz ---

var quizCmd = &cobra.Command{
	Use:   "quiz",
	Short: "Generate an adaptive quiz",
	Long: `Generate an adaptive quiz.

Examples:
  eidos quiz                            # quiz on the most urgent review topics
  eidos quiz --mode weakness --count 8  # target the weakest topics
  eidos quiz --mode note --note note-7  # quiz on a specific note`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		count, _ := cmd.Flags().GetInt("count")
		topics, _ := cmd.Flags().GetInt("topics")
		qType, _ := cmd.Flags().GetString("type")
		note, _ := cmd.Flags().GetString("note")
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		req := map[string]any{"mode": mode}
		if count > 0 {
			req["question_count"] = count
		}
		if topics > 0 {
			req["max_topics"] = topics
		}
		if qType != "" {
			req["question_type"] = qType
		}
		if note != "" {
			req["note_id"] = note
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/quizzes/adaptive", req)
		if err != nil {
			return err
		}

		var result struct {
			RequestID string `json:"request_id"`
			Status    string `json:"status"`
			Topics    []struct {
				Topic      string `json:"topic"`
				Difficulty int    `json:"difficulty"`
			} `json:"topics"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		names := make([]string, len(result.Topics))
		for i, t := range result.Topics {
			names[i] = fmt.Sprintf("%s (difficulty %d)", t.Topic, t.Difficulty)
		}
		printStep("Generating quiz on: %s", strings.Join(names, ", "))

		if !wait {
			printSuccess("Queued request %s", result.RequestID)
			return nil
		}

		view, err := pollRequest(cmd.Context(), client, result.RequestID, timeout)
		if err != nil {
			return err
		}
		if view.Status == "failed" {
			return fmt.Errorf("generation failed: %s", view.ErrorMessage)
		}

		var quiz generate.QuizResult
		if err := json.Unmarshal(view.Result, &quiz); err != nil {
			return fmt.Errorf("decoding quiz result: %w", err)
		}

		for i, q := range quiz.Questions {
			fmt.Printf("\n%s %s\n", colorize(ansiBold, fmt.Sprintf("%d.", i+1)), q.Text)
			for j, opt := range q.Options {
				fmt.Printf("   %c) %s\n", 'a'+j, opt)
			}
			for _, p := range q.Pairs {
				fmt.Printf("   %s ↔ %s\n", p.Left, p.Right)
			}
		}
		if quiz.Rubric != "" {
			fmt.Printf("\nRubric: %s\n", quiz.Rubric)
		}
		return nil
	},
}

func init() {
	quizCmd.Flags().String("mode", "review", "topic selection mode: review, weakness, or note")
	quizCmd.Flags().Int("count", 0, "number of questions (default 5)")
	quizCmd.Flags().Int("topics", 0, "maximum number of topics (default 3)")
	quizCmd.Flags().String("type", "", "question type (default multiple_choice)")
	quizCmd.Flags().String("note", "", "note id (required for --mode note)")
	quizCmd.Flags().Bool("wait", true, "wait for generation to finish")
	quizCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for generation")
}

// --- states ---

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "List tracked knowledge states",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/states")
		if err != nil {
			return err
		}

		var body struct {
			States []struct {
				Topic          string  `json:"topic"`
				Mastery        float64 `json:"mastery"`
				Confidence     float64 `json:"confidence"`
				ForgettingRisk float64 `json:"forgetting_risk"`
				Streak         int     `json:"streak"`
			} `json:"states"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		if len(body.States) == 0 {
			fmt.Println("No knowledge states yet. Take a quiz to start tracking.")
			return nil
		}

		for _, s := range body.States {
			fmt.Printf("%s  mastery %.2f  confidence %.2f  risk %.2f  streak %+d\n",
				colorize(ansiBold, s.Topic), s.Mastery, s.Confidence, s.ForgettingRisk, s.Streak)
		}
		return nil
	},
}

// --- forecast ---

var forecastCmd = &cobra.Command{
	Use:   "forecast <topic>",
	Short: "Show the forgetting-risk forecast for a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("days")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/forecast?topic=%s&days=%d", url.QueryEscape(args[0]), days)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var body struct {
			Topic    string `json:"topic"`
			Forecast []struct {
				Date string  `json:"date"`
				Risk float64 `json:"risk"`
			} `json:"forecast"`
		}
		if err := decodeJSON(resp, &body); err != nil {
			return err
		}

		fmt.Printf("Forgetting risk for %s:\n", colorize(ansiBold, body.Topic))
		for _, p := range body.Forecast {
			date := p.Date
			if t, err := time.Parse(time.RFC3339, date); err == nil {
				date = t.Format("2006-01-02")
			}
			fmt.Printf("  %s  %.2f  %s\n", date, p.Risk, riskBar(p.Risk))
		}
		return nil
	},
}

func init() {
	forecastCmd.Flags().Int("days", 14, "number of days to forecast")
}

// --- extract ---

var extractCmd = &cobra.Command{
	Use:   "extract <file>",
	Short: "Extract plain text from a PDF, HTML, or text document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("type")
		output, _ := cmd.Flags().GetString("output")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"content":  data,
			"filename": args[0],
		}
		if contentType != "" {
			req["content_type"] = contentType
		}

		resp, err := client.post(cmd.Context(), "/extractions", req)
		if err != nil {
			return err
		}

		var queued struct {
			RequestID string `json:"request_id"`
		}
		if err := decodeJSON(resp, &queued); err != nil {
			return err
		}

		view, err := pollRequest(cmd.Context(), client, queued.RequestID, timeout)
		if err != nil {
			return err
		}
		if view.Status == "failed" {
			return fmt.Errorf("extraction failed: %s", view.ErrorMessage)
		}

		var result generate.ExtractionResult
		if err := json.Unmarshal(view.Result, &result); err != nil {
			return fmt.Errorf("decoding extraction result: %w", err)
		}

		if output != "" {
			if err := os.WriteFile(output, []byte(result.Text), 0o644); err != nil {
				return fmt.Errorf("writing output file: %w", err)
			}
			printSuccess("Extracted %d characters to %s", result.CharCount, output)
			return nil
		}
		fmt.Println(result.Text)
		return nil
	},
}

func init() {
	extractCmd.Flags().String("type", "", "content type: pdf, html, or text (default: sniffed)")
	extractCmd.Flags().String("output", "", "output file path (default: stdout)")
	extractCmd.Flags().Duration("timeout", time.Minute, "how long to wait for extraction")
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
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
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
