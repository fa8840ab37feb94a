// Package main はCLIツールのエントリポイント。
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const version = "1.0.0"

var (
	apiURL  string
	output  string
	timeout time.Duration
)

// HTTPクライアント
var httpClient *http.Client

func main() {
	rootCmd := &cobra.Command{
		Use:   "migratectl",
		Short: "Migration Gate Service CLI",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if apiURL == "" {
				apiURL = os.Getenv("MIGRATECTL_API_URL")
			}
			httpClient = &http.Client{Timeout: timeout}
		},
	}

	// グローバルフラグ
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API endpoint URL (or set MIGRATECTL_API_URL)")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// サブコマンド登録
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd はバージョン情報を表示する。
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("migratectl version %s\n", version)
		},
	}
}

// planCmd はサーバーから分類結果を取得するコマンド。
func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the migration plan from the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiURL == "" {
				return fmt.Errorf("--api-url is required (or set MIGRATECTL_API_URL)")
			}

			url := fmt.Sprintf("%s/v1/migrations/plan", apiURL)
			resp, err := httpClient.Get(url)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}

			if resp.StatusCode != http.StatusOK {
				return handleErrorResponse(resp.StatusCode, body)
			}

			if output == "json" {
				fmt.Println(string(body))
				return nil
			}

			var result struct {
				GeneratedAt string   `json:"generated_at"`
				Runnable    []string `json:"runnable"`
				Blocked     []struct {
					Migration    string `json:"migration"`
					Prerequisite string `json:"prerequisite"`
					Cause        string `json:"cause"`
				} `json:"blocked"`
				Delayed []struct {
					Migration  string `json:"migration"`
					EligibleAt string `json:"eligible_at"`
					Remaining  string `json:"remaining"`
				} `json:"delayed"`
			}
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}

			fmt.Printf("Plan generated at %s\n", result.GeneratedAt)
			fmt.Printf("Runnable (%d):\n", len(result.Runnable))
			for _, id := range result.Runnable {
				fmt.Printf("  %s\n", id)
			}
			fmt.Printf("Blocked (%d):\n", len(result.Blocked))
			for _, blocked := range result.Blocked {
				fmt.Printf("  %s (prerequisite: %s, cause: %s)\n", blocked.Migration, blocked.Prerequisite, blocked.Cause)
			}
			fmt.Printf("Delayed (%d):\n", len(result.Delayed))
			for _, delayed := range result.Delayed {
				if delayed.EligibleAt == "" {
					fmt.Printf("  %s (awaiting detection)\n", delayed.Migration)
				} else {
					fmt.Printf("  %s (eligible at: %s, remaining: %s)\n", delayed.Migration, delayed.EligibleAt, delayed.Remaining)
				}
			}
			return nil
		},
	}
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("Error: %s", errResp.Message)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
