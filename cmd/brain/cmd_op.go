package main

import (
	"encoding/json"
	"fmt"

	"brain/internal/document"
	"brain/internal/orchestrator"

	"github.com/spf13/cobra"
)

var (
	opSession  string
	opType     string
	opLanguage string
	opLimit    int
)

// opCmd groups the caller-facing named operations
var opCmd = &cobra.Command{
	Use:   "op",
	Short: "Run a named operation (init, remember, recall, execute)",
}

var opInitCmd = &cobra.Command{
	Use:   "init [session-id]",
	Short: "Create or resume a session and load the bounded context",
	RunE:  runOpInit,
}

var opRememberCmd = &cobra.Command{
	Use:   "remember <key> <value-json>",
	Short: "Store a memory under a key",
	Args:  cobra.ExactArgs(2),
	RunE:  runOpRemember,
}

var opRecallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Search memories by free text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOpRecall,
}

var opExecuteCmd = &cobra.Command{
	Use:   "execute <code>",
	Short: "Queue code for execution and return immediately",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runOpExecute,
}

func init() {
	opCmd.PersistentFlags().StringVarP(&opSession, "session", "s", "", "session id")
	opRememberCmd.Flags().StringVarP(&opType, "type", "t", "", "memory type (e.g. user_preferences)")
	opExecuteCmd.Flags().StringVarP(&opLanguage, "language", "l", "", "force language: python or shell")
	opRecallCmd.Flags().IntVarP(&opLimit, "limit", "n", 10, "max results")

	opCmd.AddCommand(opInitCmd, opRememberCmd, opRecallCmd, opExecuteCmd)
}

// printSink renders chunks to stdout: progress as lines, the terminal
// document as indented JSON.
func printSink(chunk orchestrator.Chunk) {
	if chunk.Text != "" {
		fmt.Println(chunk.Text)
	}
	if chunk.Final && !chunk.Doc.IsNull() {
		out, err := json.MarshalIndent(chunk.Doc, "", "  ")
		if err != nil {
			fmt.Printf("⚠️ Error: %v\n", err)
			return
		}
		fmt.Println(string(out))
	}
}

func withBrain(fn func(*orchestrator.Brain) error) error {
	brain, err := orchestrator.Boot(cfg)
	if err != nil {
		return fmt.Errorf("failed to boot: %w", err)
	}
	defer brain.Close()
	return fn(brain)
}

func runOpInit(cmd *cobra.Command, args []string) error {
	sessionID := opSession
	if len(args) > 0 {
		sessionID = args[0]
	}
	return withBrain(func(b *orchestrator.Brain) error {
		b.Init(printSink, sessionID)
		return nil
	})
}

func runOpRemember(cmd *cobra.Command, args []string) error {
	key := args[0]
	var value document.Value
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		// Bare strings are accepted without quoting.
		value = document.String(args[1])
	}
	return withBrain(func(b *orchestrator.Brain) error {
		b.Remember(printSink, opSession, key, value, opType)
		return nil
	})
}

func runOpRecall(cmd *cobra.Command, args []string) error {
	query := ""
	for i, a := range args {
		if i > 0 {
			query += " "
		}
		query += a
	}
	return withBrain(func(b *orchestrator.Brain) error {
		b.Recall(printSink, opSession, query, opLimit)
		return nil
	})
}

func runOpExecute(cmd *cobra.Command, args []string) error {
	code := ""
	for i, a := range args {
		if i > 0 {
			code += " "
		}
		code += a
	}
	return withBrain(func(b *orchestrator.Brain) error {
		b.Execute(printSink, opSession, code, opLanguage)
		return nil
	})
}
