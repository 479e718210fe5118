package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/bus"
	"github.com/ShayCichocki/dispatch/internal/config"
)

var submitPriority int

var submitCmd = &cobra.Command{
	Use:   "submit <request...>",
	Short: "Submit a request to a running dispatcher",
	Long: `Send a free-text request to the dispatcher over NATS.

The dispatcher analyzes the text to derive required capabilities and
priority, decomposes it into subtasks, and assigns them to agents.
Requires nats.url to be configured.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().IntVar(&submitPriority, "priority", 0, "Override priority (1=highest, 5=lowest)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("submit requires nats.url to be configured")
	}

	natsBus, err := bus.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer natsBus.Close()

	msg := bus.Message{
		Type:   bus.TypeRequest,
		Text:   strings.Join(args, " "),
		SentAt: time.Now(),
	}
	if submitPriority != 0 {
		msg.Result = map[string]any{"priority": submitPriority}
	}

	if err := natsBus.PublishEvent(context.Background(), msg); err != nil {
		return err
	}
	fmt.Println("Request submitted")
	return nil
}
