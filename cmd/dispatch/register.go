package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/bus"
	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var registerCmd = &cobra.Command{
	Use:   "register <agent-id> <capability=strength>...",
	Short: "Register an agent with a running dispatcher",
	Long: `Announce an agent's capability profile to the dispatcher over NATS.

Each capability is given as name=strength, with strength in [0,1]:

  dispatch register worker-1 code_generation=0.9 code_review=0.7

Requires nats.url to be configured.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	agentID := args[0]
	caps := make(map[string]float64, len(args)-1)
	for _, arg := range args[1:] {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("invalid capability %q, want name=strength", arg)
		}
		if !models.Capability(name).Valid() {
			return fmt.Errorf("unknown capability %q", name)
		}
		strength, err := strconv.ParseFloat(raw, 64)
		if err != nil || strength < 0 || strength > 1 {
			return fmt.Errorf("invalid strength %q for %s, want a number in [0,1]", raw, name)
		}
		caps[name] = strength
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("register requires nats.url to be configured")
	}

	natsBus, err := bus.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		return err
	}
	defer natsBus.Close()

	msg := bus.Message{
		Type:         bus.TypeRegister,
		AgentID:      agentID,
		Capabilities: caps,
		SentAt:       time.Now(),
	}
	if err := natsBus.PublishEvent(context.Background(), msg); err != nil {
		return err
	}
	fmt.Printf("Agent %s registered with %d capabilities\n", agentID, len(caps))
	return nil
}
