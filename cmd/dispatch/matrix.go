package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/dispatch/internal/config"
	"github.com/ShayCichocki/dispatch/internal/memory"
	"github.com/ShayCichocki/dispatch/pkg/models"
)

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Show the agent capability matrix",
	Long: `Display each registered agent's capability profile from the memory
store, grouped by capability category. Strengths are colored: green for
strong (>= 0.8), yellow for moderate (>= 0.5), red for weak.`,
	RunE: runMatrix,
}

func runMatrix(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	storePath := cfg.Store.Path
	if storePath == "" {
		storePath = memory.DefaultDBPath()
	}
	store, err := memory.Open(storePath)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}
	defer store.Close()

	profiles, err := store.LatestByKind(memory.KindCapabilityProfile)
	if err != nil {
		return fmt.Errorf("load capability profiles: %w", err)
	}
	if len(profiles) == 0 {
		fmt.Println("No agent profiles recorded yet.")
		return nil
	}

	agentIDs := make([]string, 0, len(profiles))
	for agentID := range profiles {
		agentIDs = append(agentIDs, agentID)
	}
	sort.Strings(agentIDs)

	bold := color.New(color.Bold)
	for _, agentID := range agentIDs {
		bold.Printf("%s\n", agentID)
		printProfile(profiles[agentID])
		fmt.Println()
	}
	return nil
}

// printProfile renders one agent's persisted capability list, grouped and
// ordered by category.
func printProfile(record memory.Record) {
	caps, _ := record.Content["capabilities"].([]any)

	type entry struct {
		capability models.Capability
		strength   float64
	}
	byCategory := make(map[models.CapabilityCategory][]entry)
	for _, raw := range caps {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["capability"].(string)
		strength, _ := m["strength"].(float64)
		c := models.Capability(name)
		if !c.Valid() {
			continue
		}
		byCategory[c.Category()] = append(byCategory[c.Category()], entry{c, strength})
	}

	categories := make([]models.CapabilityCategory, 0, len(byCategory))
	for category := range byCategory {
		categories = append(categories, category)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	for _, category := range categories {
		entries := byCategory[category]
		sort.Slice(entries, func(i, j int) bool { return entries[i].capability < entries[j].capability })

		fmt.Printf("  %s\n", category)
		for _, e := range entries {
			fmt.Printf("    %-24s %s\n", e.capability, strengthString(e.strength))
		}
	}
}

// strengthString colors a strength value by band.
func strengthString(strength float64) string {
	text := fmt.Sprintf("%.2f", strength)
	switch {
	case strength >= 0.8:
		return color.GreenString(text)
	case strength >= 0.5:
		return color.YellowString(text)
	default:
		return color.RedString(text)
	}
}
