package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/metalfleet/inspectd/internal/core/db"
	"github.com/metalfleet/inspectd/internal/rules"
	"github.com/metalfleet/inspectd/internal/types"
)

var (
	evaluateNodeUUID  string
	evaluateInventory string
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run the enabled rules against a node and an inventory file",
	Long: `Loads the enabled inspection rules in stored order, evaluates them
against the node record and the given inventory document, and prints the
per-rule outcome log as JSON. Node mutations are persisted.`,
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evaluateNodeUUID, "node-uuid", "", "UUID of the node to evaluate")
	evaluateCmd.Flags().StringVar(&evaluateInventory, "inventory", "", "path to a JSON inventory document")
	evaluateCmd.MarkFlagRequired("node-uuid")
	evaluateCmd.MarkFlagRequired("inventory")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	raw, err := os.ReadFile(evaluateInventory)
	if err != nil {
		return fmt.Errorf("failed to read inventory: %w", err)
	}
	var inventory map[string]any
	if err := json.Unmarshal(raw, &inventory); err != nil {
		return fmt.Errorf("failed to parse inventory: %w", err)
	}

	database, queries, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	nodeStore := db.NewNodeStore(queries)
	node, err := nodeStore.GetByUUID(ctx, evaluateNodeUUID)
	if err != nil {
		return err
	}

	ruleList, err := db.NewRuleStore(queries).ListEnabled(ctx)
	if err != nil {
		return err
	}
	stored := make([]types.Rule, 0, len(ruleList))
	for _, r := range ruleList {
		stored = append(stored, *r)
	}

	engine := rules.NewEngine(rules.NewRegistry(), log)
	outcomes, err := engine.Apply(ctx, node, inventory, stored)
	if err != nil {
		return err
	}

	if err := nodeStore.Save(ctx, node); err != nil {
		return fmt.Errorf("failed to persist node mutations: %w", err)
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(outcomes)
}
