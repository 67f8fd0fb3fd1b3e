package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metalfleet/inspectd/internal/core/db"
	"github.com/metalfleet/inspectd/internal/core/notify"
	"github.com/metalfleet/inspectd/internal/rulefile"
	"github.com/metalfleet/inspectd/internal/rules"
)

var ruleCmd = &cobra.Command{
	Use:   "rule",
	Short: "Manage inspection rules",
}

var ruleValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a YAML rule file without persisting anything",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleValidate,
}

var ruleImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Validate a YAML rule file and create every rule in it",
	Args:  cobra.ExactArgs(1),
	RunE:  runRuleImport,
}

func init() {
	rootCmd.AddCommand(ruleCmd)
	ruleCmd.AddCommand(ruleValidateCmd)
	ruleCmd.AddCommand(ruleImportCmd)
}

func ruleValidator() *rules.Validator {
	return rules.NewValidator(rules.NewRegistry())
}

func runRuleValidate(cmd *cobra.Command, args []string) error {
	validated, err := rulefile.Load(args[0], ruleValidator())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules valid\n", args[0], len(validated))
	return nil
}

func runRuleImport(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}

	validated, err := rulefile.Load(args[0], ruleValidator())
	if err != nil {
		return err
	}

	database, queries, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	store := db.NewRuleStore(queries)

	var notifier *notify.Notifier
	if cfg.NATS.URL != "" {
		nc, err := notify.Connect(cfg.NATS.URL, "inspectd")
		if err != nil {
			return err
		}
		defer nc.Close()
		notifier = notify.New(nc, log)
	} else {
		notifier = notify.New(nil, log)
	}

	ctx := cmd.Context()
	for _, rule := range validated {
		data := map[string]any{"uuid": string(rule.UUID)}
		notifier.EmitStart(ctx, "rule", "create", data)
		err := notifier.WithErrorNotification(ctx, "rule", "create", data,
			store.Create(ctx, rule))
		if err != nil {
			return fmt.Errorf("importing rule %s: %w", rule.UUID, err)
		}
		log.Info("rule created", "uuid", rule.UUID, "description", rule.Description)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules imported\n", args[0], len(validated))
	return nil
}
