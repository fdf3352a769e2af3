package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Jawbreaker1/StrikeFlow/internal/toolexec"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Validate a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := workflow.ReadDefinition(args[0])
			if err != nil {
				return err
			}
			actions := 0
			for _, phase := range def.Phases {
				actions += len(phase.Actions)
			}
			fmt.Printf("%s: %d phase(s), %d action(s), ok\n", def.Name, len(def.Phases), actions)
			return nil
		},
	}
}

func newToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List allowlisted tools from the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfigAndLogger(cmd)
			if err != nil {
				return err
			}
			runner, err := toolexec.NewRunner(cfg.Tools, logger)
			if err != nil {
				return err
			}
			for _, name := range runner.Tools() {
				fmt.Printf("%s -> %s\n", name, cfg.Tools[name])
			}
			return nil
		},
	}
}
