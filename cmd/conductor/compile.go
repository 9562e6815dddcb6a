package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/conductor/internal/fsmcompiler"
)

func compileCmd() *cobra.Command {
	var (
		astPath string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "compile",
		Short: "Compile a composition AST to a flat FSM and print or write it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ast, err := readAST(astPath)
			if err != nil {
				return err
			}
			states, err := fsmcompiler.Compile(ast)
			if err != nil {
				return fmt.Errorf("compile: %w", err)
			}
			out, err := json.MarshalIndent(states, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal states: %w", err)
			}
			if outPath == "" {
				fmt.Println(string(out))
				return nil
			}
			return os.WriteFile(outPath, out, 0o644)
		},
	}

	cmd.Flags().StringVar(&astPath, "ast", "", "Path to the composition AST JSON file")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the compiled FSM here instead of stdout")
	cmd.MarkFlagRequired("ast")

	return cmd
}
