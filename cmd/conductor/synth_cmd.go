package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oriys/conductor/internal/synth"
)

func synthCmd() *cobra.Command {
	var (
		astPath          string
		outPath          string
		name             string
		description      string
		runtimeKind      string
		timeoutSeconds   int
		memoryMB         int
		concurrency      int
		composerVersion  string
		conductorVersion string
	)

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Generate a deployable-action manifest for a compiled composition",
		Long:  "Embeds the composition AST inline as a generated-action manifest a deployment pipeline would hand to the platform.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ast, err := readAST(astPath)
			if err != nil {
				return err
			}
			if name == "" {
				return fmt.Errorf("synth: --name is required")
			}

			manifest, err := synth.Generate(ast, synth.Options{
				Name:             name,
				Description:      description,
				RuntimeKind:      runtimeKind,
				TimeoutSeconds:   timeoutSeconds,
				MemoryMB:         memoryMB,
				Concurrency:      concurrency,
				ComposerVersion:  composerVersion,
				ConductorVersion: conductorVersion,
			})
			if err != nil {
				return fmt.Errorf("generate manifest: %w", err)
			}

			out, err := synth.MarshalYAML(manifest)
			if err != nil {
				return fmt.Errorf("marshal manifest: %w", err)
			}

			if outPath == "" {
				fmt.Print(string(out))
				return nil
			}
			return os.WriteFile(outPath, out, 0o644)
		},
	}

	cmd.Flags().StringVar(&astPath, "ast", "", "Path to the composition AST JSON file")
	cmd.Flags().StringVar(&outPath, "out", "", "Write the generated manifest here instead of stdout")
	cmd.Flags().StringVar(&name, "name", "", "Name of the composed action")
	cmd.Flags().StringVar(&description, "description", "", "Description of the composed action")
	cmd.Flags().StringVar(&runtimeKind, "runtime", "", "Runtime kind for the generated action (default nodejs:20)")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "Action timeout in seconds (default 60)")
	cmd.Flags().IntVar(&memoryMB, "memory", 0, "Action memory limit in MB")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Action concurrency limit")
	cmd.Flags().StringVar(&composerVersion, "composer-version", "", "Composer version recorded in the manifest annotations")
	cmd.Flags().StringVar(&conductorVersion, "conductor-version", "", "Conductor version recorded in the manifest annotations")
	cmd.MarkFlagRequired("ast")
	cmd.MarkFlagRequired("name")

	return cmd
}
