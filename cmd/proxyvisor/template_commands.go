package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/proxyvisor/pkg/template"
)

// createTemplateCommand creates the template subcommand
func createTemplateCommand(c command) *cobra.Command {
	f := &TemplateFlags{}
	types := strings.Join(template.NewGenerator().GetSupportedTypes(), ", ")
	cmd := &cobra.Command{
		Use:   "template <type>",
		Short: "Print a starter proxyvisor.toml",
		Long: "Generate a proxyvisor.toml for a common deployment.\n\nTypes: " + types + `

Examples:
  proxyvisor template process
  proxyvisor template remote -o /etc/proxyvisor/proxyvisor.toml`,
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			f.Type = args[0]
			return c.Template(*f)
		},
	}
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing output file")
	return cmd
}

// Template renders a daemon config template to stdout or f.Output.
func (c command) Template(f TemplateFlags) error {
	data, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Type))
	if err != nil {
		return fmt.Errorf("failed to generate template: %w", err)
	}
	if f.Output == "" {
		_, err = c.stdout().Write(data)
		return err
	}
	if _, err := os.Stat(f.Output); err == nil && !f.Force {
		return fmt.Errorf("file '%s' already exists (use --force to overwrite)", f.Output)
	}
	if err := os.MkdirAll(filepath.Dir(f.Output), 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	// remote templates carry an API token
	if err := os.WriteFile(f.Output, data, 0o600); err != nil {
		return fmt.Errorf("failed to write template file: %w", err)
	}
	_, err = fmt.Fprintf(c.stdout(), "Template '%s' written to %s\n", f.Type, f.Output)
	return err
}
