package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// newRenderCommand is an operator debug command: pretty-print a task's
// markdown resultText the way the Coordinator's own logs captured it, for
// eyeballing output without scrolling raw JSON.
func newRenderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "render [file]",
		Short: "Render a task's markdown result for local inspection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("render: %w", err)
				}
				defer f.Close()
				src = f
			}
			raw, err := io.ReadAll(src)
			if err != nil {
				return fmt.Errorf("render: read input: %w", err)
			}

			if !term.IsTerminal(int(os.Stdout.Fd())) {
				fmt.Print(string(raw))
				return nil
			}

			renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle())
			if err != nil {
				return fmt.Errorf("render: build renderer: %w", err)
			}
			out, err := renderer.Render(string(raw))
			if err != nil {
				return fmt.Errorf("render: %w", err)
			}
			fmt.Print(out)
			return nil
		},
	}
}
