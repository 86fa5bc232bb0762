package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/schema"
	"github.com/labcontrol/labcontrol/internal/ui"
)

var linkCycleKind string

var linkCmd = &cobra.Command{
	Use:     "link <tag> <protocol>",
	GroupID: "data",
	Short:   "Link a test protocol to a piece",
	Long: `Link a test protocol to the piece carrying the given tag.

A prior active link is superseded (set inactive, kept as history),
never deleted. Each piece has at most one active link.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		kind := schema.CycleKind(linkCycleKind)
		if kind != schema.CycleCold && kind != schema.CycleHot {
			fatal("cycle kind must be cold or hot (got %q)", linkCycleKind)
		}

		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		link, err := svc.coord.LinkProtocolToPiece(context.Background(), args[0], args[1], kind)
		if err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Linked %s (%s) to piece %s (link %s)\n",
			ui.RenderPass("✓"), args[1], kind, args[0], ui.RenderDim(link.ID))
	},
}

func init() {
	linkCmd.Flags().StringVar(&linkCycleKind, "cycle", "cold", "cycle kind (cold|hot)")
	rootCmd.AddCommand(linkCmd)
}
