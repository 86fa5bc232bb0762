package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/labcontrol/labcontrol/internal/schema"
	"github.com/labcontrol/labcontrol/internal/store"
	"github.com/labcontrol/labcontrol/internal/ui"
)

var pieceCmd = &cobra.Command{
	Use:     "piece",
	GroupID: "data",
	Short:   "Manage load-test equipment pieces (cargo store)",
}

var (
	pieceAddTag  string
	pieceAddType string
)

var pieceAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Register a piece by hardware tag",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		p := &schema.Piece{ID: args[0], TagID: pieceAddTag, Type: pieceAddType}
		p.SetDefaults()
		if err := svc.cargo.UpsertPiece(p); err != nil {
			fatal("%v", err)
		}
		fmt.Printf("%s Piece %s registered with tag %s\n", ui.RenderPass("✓"), p.ID, p.TagID)
	},
}

var pieceListStatus string

var pieceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pieces",
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		pieces, err := svc.cargo.ListPieces(store.ListPiecesFilter{Status: pieceListStatus})
		if err != nil {
			fatal("%v", err)
		}
		if len(pieces) == 0 {
			fmt.Printf("%s No pieces\n", ui.RenderWarn("⚠"))
			return
		}
		for _, p := range pieces {
			status := ui.RenderPass(string(p.Status))
			if p.Status == schema.PieceInactive {
				status = ui.RenderDim(string(p.Status))
			}
			fmt.Printf("  %-12s %-10s %-8s %6d cycles  %s\n",
				p.TagID, p.Type, status, p.CycleCount, ui.RenderDim(p.ID))
		}
	},
}

var pieceLinksCmd = &cobra.Command{
	Use:   "links <tag>",
	Short: "Show a piece's protocol link history, newest first",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		svc, err := openServices()
		if err != nil {
			fatal("%v", err)
		}
		defer svc.Close()

		piece, err := svc.cargo.GetPieceByTag(args[0])
		if err != nil {
			fatal("%v", err)
		}
		links, err := svc.cargo.ListLinks(context.Background(), store.ListLinksFilter{PieceID: piece.ID})
		if err != nil {
			fatal("%v", err)
		}
		if len(links) == 0 {
			fmt.Printf("%s Piece %s has no protocol links\n", ui.RenderWarn("⚠"), args[0])
			return
		}
		for _, l := range links {
			mark := ui.RenderPass("active")
			if l.LinkStatus == schema.LinkInactive {
				mark = ui.RenderDim("inactive")
			}
			fmt.Printf("  %-16s %-5s %-9s %6d cycles  %s\n",
				l.Protocol, l.CycleKind, mark, l.CyclesInLink,
				l.CreatedAt.Format("2006-01-02 15:04"))
		}
	},
}

func init() {
	pieceAddCmd.Flags().StringVar(&pieceAddTag, "tag", "", "stable hardware tag (required)")
	pieceAddCmd.Flags().StringVar(&pieceAddType, "type", "", "equipment type (required)")
	_ = pieceAddCmd.MarkFlagRequired("tag")
	_ = pieceAddCmd.MarkFlagRequired("type")

	pieceListCmd.Flags().StringVar(&pieceListStatus, "status", "", "filter by status (active|inactive)")

	pieceCmd.AddCommand(pieceAddCmd)
	pieceCmd.AddCommand(pieceListCmd)
	pieceCmd.AddCommand(pieceLinksCmd)
	rootCmd.AddCommand(pieceCmd)
}
