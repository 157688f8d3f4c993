package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

// newImagesCmd creates the 'images' subcommand.
func newImagesCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "images <address or property key>",
		Short: "Prints the photo manifest of a property",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			key := resolveKey(strings.Join(args, " "))
			images := appInstance.Orchestrator().GetImages(key)
			if activeOnly {
				kept := images[:0:0]
				for _, img := range images {
					if img.Status == ingest.ImageStatusActive {
						kept = append(kept, img)
					}
				}
				images = kept
			}
			if images == nil {
				images = []ingest.ImageMetadata{}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(map[string]any{"property_key": key, "images": images}); err != nil {
				return fmt.Errorf("write images: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "omit photos no longer listed by any source")
	return cmd
}

// resolveKey accepts a canonical property key or an address.
func resolveKey(arg string) ingest.PropertyKey {
	if key, ok := ingest.ParsePropertyKey(strings.TrimSpace(arg)); ok {
		return key
	}
	return ingest.NewPropertyKey(arg)
}
