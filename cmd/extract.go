package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-photo-ingest/internal/ingest"
)

type extractOptions struct {
	addressFile string
	resume      bool
	reset       bool
}

// newExtractCmd creates the 'extract' subcommand.
func newExtractCmd() *cobra.Command {
	opts := extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract [address...]",
		Short: "Extracts photos for the given properties",
		Long: `Lists every configured source for each property, downloads new photos,
standardizes and deduplicates them, and records them in the property's
manifest. Addresses come from the arguments and from --file ("-" reads stdin,
one address per line, # starts a comment).

With --resume (the default) properties completed by an earlier run are
skipped. --resume=false re-lists them; photos already seen are still not
downloaded again. --reset reopens the listed properties before the run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.addressFile, "file", "f", "", "file with one address per line (- for stdin)")
	cmd.Flags().BoolVar(&opts.resume, "resume", true, "skip properties completed by an earlier run")
	cmd.Flags().BoolVar(&opts.reset, "reset", false, "reopen the given properties before extracting")
	return cmd
}

func runExtract(cmd *cobra.Command, args []string, opts extractOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	properties, err := readProperties(args, opts.addressFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(properties) == 0 {
		return errors.New("no addresses given; pass them as arguments or with --file")
	}

	orch := appInstance.Orchestrator()
	if opts.reset {
		for _, p := range properties {
			orch.ResetProperty(p.Key)
		}
		logger.Info("properties reset", zap.Int("count", len(properties)))
	}

	res, err := orch.ExtractAll(cmd.Context(), properties, opts.resume)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	if res.Interrupted {
		logger.Warn("extraction interrupted; rerun to resume", zap.Int("canceled", res.Canceled))
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// readProperties merges addresses from args and path. Blank lines and lines
// starting with # are ignored.
func readProperties(args []string, path string, stdin io.Reader) ([]ingest.Property, error) {
	addresses := append([]string(nil), args...)
	if path != "" {
		var r io.Reader
		if path == "-" {
			r = stdin
		} else {
			f, err := os.Open(path) // #nosec G304 -- operator supplied path
			if err != nil {
				return nil, fmt.Errorf("open address file: %w", err)
			}
			defer f.Close() //nolint:errcheck // read-only
			r = f
		}
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			addresses = append(addresses, line)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read address file: %w", err)
		}
	}

	out := make([]ingest.Property, 0, len(addresses))
	for _, a := range addresses {
		if ingest.NormalizeAddress(a) == "" {
			continue
		}
		out = append(out, ingest.NewProperty(a))
	}
	return out, nil
}
