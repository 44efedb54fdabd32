package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lazypower/mnemo/internal/engine"
	"github.com/lazypower/mnemo/internal/store"
)

// Transfer formats.
const (
	formatJSON = "json"
	formatYAML = "yaml"
)

var (
	transferFormat string
	exportOutput   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the agent's active memories as JSON or YAML",
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Load memories from a JSON or YAML export (stdin when no file)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runImport,
}

func init() {
	exportCmd.Flags().StringVarP(&transferFormat, "format", "f", "", "json or yaml (default from file extension, else json)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
	importCmd.Flags().StringVarP(&transferFormat, "format", "f", "", "json or yaml (default from file extension, else json)")
}

func runExport(cmd *cobra.Command, args []string) error {
	format, err := resolveFormat(transferFormat, exportOutput)
	if err != nil {
		return err
	}
	return withEngine(cmd, func(eng *engine.Engine) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()
		records, err := eng.Export(ctx, agentID)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create export file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := encodeRecords(w, format, records); err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d memories to %s\n", len(records), exportOutput)
		}
		return nil
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	var (
		path string
		r    io.Reader = cmd.InOrStdin()
	)
	if len(args) == 1 && args[0] != "-" {
		path = args[0]
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open import file: %w", err)
		}
		defer f.Close()
		r = f
	}
	format, err := resolveFormat(transferFormat, path)
	if err != nil {
		return err
	}
	records, err := decodeRecords(r, format)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(eng *engine.Engine) error {
		res, err := eng.Import(cmd.Context(), agentID, records)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", res.Imported, res.Skipped)
		if res.Degraded {
			fmt.Fprintln(cmd.OutOrStdout(), "stored without embeddings; run reindex once the provider is back")
		}
		return nil
	})
}

// resolveFormat returns the explicit format, or guesses it from the path.
func resolveFormat(format, path string) (string, error) {
	switch strings.ToLower(format) {
	case formatJSON:
		return formatJSON, nil
	case formatYAML, "yml":
		return formatYAML, nil
	case "":
	default:
		return "", fmt.Errorf("unknown format %q (want json or yaml)", format)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML, nil
	}
	return formatJSON, nil
}

func encodeRecords(w io.Writer, format string, records []store.Record) error {
	if format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(records); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func decodeRecords(r io.Reader, format string) ([]store.Record, error) {
	var records []store.Record
	if format == formatYAML {
		if err := yaml.NewDecoder(r).Decode(&records); err != nil && err != io.EOF {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return records, nil
	}
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return records, nil
}
