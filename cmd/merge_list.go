package cmd

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/netwatchz/pkg/rangeindex"
)

var (
	mergeListFile      string
	mergeListOverwrite bool
)

func init() {
	rootCmd.AddCommand(mergeListCmd)
	mergeListCmd.Flags().StringVar(&mergeListFile, "file", "", "Path to the IP list file")
	mergeListCmd.Flags().BoolVar(&mergeListOverwrite, "overwrite", false, "Rewrite the file in place instead of printing to stdout")
	_ = mergeListCmd.MarkFlagRequired("file")
}

var mergeListCmd = &cobra.Command{
	Use:   "merge-list",
	Short: "Collapse overlapping and adjacent entries of an IP list into minimal CIDRs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		info, err := os.Stat(mergeListFile)
		if err != nil {
			return fmt.Errorf("could not stat file %s: %w", mergeListFile, err)
		}
		data, err := os.ReadFile(mergeListFile)
		if err != nil {
			return fmt.Errorf("could not read file %s: %w", mergeListFile, err)
		}

		output, before, after, err := mergeList(data)
		if err != nil {
			return fmt.Errorf("%s: %w", mergeListFile, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d entries merged into %d CIDRs\n", before, after)

		if mergeListOverwrite {
			if err := replaceFile(mergeListFile, output, info.Mode().Perm()); err != nil {
				return fmt.Errorf("write file %s: %w", mergeListFile, err)
			}
			return nil
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), output)
		return err
	},
}

// mergeList returns the canonical form of a list: merged ranges rendered as sorted
// CIDRs, one per line.
func mergeList(data []byte) (string, int, int, error) {
	ranges, err := rangeindex.Parse(bytes.NewReader(data))
	if err != nil {
		return "", 0, 0, err
	}
	var b strings.Builder
	count := 0
	for _, r := range rangeindex.Merge(ranges) {
		for _, prefix := range rangeindex.ToPrefixes(r) {
			b.WriteString(prefix.String())
			b.WriteByte('\n')
			count++
		}
	}
	return b.String(), len(ranges), count, nil
}

// replaceFile writes content next to path and renames it over path, so list watchers
// never observe a partial file.
func replaceFile(path, content string, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
