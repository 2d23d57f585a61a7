package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/songzhibin97/chatflow-engine/storage"
	"github.com/spf13/cobra"
)

var errInvalidFlows = errors.New("some flows are invalid")

var validateCmd = &cobra.Command{
	Use:   "validate [file or dir]...",
	Short: "Check flow documents for structural problems",
	Long: `Loads YAML or JSON flow documents and reports duplicate node ids, edges
to unknown nodes, undecodable payloads and missing start nodes. Without
arguments the CHATFLOW_FLOW_DIR directory ("flows") is checked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			dir := os.Getenv("CHATFLOW_FLOW_DIR")
			if dir == "" {
				dir = "flows"
			}
			args = []string{dir}
		}
		return runValidate(cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(out io.Writer, paths []string) error {
	files, err := flowFiles(paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no flow documents found in %s", strings.Join(paths, ", "))
	}

	invalid := 0
	for _, path := range files {
		flow, err := storage.LoadFlowFile(path)
		if err == nil {
			err = flow.Validate()
		}
		if err != nil {
			invalid++
			fmt.Fprintf(out, "❌ %s\n", path)
			for _, line := range strings.Split(err.Error(), "\n") {
				fmt.Fprintf(out, "   %s\n", line)
			}
			continue
		}
		fmt.Fprintf(out, "✅ %s (flow %s, %d nodes, %d edges)\n", path, flow.ID, len(flow.Nodes), len(flow.Edges))
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidFlows, invalid, len(files))
	}
	return nil
}

// flowFiles expands directories into the flow documents they contain.
func flowFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".yaml", ".yml", ".json":
				if !e.IsDir() {
					names = append(names, filepath.Join(p, e.Name()))
				}
			}
		}
		sort.Strings(names)
		files = append(files, names...)
	}
	return files, nil
}
