package commands

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// value mirrors pkg/httpapi's wire shape for one stored value.
type value struct {
	Embedding []float32         `json:"embedding"`
	Data      map[string]string `json:"data"`
}

type upsertRequest struct {
	Key   string `json:"key"`
	Value value  `json:"value"`
}

var putCmd = &cobra.Command{
	Use:   "put <key> <embedding> [data...]",
	Short: "Upsert a value by key",
	Long: `put stores or overwrites the value at key. embedding is a
comma-separated list of floats; any remaining arguments are field=value
metadata pairs.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		embedding, err := parseEmbedding(args[1])
		if err != nil {
			return err
		}
		data, err := parseMetadata(args[2:])
		if err != nil {
			return err
		}

		var out value
		if err := doRequest("POST", "/values", upsertRequest{
			Key:   key,
			Value: value{Embedding: embedding, Data: data},
		}, &out); err != nil {
			return err
		}
		fmt.Printf("OK: %s\n", formatValue(out))
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a value by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out value
		if err := doRequest("GET", "/values/"+args[0], nil, &out); err != nil {
			return err
		}
		fmt.Println(formatValue(out))
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a value by key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest("DELETE", "/values/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	},
}

func parseEmbedding(raw string) ([]float32, error) {
	parts := strings.Split(raw, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parsing embedding component %q: %w", p, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("metadata %q is not in field=value form", p)
		}
		out[k] = v
	}
	return out, nil
}

func formatValue(v value) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(raw)
}

func init() {
	rootCmd.AddCommand(putCmd, getCmd, deleteCmd)
}
