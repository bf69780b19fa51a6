package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

type buildRequest struct {
	Ef             int `json:"ef"`
	EfConstruction int `json:"ef_construction"`
}

var (
	rebuildEf             int
	rebuildEfConstruction int
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the ANN index over every stored value",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := doRequest("POST", "/index", buildRequest{
			Ef:             rebuildEf,
			EfConstruction: rebuildEfConstruction,
		}, nil); err != nil {
			return err
		}
		fmt.Println("OK: index rebuilt")
		return nil
	},
}

type queryRequest struct {
	Embedding []float32 `json:"embedding"`
	Count     int       `json:"count"`
}

var queryCount int

var queryCmd = &cobra.Command{
	Use:   "query <embedding> [count]",
	Short: "Find the nearest stored values to an embedding",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		embedding, err := parseEmbedding(args[0])
		if err != nil {
			return err
		}
		count := queryCount
		if len(args) == 2 {
			count, err = strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("parsing count: %w", err)
			}
		}

		var out []map[string]string
		if err := doRequest("POST", "/index/query", queryRequest{
			Embedding: embedding,
			Count:     count,
		}, &out); err != nil {
			return err
		}
		for i, hit := range out {
			fmt.Printf("%d. %v\n", i+1, hit)
		}
		return nil
	},
}

func init() {
	rebuildCmd.Flags().IntVar(&rebuildEf, "ef", 0, "search beam width to use after rebuild (0 keeps current)")
	rebuildCmd.Flags().IntVar(&rebuildEfConstruction, "ef-construction", 0, "construction beam width (0 keeps current)")
	queryCmd.Flags().IntVar(&queryCount, "count", 10, "number of nearest results to return")
	rootCmd.AddCommand(rebuildCmd, queryCmd)
}
