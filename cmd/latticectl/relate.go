package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/engine"
	"github.com/cuemby/lattice/pkg/query"
	"github.com/cuemby/lattice/pkg/types"
)

func init() {
	relateCmd.Flags().String("from", "", "source entity id (required)")
	relateCmd.Flags().String("to", "", "target entity id (required)")
	relateCmd.Flags().String("type", "", "verb type (required)")
	relateCmd.Flags().Float64("weight", 0, "edge weight")
	relateCmd.Flags().Bool("has-weight", false, "set the weight field even if it is 0")
	relateCmd.Flags().Float64("confidence", 0, "edge confidence")
	relateCmd.Flags().Bool("has-confidence", false, "set the confidence field even if it is 0")
	relateCmd.Flags().Bool("bidirectional", false, "also create the reverse edge")
	relateCmd.Flags().String("metadata", "", "edge metadata as a JSON object")
	_ = relateCmd.MarkFlagRequired("from")
	_ = relateCmd.MarkFlagRequired("to")
	_ = relateCmd.MarkFlagRequired("type")

	relationsCmd.Flags().String("from", "", "filter by source entity id")
	relationsCmd.Flags().String("to", "", "filter by target entity id")
	relationsCmd.Flags().String("type", "", "filter by verb type")

	findCmd.Flags().String("similar", "", "comma-separated query vector for similarity search")
	findCmd.Flags().String("like", "", "text to embed via --hashing-embedder and search by similarity")
	findCmd.Flags().String("type", "", "restrict results to one noun type")
	findCmd.Flags().Int("limit", 10, "maximum results")
	findCmd.Flags().Int("offset", 0, "result page offset")
}

var relateCmd = &cobra.Command{
	Use:   "relate",
	Short: "Create a relationship between two entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		verbType, _ := cmd.Flags().GetString("type")
		bidirectional, _ := cmd.Flags().GetBool("bidirectional")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		metadata, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		in := engine.RelateInput{
			From: from, To: to, Type: types.VerbType(verbType),
			Bidirectional: bidirectional, Metadata: metadata,
		}
		if hasWeight, _ := cmd.Flags().GetBool("has-weight"); hasWeight {
			w, _ := cmd.Flags().GetFloat64("weight")
			in.Weight = &w
		}
		if hasConfidence, _ := cmd.Flags().GetBool("has-confidence"); hasConfidence {
			c, _ := cmd.Flags().GetFloat64("confidence")
			in.Confidence = &c
		}

		verbID, err := e.Relate(ctx, in)
		if err != nil {
			return err
		}
		fmt.Println(verbID)
		return nil
	},
}

var unrelateCmd = &cobra.Command{
	Use:   "unrelate VERB_ID",
	Short: "Remove a relationship",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Unrelate(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("unrelated")
		return nil
	},
}

var relationsCmd = &cobra.Command{
	Use:   "relations",
	Short: "List relationships adjacent to an entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		verbType, _ := cmd.Flags().GetString("type")

		verbs, err := e.GetRelations(ctx, engine.RelationsQuery{From: from, To: to, Type: verbType})
		if err != nil {
			return err
		}
		return printJSON(verbViews(verbs))
	},
}

// verbView renders a types.Verb's tagged Value metadata as plain JSON.
type verbView struct {
	ID         string   `json:"id"`
	SourceID   string   `json:"sourceId"`
	TargetID   string   `json:"targetId"`
	Type       string   `json:"type"`
	Weight     *float64 `json:"weight,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Metadata   any      `json:"metadata"`
	CreatedAt  int64    `json:"createdAt"`
	UpdatedAt  int64    `json:"updatedAt"`
}

func verbViews(verbs []*types.Verb) []verbView {
	views := make([]verbView, len(verbs))
	for i, v := range verbs {
		views[i] = verbView{
			ID: v.ID, SourceID: v.SourceID, TargetID: v.TargetID, Type: string(v.Type),
			Weight: v.Weight, Confidence: v.Confidence, Metadata: v.Metadata.ToAny(),
			CreatedAt: v.CreatedAt, UpdatedAt: v.UpdatedAt,
		}
	}
	return views
}

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Run a similarity/filter/graph query",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		similarStr, _ := cmd.Flags().GetString("similar")
		like, _ := cmd.Flags().GetString("like")
		nounType, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		similar, err := parseVector(similarStr)
		if err != nil {
			return err
		}

		results, err := e.Find(ctx, query.Query{
			Similar: similar,
			Like:    like,
			Type:    nounType,
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			return err
		}
		return printJSON(resultViews(results))
	},
}

// resultView renders a query.Result's tagged Value metadata as plain JSON.
type resultView struct {
	ID     string    `json:"id"`
	Score  float32   `json:"score"`
	Entity *nounView `json:"entity,omitempty"`
}

func resultViews(results []query.Result) []resultView {
	views := make([]resultView, len(results))
	for i, r := range results {
		views[i] = resultView{ID: r.ID, Score: r.Score}
		if r.Entity != nil {
			views[i].Entity = &nounView{
				ID: r.Entity.ID, Type: string(r.Entity.Type), Vector: r.Entity.Vector,
				Metadata: r.Entity.Metadata.ToAny(), Service: r.Entity.Service,
				CreatedAt: r.Entity.CreatedAt, UpdatedAt: r.Entity.UpdatedAt,
			}
		}
	}
	return views
}
