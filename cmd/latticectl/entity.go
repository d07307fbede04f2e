package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/lattice/pkg/engine"
	"github.com/cuemby/lattice/pkg/types"
)

func init() {
	addCmd.Flags().String("type", "", "noun type (e.g. Person, Document)")
	addCmd.Flags().String("id", "", "explicit entity id (generated if omitted)")
	addCmd.Flags().String("data", "", "text to embed via --hashing-embedder")
	addCmd.Flags().String("vector", "", "comma-separated float32 vector, overrides --data")
	addCmd.Flags().String("metadata", "", "metadata as a JSON object")
	addCmd.Flags().String("service", "", "originating service tag")

	getCmd.Flags().Bool("vectors", false, "include the stored vector in the output")

	updateCmd.Flags().String("metadata", "", "replacement metadata as a JSON object")
	updateCmd.Flags().String("data", "", "text to re-embed via --hashing-embedder")
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		nounType, _ := cmd.Flags().GetString("type")
		id, _ := cmd.Flags().GetString("id")
		data, _ := cmd.Flags().GetString("data")
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")
		service, _ := cmd.Flags().GetString("service")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}
		metadata, err := parseMetadata(metadataStr)
		if err != nil {
			return err
		}

		newID, err := e.Add(ctx, engine.AddInput{
			ID:       id,
			Type:     types.NounType(nounType),
			Data:     data,
			Vector:   vector,
			Metadata: metadata,
			Service:  service,
		})
		if err != nil {
			return err
		}
		fmt.Println(newID)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Fetch an entity by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		includeVectors, _ := cmd.Flags().GetBool("vectors")
		n, err := e.Get(ctx, args[0], engine.GetOptions{IncludeVectors: includeVectors})
		if err != nil {
			return err
		}
		if n == nil {
			fmt.Println("null")
			return nil
		}
		return printJSON(nounView{
			ID: n.ID, Type: string(n.Type), Vector: n.Vector,
			Metadata: n.Metadata.ToAny(), Service: n.Service,
			CreatedAt: n.CreatedAt, UpdatedAt: n.UpdatedAt,
		})
	},
}

// nounView renders a types.Noun's tagged Value metadata as plain JSON
// instead of its internal Kind/B/N/S/A/O representation.
type nounView struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Vector    []float32 `json:"vector,omitempty"`
	Metadata  any       `json:"metadata"`
	Service   string    `json:"service,omitempty"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
}

var updateCmd = &cobra.Command{
	Use:   "update ID",
	Short: "Partially update an entity's metadata or data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		in := engine.UpdateInput{ID: args[0]}
		if cmd.Flags().Changed("metadata") {
			metadataStr, _ := cmd.Flags().GetString("metadata")
			metadata, err := parseMetadata(metadataStr)
			if err != nil {
				return err
			}
			in.Metadata = &metadata
		}
		in.Data, _ = cmd.Flags().GetString("data")

		if err := e.Update(ctx, in); err != nil {
			return err
		}
		fmt.Println("updated")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, ctx, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("deleted")
		return nil
	},
}

func parseVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vector := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidInput, "latticectl.parseVector", "malformed vector component: "+p)
		}
		vector[i] = float32(f)
	}
	return vector, nil
}

func parseMetadata(s string) (types.Value, error) {
	if s == "" {
		return types.Null, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return types.Value{}, types.Wrap(types.ErrInvalidInput, "latticectl.parseMetadata", "malformed metadata JSON", err)
	}
	return types.FromAny(raw)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
