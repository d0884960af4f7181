package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/knowledge"
)

var (
	knowledgeID            string
	knowledgeKind          string
	knowledgeTitle         string
	knowledgeContent       string
	knowledgeVector        string
	knowledgeSource        string
	knowledgeTasks         []string
	knowledgeTags          []string
	knowledgeConfidence    float64
	knowledgeEffectiveness float64
	knowledgeText          string
	knowledgeLimit         int
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Store and search shared knowledge",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var knowledgePutCmd = &cobra.Command{
	Use:   "put",
	Short: "Store a knowledge entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		vec, err := parseVector(knowledgeVector)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			entry, err := e.PutKnowledgeEntry(ctx, knowledge.EntryInput{
				ID:             knowledgeID,
				Kind:           knowledgeKind,
				Title:          knowledgeTitle,
				Content:        knowledgeContent,
				Embedding:      vec,
				SourceAgentID:  knowledgeSource,
				RelatedTaskIDs: knowledgeTasks,
				Tags:           knowledgeTags,
				Confidence:     knowledgeConfidence,
				Effectiveness:  knowledgeEffectiveness,
			})
			if err != nil {
				return err
			}
			return emit(cmd, entry, func(w io.Writer) {
				fmt.Fprintf(w, "Stored knowledge %s (%s, embedded: %s)\n", entry.ID, entry.Kind, check(len(entry.Embedding) > 0))
			})
		})
	},
}

var knowledgeSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Find similar knowledge by --vector or --text",
	RunE: func(cmd *cobra.Command, args []string) error {
		threshold, err := optionalFloat(cmd, "threshold")
		if err != nil {
			return err
		}
		vec, err := parseVector(knowledgeVector)
		if err != nil {
			return err
		}
		if vec == nil && knowledgeText == "" {
			return fmt.Errorf("--vector or --text is required")
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var matches []knowledge.Match
			if vec != nil {
				matches, err = e.FindSimilarKnowledge(ctx, vec, threshold, knowledgeLimit)
			} else {
				matches, err = e.FindSimilarKnowledgeText(ctx, knowledgeText, threshold, knowledgeLimit)
			}
			if err != nil {
				return err
			}
			return emit(cmd, matches, func(w io.Writer) {
				if len(matches) == 0 {
					fmt.Fprintln(w, "No similar knowledge.")
					return
				}
				for i, m := range matches {
					fmt.Fprintf(w, "  %d. %.4f  %s  %s\n", i+1, m.Similarity, m.ID, m.Title)
				}
			})
		})
	},
}

var knowledgeGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a knowledge entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			entry, err := e.Knowledge().Get(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s [%s] %s\n", entry.ID, entry.Kind, entry.Title)
				fmt.Fprintf(w, "confidence=%.2f effectiveness=%.2f usage=%d\n", entry.Confidence, entry.Effectiveness, entry.UsageCount)
				fmt.Fprintln(w, entry.Content)
			})
		})
	},
}

var knowledgeBackfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Compute embeddings for entries stored without one",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			if !e.HasEmbedder() {
				return engine.ErrNoEmbedder
			}
			n, err := e.BackfillEmbeddings(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, map[string]int{"embedded": n}, func(w io.Writer) {
				fmt.Fprintf(w, "Embedded %d entries\n", n)
			})
		})
	},
}

func init() {
	f := knowledgePutCmd.Flags()
	f.StringVar(&knowledgeID, "id", "", "Entry ID (generated when empty)")
	f.StringVar(&knowledgeKind, "kind", knowledge.KindPattern, "pattern, solution, best_practice or failure_case")
	f.StringVar(&knowledgeTitle, "title", "", "Title")
	f.StringVar(&knowledgeContent, "content", "", "Content")
	f.StringVar(&knowledgeVector, "vector", "", "Comma-separated embedding")
	f.StringVar(&knowledgeSource, "source", "", "Source agent ID")
	f.StringSliceVar(&knowledgeTasks, "tasks", nil, "Related task IDs")
	f.StringSliceVar(&knowledgeTags, "tags", nil, "Tags")
	f.Float64Var(&knowledgeConfidence, "confidence", 0.5, "Confidence in [0, 1]")
	f.Float64Var(&knowledgeEffectiveness, "effectiveness", 0, "Effectiveness in [0, 1]")

	s := knowledgeSearchCmd.Flags()
	s.StringVar(&knowledgeVector, "vector", "", "Comma-separated query embedding")
	s.StringVar(&knowledgeText, "text", "", "Query text, embedded with the configured embedder")
	s.Float64("threshold", 0, "Similarity threshold (default: system setting)")
	s.IntVar(&knowledgeLimit, "limit", 10, "Maximum matches")

	knowledgeCmd.AddCommand(knowledgePutCmd, knowledgeSearchCmd, knowledgeGetCmd, knowledgeBackfillCmd)
	rootCmd.AddCommand(knowledgeCmd)
}
