package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/synapse/internal/engine"
	"github.com/KafClaw/synapse/internal/sharedmem"
)

var (
	memBankKind  string
	memEntryKind string
	memAccess    string
	memRetention string
	memMaxMB     float64
	memOwner     string
	memExpiresIn time.Duration
	memContent   string
	memAgent     string
	memRelevance float64
	memTTL       time.Duration
	memVector    string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Shared memory banks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var memoryBankCreateCmd = &cobra.Command{
	Use:   "bank-create NAME",
	Short: "Create a memory bank",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := sharedmem.BankInput{
			Name:         args[0],
			Kind:         sharedmem.BankKind(memBankKind),
			AccessLevel:  sharedmem.AccessLevel(memAccess),
			Retention:    sharedmem.Retention(memRetention),
			MaxSizeMB:    memMaxMB,
			OwnerAgentID: memOwner,
		}
		if memExpiresIn > 0 {
			at := time.Now().UTC().Add(memExpiresIn)
			in.ExpiresAt = &at
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			b, err := e.Memory().CreateBank(ctx, in)
			if err != nil {
				return err
			}
			return emit(cmd, b, func(w io.Writer) {
				fmt.Fprintf(w, "Created bank %s (%s, %s, %s, %.0f MB)\n", b.Name, b.Kind, b.AccessLevel, b.Retention, b.MaxSizeMB())
			})
		})
	},
}

var memoryBanksCmd = &cobra.Command{
	Use:   "banks",
	Short: "List memory banks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			banks, err := e.Memory().ListBanks(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, banks, func(w io.Writer) {
				for _, b := range banks {
					fmt.Fprintf(w, "%-24s  %-12s  %-10s  %-11s  %.2f/%.0f MB\n",
						b.Name, b.Kind, b.AccessLevel, b.Retention, b.CurrentSizeMB(), b.MaxSizeMB())
				}
			})
		})
	},
}

var memoryWriteCmd = &cobra.Command{
	Use:   "write BANK KEY",
	Short: "Write an entry; --content is JSON or a plain string",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		content, err := contentJSON(memContent)
		if err != nil {
			return err
		}
		vec, err := parseVector(memVector)
		if err != nil {
			return err
		}
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			res, err := e.WriteMemoryEntry(ctx, sharedmem.WriteInput{
				Bank:      args[0],
				Key:       args[1],
				Kind:      memEntryKind,
				Content:   content,
				Embedding: vec,
				AgentID:   memAgent,
				Relevance: memRelevance,
				TTL:       memTTL,
			})
			if err != nil {
				return err
			}
			return emit(cmd, res, func(w io.Writer) {
				verb := "Updated"
				if res.Created {
					verb = "Created"
				}
				fmt.Fprintf(w, "%s %s/%s (%d bytes)\n", verb, args[0], res.Entry.Key, res.Entry.SizeBytes)
				for _, k := range res.Evicted {
					fmt.Fprintf(w, "  evicted %s\n", k)
				}
			})
		})
	},
}

var memoryReadCmd = &cobra.Command{
	Use:   "read BANK KEY",
	Short: "Read an entry",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			entry, err := e.ReadMemoryEntryAs(ctx, args[0], args[1], memAgent)
			if err != nil {
				return err
			}
			return emit(cmd, entry, func(w io.Writer) {
				fmt.Fprintf(w, "%s/%s [%s] accesses=%d relevance=%.2f\n", args[0], entry.Key, entry.Kind, entry.AccessCount, entry.Relevance)
				fmt.Fprintln(w, string(entry.Content))
			})
		})
	},
}

var memoryGrantCmd = &cobra.Command{
	Use:   "grant BANK AGENT_ID",
	Short: "Grant an agent access to a restricted bank",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			if err := e.Memory().Grant(ctx, args[0], args[1]); err != nil {
				return err
			}
			return emit(cmd, map[string]string{"bank": args[0], "agent_id": args[1]}, func(w io.Writer) {
				fmt.Fprintf(w, "Granted %s access to %s\n", args[1], args[0])
			})
		})
	},
}

var memorySweepCmd = &cobra.Command{
	Use:   "sweep [BANK]",
	Short: "Apply retention to one bank, or to all banks",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			var results []sharedmem.SweepResult
			if len(args) == 1 {
				r, err := e.SweepBank(ctx, args[0])
				if err != nil {
					return err
				}
				results = append(results, *r)
			} else {
				all, err := e.SweepAllBanks(ctx)
				if err != nil {
					return err
				}
				results = all
			}
			return emit(cmd, results, func(w io.Writer) {
				for _, r := range results {
					fmt.Fprintf(w, "%-24s  %-11s  removed=%d freed=%dB\n", r.Bank, r.Retention, len(r.Removed), r.FreedBytes)
				}
			})
		})
	},
}

var memoryStatsCmd = &cobra.Command{
	Use:   "stats BANK",
	Short: "Show bank statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
			s, err := e.Memory().BankStats(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, s, func(w io.Writer) {
				fmt.Fprintf(w, "Bank:        %s\n", s.Bank)
				fmt.Fprintf(w, "Entries:     %d (%d active)\n", s.Entries, s.ActiveEntries)
				fmt.Fprintf(w, "Accesses:    %d\n", s.TotalAccesses)
				fmt.Fprintf(w, "Relevance:   %.2f avg\n", s.AvgRelevance)
				fmt.Fprintf(w, "Utilization: %.1f%% (%d/%d bytes)\n", s.Utilization*100, s.CurrentSizeBytes, s.MaxSizeBytes)
			})
		})
	},
}

// contentJSON accepts a JSON document or wraps plain text as a JSON string.
func contentJSON(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("--content is required")
	}
	if raw, err := rawJSON("content", s); err == nil {
		return raw, nil
	}
	return jsonString(s), nil
}

func init() {
	c := memoryBankCreateCmd.Flags()
	c.StringVar(&memBankKind, "kind", string(sharedmem.BankPersistent), "global, agent_group, temporary or persistent")
	c.StringVar(&memAccess, "access", string(sharedmem.AccessPublic), "public, private or restricted")
	c.StringVar(&memRetention, "retention", string(sharedmem.RetentionPermanent), "permanent, time_based or usage_based")
	c.Float64Var(&memMaxMB, "max-mb", sharedmem.DefaultQuotaMB, "Quota in MB")
	c.StringVar(&memOwner, "owner", "", "Owning agent ID")
	c.DurationVar(&memExpiresIn, "expires-in", 0, "Bank lifetime (e.g. 24h)")

	w := memoryWriteCmd.Flags()
	w.StringVar(&memContent, "content", "", "Entry content")
	w.StringVar(&memEntryKind, "kind", sharedmem.EntryExperience, "experience, pattern, solution or cache")
	w.StringVar(&memAgent, "agent", "", "Writing agent ID")
	w.Float64Var(&memRelevance, "relevance", 0, "Relevance in [0, 1]")
	w.DurationVar(&memTTL, "ttl", 0, "Entry lifetime (e.g. 1h)")
	w.StringVar(&memVector, "vector", "", "Comma-separated embedding")

	memoryReadCmd.Flags().StringVar(&memAgent, "agent", "", "Reading agent ID (anonymous when empty)")

	memoryCmd.AddCommand(memoryBankCreateCmd, memoryBanksCmd, memoryWriteCmd, memoryReadCmd, memoryGrantCmd, memorySweepCmd, memoryStatsCmd)
	rootCmd.AddCommand(memoryCmd)
}
