package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dotsetgreg/dotlore/pkg/agent"
	"github.com/dotsetgreg/dotlore/pkg/config"
	"github.com/dotsetgreg/dotlore/pkg/memory"
)

func newRecallCommand() *cobra.Command {
	var (
		limit  int
		minRel float64
		filter string
	)

	cmd := &cobra.Command{
		Use:   "recall <actor> <text...>",
		Short: "Search what an actor remembers",
		Long:  "Load an actor's saved memory and print the excerpts that text would bring to mind.",
		Example: strings.Join([]string{
			"  dotlore recall Lore quiet river",
			"  dotlore recall Nia --min-relevance 5 garden party",
		}, "\n"),
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			q := memory.Query{
				Text:         strings.Join(args[1:], " "),
				MinRelevance: minRel,
				Filter:       filter,
			}
			return recall(cmd.Context(), cmd.OutOrStdout(), cfg, args[0], q, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum excerpts (default memory.excerpt_limit)")
	cmd.Flags().Float64Var(&minRel, "min-relevance", 0, "Drop memories scoring below this (0-10)")
	cmd.Flags().StringVar(&filter, "filter", "", "Only memories containing this text")
	return cmd
}

func recall(ctx context.Context, out io.Writer, cfg *config.Config, actor string, q memory.Query, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		return fmt.Errorf("no saved state at %s", cfg.DatabasePath())
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rows, deleted, err := store.LoadMemory(ctx, actor)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "%s remembers nothing yet\n", actor)
		return nil
	}

	m := memory.NewStore(memory.Options{
		RecentCapacity: cfg.Memory.RecentCapacity,
		ActiveMax:      cfg.Memory.ActiveMax,
		ExcerptLimit:   cfg.Memory.ExcerptLimit,
		ExcerptMargin:  cfg.Memory.ExcerptMargin,
	})
	m.Load(rows, deleted)

	hits := m.Search(q)
	excerpts := m.Excerpt(hits, nil, limit)
	if len(excerpts) == 0 {
		fmt.Fprintln(out, "Nothing comes to mind.")
		return nil
	}
	for _, ex := range excerpts {
		fmt.Fprintf(out, "%s (%s): %s\n", ex.Author, strings.Join(ex.Clues, ", "), ex.Text)
	}
	return nil
}

func newPulseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pulse [words [lines [stride]]] <seed...>",
		Short: "Generate lines from the learned word chain",
		Long: strings.TrimSpace(`Generate text from the word chain without starting any actor.

Leading integers set the words per line, the line count and the stride.
Inside chat, /pulse also hands the result to every actor.`),
		Example: strings.Join([]string{
			"  dotlore pulse the quiet river",
			"  dotlore pulse 8 3 river",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return pulse(cmd.Context(), cmd.OutOrStdout(), cfg, strings.Join(args, " "))
		},
	}
}

func pulse(ctx context.Context, out io.Writer, cfg *config.Config, msg string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(cfg.DatabasePath()); err != nil {
		return fmt.Errorf("no saved state at %s; teach the chain with `dotlore learn` first", cfg.DatabasePath())
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	model, err := newChain(ctx, cfg, store)
	if err != nil {
		return err
	}

	p := agent.ParsePulse(msg)
	fmt.Fprintln(out, model.Generate(p.Seed, p.Words, p.Lines, p.Stride))
	return nil
}
