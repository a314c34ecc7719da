package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fablecraft/fable/pkg/config"
	"github.com/fablecraft/fable/pkg/graph"
	"github.com/fablecraft/fable/pkg/llm"
	"github.com/fablecraft/fable/pkg/memory"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "fable",
		Short: "Narrative memory engine: per-character memory, knowledge graph, and budgeted context assembly",
		Long: strings.TrimSpace(`fable keeps long-form episodic stories consistent.

It stores per-character and world memories with semantic recall, tracks
entities and relationships in a knowledge graph, compresses finished
scenes and episodes into hierarchical summaries, and assembles the most
relevant context that fits a token budget for the next generation step.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newRememberCommand())
	root.AddCommand(newRecallCommand())
	root.AddCommand(newContextCommand())
	root.AddCommand(newSceneCommand())
	root.AddCommand(newSummarizeCommand())
	root.AddCommand(newAdvanceEpisodeCommand())
	root.AddCommand(newGraphCommand())
	root.AddCommand(newStatsCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// withService builds the memory service from config, runs fn, and shuts
// the service down cleanly so the graph checkpoint lands on disk.
func withService(fn func(ctx context.Context, svc *memory.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.StandardLogger()
	opts := memory.ServiceOptions{Logger: log}

	if key := cfg.Providers.OpenAI.APIKey; key != "" {
		client, err := llm.NewOpenAIClient(key, cfg.Providers.OpenAI.APIBase,
			cfg.Providers.OpenAI.Model, cfg.Providers.OpenAI.EmbeddingModel)
		if err != nil {
			return err
		}
		opts.Generator = llm.NewRetryingGenerator(client, llm.RetryConfig{}, log)
		opts.Embedder = llm.NewRetryingEmbedder(client, llm.RetryConfig{}, log)
	}

	ctx := context.Background()
	if cfg.Graph.Backend == "neo4j" {
		store, err := graph.NewNeo4jStore(ctx, cfg.Graph.URI, cfg.Graph.Username,
			cfg.Graph.Password, cfg.Graph.Database, cfg.Graph.Decay)
		if err != nil {
			return fmt.Errorf("connect neo4j: %w", err)
		}
		defer store.Close(ctx)
		opts.Graph = store
	}

	svc, err := memory.NewService(serviceConfig(cfg), opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			log.WithError(cerr).Warn("service shutdown")
		}
	}()
	return fn(ctx, svc)
}

func serviceConfig(cfg *config.Config) memory.ServiceConfig {
	return memory.ServiceConfig{
		Workspace:           cfg.WorkspacePath(),
		CompactionThreshold: cfg.Memory.CompactionThreshold,
		CompactionKeep:      cfg.Memory.CompactionKeep,
		DecayHalfLife:       cfg.Memory.DecayHalfLife,
		MaxContextTokens:    cfg.Memory.MaxContextTokens,
		TopKPerEntity:       cfg.Memory.TopKPerEntity,
		GraphHops:           cfg.Graph.MaxHops,
		Weights: memory.ScoreWeights{
			Similarity: cfg.Memory.WeightSimilarity,
			Importance: cfg.Memory.WeightImportance,
			Recency:    cfg.Memory.WeightRecency,
			Centrality: cfg.Memory.WeightCentrality,
		},
		RecencyHalfLife:  cfg.Memory.RecencyHalfLife,
		ScenesPerEpisode: cfg.Story.ScenesPerEpisode,
		CacheTTL:         time.Duration(cfg.Memory.CacheSeconds) * time.Second,
		GraphDecay:       cfg.Graph.Decay,
		WorkerPoll:       time.Duration(cfg.Memory.WorkerPollMS) * time.Millisecond,
		WorkerLease:      time.Duration(cfg.Memory.WorkerLeaseSeconds) * time.Second,
		RetentionCron:    cfg.Memory.RetentionCron,
		PurgeEnabled:     cfg.Memory.PurgeEnabled,
		PurgeHorizon:     time.Duration(cfg.Memory.PurgeHorizonDays) * 24 * time.Hour,
	}
}

func newRememberCommand() *cobra.Command {
	var (
		owner      string
		kind       string
		importance float64
	)

	cmd := &cobra.Command{
		Use:   "remember <text>",
		Short: "Store a memory for a character or the world",
		Args:  cobra.ExactArgs(1),
		Example: strings.Join([]string{
			"  fable remember --owner vikram --kind trait --importance 0.9 \"Vikram never breaks a promise\"",
			"  fable remember --owner world \"The forest shrine burned down\"",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				item, err := svc.Remember(ctx, owner, args[0], memory.MemoryKind(kind), importance)
				if err != nil {
					return err
				}
				fmt.Printf("stored %s (owner=%s kind=%s importance=%.2f)\n",
					item.ID, item.OwnerID, item.Kind, item.Importance)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", memory.WorldOwner, "Owner id (character id or 'world')")
	cmd.Flags().StringVarP(&kind, "kind", "k", string(memory.KindEvent), "Memory kind: trait|event|dialogue|summary")
	cmd.Flags().Float64VarP(&importance, "importance", "i", 0.5, "Importance in [0,1]")
	return cmd
}

func newRecallCommand() *cobra.Command {
	var (
		owner    string
		topK     int
		archived bool
	)

	cmd := &cobra.Command{
		Use:     "recall <query>",
		Short:   "Retrieve an owner's memories most relevant to a query",
		Args:    cobra.ExactArgs(1),
		Example: "  fable recall --owner vikram \"what does he owe the king\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				items, degraded, err := svc.Recall(ctx, owner, args[0], memory.QueryOptions{
					TopK:            topK,
					IncludeArchived: archived,
				})
				if err != nil {
					return err
				}
				if degraded {
					fmt.Fprintln(os.Stderr, "warning: embedding unavailable, results ordered by recency")
				}
				for _, scored := range items {
					fmt.Printf("%.3f  [%s]  %s\n", scored.Similarity, scored.Item.Kind, scored.Item.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&owner, "owner", "o", memory.WorldOwner, "Owner id")
	cmd.Flags().IntVarP(&topK, "top", "n", 8, "Maximum results")
	cmd.Flags().BoolVar(&archived, "archived", false, "Include archived items")
	return cmd
}

func newContextCommand() *cobra.Command {
	var (
		entities []string
		level    string
	)

	cmd := &cobra.Command{
		Use:     "context <query>",
		Short:   "Assemble a token-budgeted context bundle for the next scene",
		Args:    cobra.ExactArgs(1),
		Example: "  fable context --entities vikram,betaal --level scene \"the midnight bargain\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				bundle, err := svc.AssembleContext(ctx, args[0], entities, memory.SummaryLevel(level))
				if err != nil {
					return err
				}
				if bundle.Degraded {
					fmt.Fprintln(os.Stderr, "warning: bundle assembled with one or more sources unavailable")
				}
				fmt.Printf("%d entries, %d tokens\n", len(bundle.Entries), bundle.TokenCount)
				for _, entry := range bundle.Entries {
					fmt.Printf("%.3f  [%s]  %s\n", entry.Score, entry.SourceType, entry.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&entities, "entities", "e", nil, "Entity ids in scope for the scene")
	cmd.Flags().StringVarP(&level, "level", "l", string(memory.LevelScene), "Summary level hint: scene|episode|act")
	return cmd
}

func newSceneCommand() *cobra.Command {
	sceneRoot := &cobra.Command{
		Use:   "scene",
		Short: "Record finished scenes",
	}

	var (
		id           string
		participants []string
		location     string
	)

	record := &cobra.Command{
		Use:     "record <description>",
		Short:   "Record a finished scene: graph updates, memories, queued summary",
		Args:    cobra.ExactArgs(1),
		Example: "  fable scene record --id s3e2 --participants vikram,betaal --location cremation-ground \"Betaal poses the third riddle\"",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(id) == "" {
				return fmt.Errorf("--id is required")
			}
			return withService(func(ctx context.Context, svc *memory.Service) error {
				return svc.RecordScene(ctx, id, args[0], participants, location)
			})
		},
	}
	record.Flags().StringVar(&id, "id", "", "Scene id")
	record.Flags().StringSliceVarP(&participants, "participants", "p", nil, "Participant character ids")
	record.Flags().StringVarP(&location, "location", "l", "", "Location id")
	sceneRoot.AddCommand(record)

	return sceneRoot
}

func newSummarizeCommand() *cobra.Command {
	var (
		level    string
		scope    string
		children []string
	)

	cmd := &cobra.Command{
		Use:     "summarize",
		Short:   "Fold child summaries into the next level up",
		Example: "  fable summarize --level episode --scope ep2 --children s2e1,s2e2,s2e3",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(scope) == "" {
				return fmt.Errorf("--scope is required")
			}
			if len(children) == 0 {
				return fmt.Errorf("--children is required")
			}
			return withService(func(ctx context.Context, svc *memory.Service) error {
				node, err := svc.SummarizeUp(ctx, memory.SummaryLevel(level), scope, children)
				if err != nil {
					return err
				}
				fmt.Printf("summary %s (%d tokens, truncated=%v)\n%s\n", node.ID, node.TokenCount, node.Truncated, node.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&level, "level", "l", string(memory.LevelEpisode), "Target level: episode|act")
	cmd.Flags().StringVarP(&scope, "scope", "s", "", "Scope id of the new summary")
	cmd.Flags().StringSliceVarP(&children, "children", "c", nil, "Child scope ids to fold")
	return cmd
}

func newAdvanceEpisodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "advance-episode",
		Short:   "Close the current episode: decay graph weights and memory importance",
		Example: "  fable advance-episode",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				episode, err := svc.AdvanceEpisode(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("now at episode %d\n", episode)
				return nil
			})
		},
	}
}

func newGraphCommand() *cobra.Command {
	graphRoot := &cobra.Command{
		Use:   "graph",
		Short: "Inspect and edit the knowledge graph",
	}

	var nodeType string
	addNode := &cobra.Command{
		Use:     "add-node <id>",
		Short:   "Create or update a graph entity",
		Args:    cobra.ExactArgs(1),
		Example: "  fable graph add-node betaal --type character",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				return svc.Graph().UpsertNode(ctx, graph.Node{ID: args[0], Type: graph.NodeType(nodeType)})
			})
		},
	}
	addNode.Flags().StringVarP(&nodeType, "type", "t", string(graph.NodeCharacter), "Node type: character|location|event|item|episode|theme")
	graphRoot.AddCommand(addNode)

	var (
		relation string
		weight   float64
	)
	addEdge := &cobra.Command{
		Use:     "add-edge <source> <target>",
		Short:   "Add or strengthen a relationship",
		Args:    cobra.ExactArgs(2),
		Example: "  fable graph add-edge vikram betaal --relation INTERACTS_WITH --weight 1",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				return svc.Graph().UpsertEdge(ctx, args[0], args[1], relation, weight)
			})
		},
	}
	addEdge.Flags().StringVarP(&relation, "relation", "r", graph.RelInteractsWith, "Relation type")
	addEdge.Flags().Float64VarP(&weight, "weight", "w", 1, "Weight delta to add")
	graphRoot.AddCommand(addEdge)

	var hops int
	neighbors := &cobra.Command{
		Use:     "neighbors <id>",
		Short:   "List nodes reachable within N hops, heaviest paths first",
		Args:    cobra.ExactArgs(1),
		Example: "  fable graph neighbors vikram --hops 2",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				out, err := svc.Graph().Neighbors(ctx, args[0], nil, hops)
				if err != nil {
					return err
				}
				for _, n := range out {
					fmt.Printf("%-24s %-10s hops=%d weight=%.3f\n", n.Node.ID, n.Node.Type, n.Hops, n.PathWeight)
				}
				return nil
			})
		},
	}
	neighbors.Flags().IntVar(&hops, "hops", 2, "Maximum hops")
	graphRoot.AddCommand(neighbors)

	var maxHops int
	path := &cobra.Command{
		Use:     "path <source> <target>",
		Short:   "Check whether a directed path exists",
		Args:    cobra.ExactArgs(2),
		Example: "  fable graph path vikram palace",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				ok, err := svc.Graph().PathExists(ctx, args[0], args[1], maxHops)
				if err != nil {
					return err
				}
				fmt.Println(ok)
				return nil
			})
		},
	}
	path.Flags().IntVar(&maxHops, "max-hops", 4, "Maximum hops to search")
	graphRoot.AddCommand(path)

	export := &cobra.Command{
		Use:     "export <file>",
		Short:   "Export the in-memory graph to GraphML",
		Args:    cobra.ExactArgs(1),
		Example: "  fable graph export story.graphml",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				exporter, ok := svc.Graph().(graph.Exporter)
				if !ok {
					return fmt.Errorf("the configured graph backend does not support GraphML export")
				}
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				return exporter.Export(f)
			})
		},
	}
	graphRoot.AddCommand(export)

	return graphRoot
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stats",
		Short:   "Show active memory counts per owner",
		Example: "  fable stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *memory.Service) error {
				stats, err := svc.Stats(ctx)
				if err != nil {
					return err
				}
				owners := make([]string, 0, len(stats))
				for owner := range stats {
					owners = append(owners, owner)
				}
				sort.Strings(owners)
				for _, owner := range owners {
					fmt.Printf("%-24s %d\n", owner, stats[owner])
				}
				return nil
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  fable version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
