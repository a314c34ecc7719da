package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/sirupsen/logrus"

	"github.com/fablecraft/fable/pkg/graph"
	"github.com/fablecraft/fable/pkg/llm"
)

// ServiceConfig carries the knobs for the whole memory subsystem.
type ServiceConfig struct {
	Workspace string

	CompactionThreshold int
	CompactionKeep      int
	DecayHalfLife       float64
	RefreshBoost        float64

	MaxContextTokens int
	TopKPerEntity    int
	GraphHops        int
	Weights          ScoreWeights
	RecencyHalfLife  float64
	ScenesPerEpisode int
	CacheSize        int
	CacheTTL         time.Duration

	GraphDecay float64

	SummaryTargets map[SummaryLevel]int
	SummaryCaps    map[SummaryLevel]int

	WorkerPoll  time.Duration
	WorkerLease time.Duration

	// RetentionCron schedules archived-item purges; retention is off
	// until PurgeEnabled is set.
	RetentionCron string
	PurgeEnabled  bool
	PurgeHorizon  time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 4096
	}
	if c.WorkerPoll <= 0 {
		c.WorkerPoll = 2 * time.Second
	}
	if c.WorkerLease <= 0 {
		c.WorkerLease = time.Minute
	}
	if c.RetentionCron == "" {
		c.RetentionCron = "0 4 * * *"
	}
	if c.PurgeHorizon <= 0 {
		c.PurgeHorizon = 90 * 24 * time.Hour
	}
	return c
}

// ServiceOptions are the injectable collaborators. Every field is
// optional: nil embedder falls back to the local chargram embedder, nil
// generator disables compression (concat summaries only), nil graph
// store selects the in-memory graph with a GraphML checkpoint.
type ServiceOptions struct {
	Embedder  Embedder
	Generator llm.TextGenerator
	Graph     graph.Store
	Logger    logrus.FieldLogger
}

// Service wires the vector index, knowledge graph, summarizer, context
// optimizer and character manager together over one SQLite state
// directory, and runs the durable background job worker.
type Service struct {
	cfg ServiceConfig
	log logrus.FieldLogger

	store      Store
	graph      graph.Store
	graphMem   *graph.Graph
	index      *VectorIndex
	summarizer *Summarizer
	characters *CharacterManager
	optimizer  *Optimizer

	episode int
	scene   int
	mu      sync.Mutex

	cron      *gronx.Gronx
	lastSweep time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewService opens (or creates) the workspace state and starts the
// background worker.
func NewService(cfg ServiceConfig, opts ServiceOptions) (*Service, error) {
	cfg = cfg.withDefaults()
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	stateDir := filepath.Join(cfg.Workspace, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	store, err := NewSQLiteStore(filepath.Join(stateDir, "memory.db"))
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:   cfg,
		log:   log,
		store: store,
		cron:  gronx.New(),
		stop:  make(chan struct{}),
	}

	svc.graph = opts.Graph
	if svc.graph == nil {
		g, err := loadGraphCheckpoint(svc.graphPath(), cfg.GraphDecay)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		svc.graphMem = g
		svc.graph = g
	}

	svc.index = NewVectorIndex(store, opts.Embedder)
	svc.summarizer = NewSummarizer(store, opts.Generator, SummarizerConfig{
		Targets: cfg.SummaryTargets,
		Caps:    cfg.SummaryCaps,
	}, log)
	svc.characters = NewCharacterManager(store, svc.index, svc.summarizer, ManagerConfig{
		CompactionThreshold: cfg.CompactionThreshold,
		CompactionKeep:      cfg.CompactionKeep,
		DecayHalfLife:       cfg.DecayHalfLife,
		RefreshBoost:        cfg.RefreshBoost,
	}, log)
	svc.optimizer = NewOptimizer(svc.index, svc.graph, store, OptimizerConfig{
		Weights:          cfg.Weights,
		TopKPerEntity:    cfg.TopKPerEntity,
		GraphHops:        cfg.GraphHops,
		RecencyHalfLife:  cfg.RecencyHalfLife,
		ScenesPerEpisode: cfg.ScenesPerEpisode,
		CacheSize:        cfg.CacheSize,
		CacheTTL:         cfg.CacheTTL,
	}, log)

	if episode, err := svc.graph.Episode(context.Background()); err == nil {
		svc.episode = episode
	}

	svc.wg.Add(1)
	go svc.worker()
	return svc, nil
}

func (s *Service) graphPath() string {
	return filepath.Join(s.cfg.Workspace, "state", "graph.graphml")
}

func loadGraphCheckpoint(path string, decay float64) (*graph.Graph, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return graph.NewGraph(decay), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open graph checkpoint: %w", err)
	}
	defer f.Close()
	g, err := graph.Load(f, decay)
	if err != nil {
		return nil, fmt.Errorf("load graph checkpoint: %w", err)
	}
	return g, nil
}

// CheckpointGraph writes the in-memory graph to its GraphML checkpoint
// atomically. It is a no-op when an external graph backend is in use.
func (s *Service) CheckpointGraph() error {
	if s.graphMem == nil {
		return nil
	}
	path := s.graphPath()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("checkpoint graph: %w", err)
	}
	if err := s.graphMem.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint graph: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("checkpoint graph: %w", err)
	}
	return os.Rename(tmp, path)
}

// Graph exposes the knowledge-graph backend for direct entity and
// relationship edits.
func (s *Service) Graph() graph.Store { return s.graph }

// Characters exposes the per-character memory manager.
func (s *Service) Characters() *CharacterManager { return s.characters }

// Summarizer exposes the hierarchical summarizer.
func (s *Service) Summarizer() *Summarizer { return s.summarizer }

// Position returns the current narrative position.
func (s *Service) Position() (episode, scene int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.episode, s.scene
}

// Remember stores a memory at the current narrative position and queues
// compaction when the owner's stream has grown past the threshold.
func (s *Service) Remember(ctx context.Context, ownerID, text string, kind MemoryKind, importance float64) (MemoryItem, error) {
	episode, scene := s.Position()
	item, err := s.characters.Remember(ctx, ownerID, text, kind, importance, episode, scene)
	if err != nil {
		return MemoryItem{}, err
	}
	s.optimizer.Invalidate()

	due, err := s.characters.NeedsCompaction(ctx, ownerID)
	if err != nil {
		s.log.WithError(err).WithField("owner", ownerID).Warn("compaction check failed")
		return item, nil
	}
	if due {
		if err := s.store.EnqueueJob(ctx, Job{
			ID:      "compact-" + ownerID,
			JobType: JobCompact,
			OwnerID: ownerID,
		}); err != nil {
			s.log.WithError(err).WithField("owner", ownerID).Warn("enqueue compaction failed")
		}
	}
	return item, nil
}

// Recall retrieves an owner's memories relevant to the query, degrading
// to recency order when embedding is unavailable.
func (s *Service) Recall(ctx context.Context, ownerID, query string, opts QueryOptions) ([]ScoredItem, bool, error) {
	return s.characters.Recall(ctx, ownerID, query, opts)
}

// AssembleContext builds a token-budgeted context bundle for the next
// generation step at the current narrative position.
func (s *Service) AssembleContext(ctx context.Context, query string, entities []string, levelHint SummaryLevel) (ContextBundle, error) {
	episode, scene := s.Position()
	return s.optimizer.Assemble(ctx, ContextRequest{
		Query:     query,
		Entities:  entities,
		Budget:    DeriveContextBudget(s.cfg.MaxContextTokens),
		LevelHint: levelHint,
		Episode:   episode,
		Scene:     scene,
	})
}

// RecordScene registers a finished scene: graph nodes and edges for the
// participants, an event memory per participant, a world memory, and a
// queued scene summary over the new items.
func (s *Service) RecordScene(ctx context.Context, sceneID, description string, participants []string, locationID string) error {
	s.mu.Lock()
	s.scene++
	s.mu.Unlock()

	if err := s.graph.UpsertNode(ctx, graph.Node{ID: sceneID, Type: graph.NodeEvent}); err != nil {
		return err
	}
	for i, p := range participants {
		if err := s.graph.UpsertNode(ctx, graph.Node{ID: p, Type: graph.NodeCharacter}); err != nil {
			return err
		}
		if err := s.graph.UpsertEdge(ctx, sceneID, p, graph.RelAffects, 1); err != nil {
			return err
		}
		for _, other := range participants[i+1:] {
			if err := s.graph.UpsertEdge(ctx, p, other, graph.RelInteractsWith, 1); err != nil {
				return err
			}
			if err := s.graph.UpsertEdge(ctx, other, p, graph.RelInteractsWith, 1); err != nil {
				return err
			}
		}
	}
	if locationID != "" {
		if err := s.graph.UpsertNode(ctx, graph.Node{ID: locationID, Type: graph.NodeLocation}); err != nil {
			return err
		}
		if err := s.graph.UpsertEdge(ctx, sceneID, locationID, graph.RelLocatedIn, 1); err != nil {
			return err
		}
	}

	itemIDs := make([]string, 0, len(participants)+1)
	worldItem, err := s.Remember(ctx, WorldOwner, description, KindEvent, 0.6)
	if err != nil {
		return err
	}
	itemIDs = append(itemIDs, worldItem.ID)
	for _, p := range participants {
		item, err := s.Remember(ctx, p, description, KindEvent, 0.5)
		if err != nil {
			return err
		}
		itemIDs = append(itemIDs, item.ID)
	}

	return s.store.EnqueueJob(ctx, Job{
		JobType: JobSummarize,
		Payload: map[string]string{
			"level":      string(LevelScene),
			"scope":      sceneID,
			"source_ids": strings.Join(itemIDs, ","),
		},
	})
}

// SummarizeUp folds the active summaries of the child scopes into a new
// summary one level up, e.g. an episode summary over its scene scopes.
func (s *Service) SummarizeUp(ctx context.Context, level SummaryLevel, scopeID string, childScopes []string) (SummaryNode, error) {
	childLevel := ""
	switch level {
	case LevelEpisode:
		childLevel = string(LevelScene)
	case LevelAct:
		childLevel = string(LevelEpisode)
	default:
		return SummaryNode{}, fmt.Errorf("summarize up: %s has no child level", level)
	}
	sources := make([]SourceUnit, 0, len(childScopes))
	for _, scope := range childScopes {
		node, found, err := s.store.ActiveSummary(ctx, SummaryLevel(childLevel), scope)
		if err != nil {
			return SummaryNode{}, err
		}
		if !found {
			continue
		}
		sources = append(sources, SourceUnit{ID: node.ID, Text: node.Text, TokenCount: node.TokenCount})
	}
	if len(sources) == 0 {
		return SummaryNode{}, fmt.Errorf("summarize up %s/%s: no active child summaries", level, scopeID)
	}
	node, err := s.summarizer.Summarize(ctx, level, scopeID, sources)
	if err == nil {
		s.optimizer.Invalidate()
	}
	return node, err
}

// AdvanceEpisode decays graph edge weights, moves the narrative clock,
// and queues an importance-decay pass for every known owner.
func (s *Service) AdvanceEpisode(ctx context.Context) (int, error) {
	episode, err := s.graph.AdvanceEpisode(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.episode = episode
	s.scene = 0
	s.mu.Unlock()
	s.optimizer.Invalidate()

	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return episode, err
	}
	scenes := s.cfg.ScenesPerEpisode
	if scenes <= 0 {
		scenes = 4
	}
	for _, owner := range owners {
		if err := s.store.EnqueueJob(ctx, Job{
			JobType: JobDecay,
			OwnerID: owner,
			Payload: map[string]string{"distance": fmt.Sprintf("%d", scenes)},
		}); err != nil {
			s.log.WithError(err).WithField("owner", owner).Warn("enqueue decay failed")
		}
	}
	return episode, nil
}

// Stats reports active counts per owner for operator visibility.
func (s *Service) Stats(ctx context.Context) (map[string]int, error) {
	owners, err := s.store.ListOwners(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(owners))
	for _, owner := range owners {
		n, err := s.store.CountActive(ctx, owner)
		if err != nil {
			return nil, err
		}
		out[owner] = n
	}
	return out, nil
}

// Close stops the worker, checkpoints the graph and closes the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		if err := s.CheckpointGraph(); err != nil {
			s.closeErr = err
		}
		if err := s.store.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// worker drains the durable job queue, requeues expired leases, and
// fires the retention sweep on its cron schedule.
func (s *Service) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WorkerLease)
		s.tick(ctx)
		cancel()
	}
}

func (s *Service) tick(ctx context.Context) {
	now := time.Now()
	if err := s.store.RequeueExpiredJobs(ctx, now.UnixMilli()); err != nil {
		s.log.WithError(err).Warn("requeue expired jobs failed")
	}
	s.maybeSweep(ctx, now)

	for {
		job, ok, err := s.store.ClaimNextJob(ctx, time.Now().UnixMilli(), s.cfg.WorkerLease.Milliseconds())
		if err != nil {
			s.log.WithError(err).Warn("claim job failed")
			return
		}
		if !ok {
			return
		}
		if err := s.handleJob(ctx, job); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"job":  job.ID,
				"type": job.JobType,
			}).Warn("job failed")
			if ferr := s.store.FailJob(ctx, job.ID, err.Error()); ferr != nil {
				s.log.WithError(ferr).Warn("mark job failed")
			}
			continue
		}
		if err := s.store.CompleteJob(ctx, job.ID); err != nil {
			s.log.WithError(err).Warn("mark job completed")
		}
	}
}

// maybeSweep runs the retention purge when the cron expression is due,
// at most once per due minute.
func (s *Service) maybeSweep(ctx context.Context, now time.Time) {
	if !s.cfg.PurgeEnabled {
		return
	}
	if now.Truncate(time.Minute).Equal(s.lastSweep) {
		return
	}
	due, err := s.cron.IsDue(s.cfg.RetentionCron, now)
	if err != nil {
		s.log.WithError(err).Warn("retention cron invalid")
		return
	}
	if !due {
		return
	}
	s.lastSweep = now.Truncate(time.Minute)
	cutoff := now.Add(-s.cfg.PurgeHorizon).UnixMilli()
	purged, err := s.store.PurgeArchivedBefore(ctx, cutoff)
	if err != nil {
		s.log.WithError(err).Warn("retention purge failed")
		return
	}
	if purged > 0 {
		s.log.WithField("purged", purged).Info("retention purge complete")
		_ = s.store.AddMetric(ctx, "memory.purged", float64(purged), nil)
	}
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobCompact:
		err := s.characters.Compact(ctx, job.OwnerID)
		if err == nil {
			s.optimizer.Invalidate()
		}
		return err
	case JobSummarize:
		return s.handleSummarizeJob(ctx, job)
	case JobDecay:
		distance := 1.0
		if raw := job.Payload["distance"]; raw != "" {
			fmt.Sscanf(raw, "%f", &distance)
		}
		return s.characters.Decay(ctx, job.OwnerID, distance)
	case JobRetention:
		cutoff := time.Now().Add(-s.cfg.PurgeHorizon).UnixMilli()
		_, err := s.store.PurgeArchivedBefore(ctx, cutoff)
		return err
	default:
		return fmt.Errorf("unknown job type %q", job.JobType)
	}
}

func (s *Service) handleSummarizeJob(ctx context.Context, job Job) error {
	level := SummaryLevel(job.Payload["level"])
	scope := job.Payload["scope"]
	if level == "" || scope == "" {
		return fmt.Errorf("summarize job %s: missing level or scope", job.ID)
	}
	ids := strings.Split(job.Payload["source_ids"], ",")
	sources := make([]SourceUnit, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		item, err := s.store.GetMemoryItem(ctx, id)
		if err != nil {
			return err
		}
		sources = append(sources, SourceUnit{ID: item.ID, Text: item.Text, TokenCount: item.TokenCount})
	}
	if len(sources) == 0 {
		return fmt.Errorf("summarize job %s: no sources", job.ID)
	}
	_, err := s.summarizer.Summarize(ctx, level, scope, sources)
	if err == nil {
		s.optimizer.Invalidate()
	}
	return err
}
