package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/distforge/distforge/pkg/cage"
	"github.com/distforge/distforge/pkg/component"
	"github.com/distforge/distforge/pkg/config"
	"github.com/distforge/distforge/pkg/executor"
	"github.com/distforge/distforge/pkg/plugins"
	"github.com/distforge/distforge/pkg/stage"
	"github.com/distforge/distforge/pkg/state"
	"github.com/distforge/distforge/pkg/telemetry"
	"github.com/distforge/distforge/pkg/template"
)

// Scheduler executes a plan stage by stage. Stages serialize globally;
// within a stage, units run on a bounded worker pool. A unit failure
// blocks the tuple's later stages and every dependent component's
// units for the same distribution; independent tuples keep running.
type Scheduler struct {
	cfg     *config.Config
	tracker *state.Tracker
	cages   *cage.Manager
	locks   *state.KeyMutex
	local   executor.Executor
	log     *telemetry.Logger

	// Metrics, Recorder and Gate are optional collaborators, set
	// before Run.
	Metrics  *telemetry.Metrics
	Recorder RunRecorder
	Gate     PublishGate

	mu      sync.RWMutex
	status  map[string]UnitStatus
	results []*UnitResult

	// failed maps "name|distribution" tuples to the stage that failed,
	// for blocked propagation.
	failed map[string]string
}

// NewScheduler creates a scheduler over the loaded configuration, the
// marker tracker and the cage manager.
func NewScheduler(cfg *config.Config, tracker *state.Tracker, cages *cage.Manager, log *telemetry.Logger) (*Scheduler, error) {
	if log == nil {
		log = telemetry.FromContext(context.Background())
	}
	local, err := config.NewExecutor(string(executor.KindLocal), nil, log)
	if err != nil {
		return nil, NewConfigurationError("building local executor", err)
	}
	return &Scheduler{
		cfg:     cfg,
		tracker: tracker,
		cages:   cages,
		locks:   state.NewKeyMutex(),
		local:   local,
		log:     log.NewComponentLogger("scheduler"),
		status:  make(map[string]UnitStatus),
		failed:  make(map[string]string),
	}, nil
}

// runEnv carries the run-wide request ingredients computed once.
type runEnv struct {
	plan     *Plan
	layout   plugins.Layout
	payloads map[string]string
}

// Run executes every unit of the plan and returns the aggregate
// summary. Unit failures live in the summary; the returned error is
// reserved for run-level problems detected before any unit executes.
func (s *Scheduler) Run(ctx context.Context, plan *Plan) (RunSummary, error) {
	if plan == nil || len(plan.Units) == 0 {
		return RunSummary{}, nil
	}

	payloads, err := plugins.DiscoverPayloads(s.cfg.PluginsDirs())
	if err != nil {
		return RunSummary{}, NewConfigurationError("discovering plugin payloads", err)
	}
	env := &runEnv{plan: plan, layout: plugins.LayoutFor(s.cfg), payloads: payloads}

	runID := uuid.New().String()
	ctx = telemetry.WithRunContext(ctx, runID, plan.Command)
	started := time.Now()
	log := s.log.WithRunID(runID)
	log.Infof("run started: %d unit(s)", len(plan.Units))

	s.mu.Lock()
	for _, unit := range plan.Units {
		s.status[unit.ID] = StatusPending
	}
	s.mu.Unlock()

	if s.Metrics != nil {
		s.Metrics.RecordRunStarted(plan.Command)
	}
	if s.Recorder != nil {
		if err := s.Recorder.RunStarted(ctx, runID, plan.Command, len(plan.Units), started); err != nil {
			log.WithError(err).Warn("recording run start failed")
		}
	}

	byStage := make(map[string][]*JobUnit)
	for _, unit := range plan.Units {
		byStage[unit.Stage] = append(byStage[unit.Stage], unit)
	}

	// The chroot pseudo-stage runs before the pipeline proper so
	// prepared caches are visible to prep and build.
	order := append([]string{plugins.StageChroot}, stage.Order...)
	for _, stageName := range order {
		units := byStage[stageName]
		if len(units) == 0 {
			continue
		}
		stageStart := time.Now()
		s.runStage(ctx, runID, env, units)
		if s.Metrics != nil {
			s.Metrics.RecordStageDuration(stageName, time.Since(stageStart))
		}
		if ctx.Err() != nil {
			break
		}
	}
	if ctx.Err() != nil {
		s.cancelRemaining(plan)
	}

	summary := s.summarize(plan)
	if s.Recorder != nil {
		if err := s.Recorder.RunFinished(ctx, runID, summary, time.Now()); err != nil {
			log.WithError(err).Warn("recording run end failed")
		}
	}
	if s.Metrics != nil {
		status := "succeeded"
		if !summary.OK() {
			status = "failed"
		}
		s.Metrics.RecordRunCompleted(status, time.Since(started))
	}
	log.Infof("run finished: %d succeeded, %d skipped, %d failed, %d blocked, %d cancelled",
		summary.Succeeded, summary.Skipped, summary.Failed, summary.Blocked, summary.Cancelled)
	return summary, nil
}

// Results returns the per-unit results collected so far, in completion
// order.
func (s *Scheduler) Results() []*UnitResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*UnitResult{}, s.results...)
}

// runStage drains one stage's units batch by batch along the dependency
// graph, so a dependent component's unit is never in flight while a
// dependency's unit for the same stage still runs. A dependency failure
// is therefore always visible before its dependents are dispatched.
func (s *Scheduler) runStage(ctx context.Context, runID string, env *runEnv, units []*JobUnit) {
	if s.Metrics != nil {
		s.Metrics.SetQueuedUnits(float64(len(units)))
	}
	for _, batch := range stageBatches(env.plan, units) {
		s.runBatch(ctx, runID, env, batch)
	}
	if s.Metrics != nil {
		s.Metrics.SetQueuedUnits(0)
	}
}

// stageBatches groups a stage's units by their component's dependency
// level: level 0 has no dependencies, each later level depends only on
// earlier ones. Units the graph does not cover join the first batch.
// Plan order is preserved within a batch.
func stageBatches(plan *Plan, units []*JobUnit) [][]*JobUnit {
	if plan.Graph == nil {
		return [][]*JobUnit{units}
	}
	levels := plan.Graph.Levels()
	if len(levels) <= 1 {
		return [][]*JobUnit{units}
	}

	levelOf := make(map[string]int, len(units))
	for i, level := range levels {
		for _, name := range level {
			levelOf[name] = i
		}
	}
	grouped := make([][]*JobUnit, len(levels))
	for _, unit := range units {
		i := 0
		if unit.Kind == UnitComponent {
			i = levelOf[unit.Name()]
		}
		grouped[i] = append(grouped[i], unit)
	}

	batches := make([][]*JobUnit, 0, len(grouped))
	for _, batch := range grouped {
		if len(batch) > 0 {
			batches = append(batches, batch)
		}
	}
	return batches
}

// runBatch runs one batch of independent units through a bounded worker
// pool. The queue preserves plan order.
func (s *Scheduler) runBatch(ctx context.Context, runID string, env *runEnv, units []*JobUnit) {
	queue := make(chan *JobUnit, len(units))
	for _, unit := range units {
		queue <- unit
	}
	close(queue)

	workers := s.cfg.Parallelism()
	if len(units) < workers {
		workers = len(units)
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for unit := range queue {
				s.executeUnit(ctx, runID, env, unit)
			}
		}()
	}
	wg.Wait()
}

// executeUnit drives one unit from pending to a terminal status.
func (s *Scheduler) executeUnit(ctx context.Context, runID string, env *runEnv, unit *JobUnit) {
	result := &UnitResult{Unit: unit, Started: time.Now()}

	if ctx.Err() != nil {
		result.Status = StatusCancelled
		result.Finished = time.Now()
		s.finish(ctx, runID, result)
		return
	}
	if reason := s.blockReason(env.plan, unit); reason != "" {
		result.Status = StatusBlocked
		result.Err = NewBlockedError(reason).WithKey(unit.Name(), unit.Distribution.Raw, unit.Stage)
		result.Finished = time.Now()
		s.finish(ctx, runID, result)
		return
	}

	s.setStatus(unit.ID, StatusRunning)
	uctx := telemetry.WithUnitContext(ctx, runID, unit.ID, unit.Name(), unit.Distribution.Raw, unit.Stage)

	status, err := s.process(uctx, env, unit)
	result.Status = status
	result.Err = err
	result.Finished = time.Now()
	s.finish(uctx, runID, result)
}

// finish stores a terminal result and reports it everywhere it needs
// to go.
func (s *Scheduler) finish(ctx context.Context, runID string, result *UnitResult) {
	unit := result.Unit
	s.mu.Lock()
	s.status[unit.ID] = result.Status
	s.results = append(s.results, result)
	if result.Status == StatusFailed {
		s.failed[tupleKey(unit)] = unit.Stage
	}
	s.mu.Unlock()

	log := s.log.WithRunID(runID).WithUnit(unit.Name(), unit.Distribution.Raw, unit.Stage)
	switch result.Status {
	case StatusFailed:
		log.WithError(result.Err).Error("unit failed")
	case StatusBlocked:
		log.Warnf("unit blocked: %v", result.Err)
	case StatusSkipped:
		log.Debug("unit skipped")
	case StatusSucceeded:
		log.Infof("unit succeeded in %s", result.Duration().Round(time.Millisecond))
	}

	family := string(unit.Distribution.Family)
	if s.Metrics != nil {
		s.Metrics.RecordUnitExecution(unit.Stage, string(result.Status), result.Duration(), family)
		if result.Status == StatusFailed {
			s.Metrics.RecordError(string(Classify(result.Err).Class))
		}
	}
	if s.Recorder != nil {
		if err := s.Recorder.UnitFinished(ctx, runID, result); err != nil {
			log.WithError(err).Warn("recording unit result failed")
		}
	}
	telemetry.EndUnitContext(ctx, runID, unit.Name(), unit.Distribution.Raw, unit.Stage,
		family, string(result.Status), result.Err)
}

// blockReason reports why a unit must not run: a failed earlier stage
// of the same tuple, or a failed dependency component for the same
// distribution.
func (s *Scheduler) blockReason(plan *Plan, unit *JobUnit) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if failedStage, ok := s.failed[tupleKey(unit)]; ok {
		return fmt.Sprintf("%s stage failed", failedStage)
	}
	if unit.Kind != UnitComponent || plan.Graph == nil {
		return ""
	}
	for tuple, failedStage := range s.failed {
		name, distribution, ok := strings.Cut(tuple, "|")
		if !ok || distribution != unit.Distribution.Raw {
			continue
		}
		for _, dependent := range plan.Graph.Dependents(name) {
			if dependent == unit.Name() {
				return fmt.Sprintf("dependency %s failed at %s", name, failedStage)
			}
		}
	}
	return ""
}

// process resolves, fingerprints and executes one unit, and records
// its marker. The returned error is already classified and keyed.
func (s *Scheduler) process(ctx context.Context, env *runEnv, unit *JobUnit) (UnitStatus, error) {
	status, err := s.processInner(ctx, env, unit)
	if err != nil {
		return status, Classify(err).WithKey(unit.Name(), unit.Distribution.Raw, unit.Stage)
	}
	return status, nil
}

func (s *Scheduler) processInner(ctx context.Context, env *runEnv, unit *JobUnit) (UnitStatus, error) {
	wasFetched := unit.Component != nil && unit.Component.Fetched()
	req, prior, err := s.buildRequest(env, unit)
	if err != nil {
		return StatusFailed, err
	}

	recipe, err := unit.Handler.Resolve(ctx, req)
	if err != nil {
		return StatusFailed, NewExecutionError("resolving stage recipe", err)
	}
	if recipe.NothingToDo {
		return StatusSkipped, nil
	}

	// Preconditions gate eligibility only for recipes with actual
	// work: a no-op resolution never needs upstream artifacts.
	if err := checkPreconditions(unit, prior); err != nil {
		return StatusFailed, err
	}

	fingerprint, err := s.unitFingerprint(unit, req, recipe, prior)
	if err != nil {
		return StatusFailed, err
	}
	satisfied, err := s.tracker.IsSatisfied(unit.Key, fingerprint)
	if err != nil {
		return StatusFailed, NewExecutionError("checking stage marker", err)
	}
	if satisfied {
		return StatusSkipped, nil
	}

	if unit.Stage == stage.Publish && s.Gate != nil && !env.plan.Unpublish {
		if err := s.gatePublish(ctx, unit, req, prior); err != nil {
			return StatusFailed, err
		}
	}

	if err := s.runRecipe(ctx, unit, recipe); err != nil {
		return StatusFailed, err
	}

	// A first-ever fetch makes the manifest readable; resolve once
	// more so declared external files are downloaded in the same run.
	if unit.Stage == stage.Fetch {
		if err := s.fetchFollowup(ctx, unit, req, wasFetched); err != nil {
			return StatusFailed, err
		}
		fingerprint, err = s.unitFingerprint(unit, req, recipe, prior)
		if err != nil {
			return StatusFailed, err
		}
	}

	outputs, err := collectOutputs(recipe)
	if err != nil {
		return StatusFailed, NewTransferError("listing stage outputs", err)
	}
	marker := state.Marker{Fingerprint: fingerprint, Outputs: outputs}
	if err := s.tracker.Record(unit.Key, marker); err != nil {
		return StatusFailed, NewExecutionError("recording stage marker", err)
	}
	return StatusSucceeded, nil
}

// buildRequest assembles the handler request and reads the tuple's
// prior stage markers.
func (s *Scheduler) buildRequest(env *runEnv, unit *JobUnit) (*plugins.Request, map[string]*state.Marker, error) {
	opts := plugins.OptionsFor(s.cfg, unit.Distribution)
	opts.ExecutorKind = unit.ExecutorKind
	opts.Unpublish = env.plan.Unpublish

	repoKind := "components"
	if unit.Kind == UnitTemplate {
		repoKind = "templates"
	} else if unit.Kind == UnitInstaller {
		repoKind = "iso"
	}
	switch unit.Stage {
	case stage.Publish:
		opts.Repository = env.plan.Repository
		if opts.Repository == "" {
			opts.Repository = s.cfg.RepositoryPublish(repoKind)
		}
	case stage.Upload:
		opts.Repository = env.plan.Repository
		if opts.Repository == "" {
			opts.Repository = s.cfg.RepositoryPublish(repoKind)
		}
		opts.RemoteHost = s.cfg.RepositoryUploadRemoteHost(repoKind)
	case stage.Prep:
		if unit.Kind == UnitTemplate || unit.Kind == UnitInstaller {
			opts.Timestamp = time.Now().UTC().Format(template.TimestampLayout)
		}
	}

	req := &plugins.Request{
		Stage:        unit.Stage,
		Component:    unit.Component,
		Distribution: unit.Distribution,
		Template:     unit.Template,
		Layout:       env.layout,
		Options:      opts,
		Payloads:     env.payloads,
	}

	if unit.Component != nil {
		if unit.Stage == stage.Fetch {
			if unit.Component.Fetched() {
				if err := s.loadManifest(req, unit.Component); err != nil {
					return nil, nil, err
				}
			}
		} else {
			if err := unit.Component.Resolve(); err != nil {
				return nil, nil, NewExecutionError("resolving component version", err)
			}
			if err := s.loadManifest(req, unit.Component); err != nil {
				return nil, nil, err
			}
		}
	}

	prior, err := s.readPrior(unit)
	if err != nil {
		return nil, nil, err
	}
	req.Prior = make(map[string][]string, len(prior))
	for stageName, marker := range prior {
		req.Prior[stageName] = marker.Outputs
	}
	return req, prior, nil
}

// loadManifest reads the component manifest and fills the request's
// parameter sections for the target distribution.
func (s *Scheduler) loadManifest(req *plugins.Request, c *component.Component) error {
	manifest, err := c.Manifest(map[string]string{"@BACKEND_VMM@": req.Options.BackendVMM})
	if err != nil {
		return NewConfigurationError("reading component manifest", err)
	}
	req.SourceSection = manifest.Source()
	if req.Stage != stage.Fetch {
		params, err := manifest.ParametersFor(req.Distribution)
		if err != nil {
			return NewConfigurationError("merging manifest parameters", err)
		}
		req.Parameters = params
	}
	return nil
}

// readPrior loads every existing earlier-stage marker of the unit's
// tuple.
func (s *Scheduler) readPrior(unit *JobUnit) (map[string]*state.Marker, error) {
	prior := make(map[string]*state.Marker)
	for _, stageName := range stage.Order {
		if !stage.Before(stageName, unit.Stage) {
			continue
		}
		key := unit.Key
		key.Stage = stageName
		marker, err := s.tracker.Read(key)
		if err != nil {
			return nil, NewExecutionError(fmt.Sprintf("reading %s marker", stageName), err)
		}
		if marker != nil {
			prior[stageName] = marker
		}
	}
	return prior, nil
}

// checkPreconditions verifies the declared precondition stages left
// markers behind.
func checkPreconditions(unit *JobUnit, prior map[string]*state.Marker) error {
	for _, required := range stage.Preconditions[unit.Stage] {
		if prior[required] == nil {
			return NewExecutionError(
				fmt.Sprintf("stage %s requires a completed %s stage", unit.Stage, required), nil).
				WithCode("missing-precondition")
		}
	}
	return nil
}

// unitFingerprint derives the marker fingerprint: the recipe's own
// inputs, the resolved source state for component units, the effective
// executor configuration, and the fingerprints of every prior marker so
// upstream changes cascade.
func (s *Scheduler) unitFingerprint(unit *JobUnit, req *plugins.Request, recipe *plugins.Recipe, prior map[string]*state.Marker) (string, error) {
	fields := append([]string{}, recipe.Fingerprint...)

	if unit.Component != nil {
		// A scratch instance sidesteps the resolve cache: fetch may
		// have just changed the tree the shared instance already
		// hashed.
		scratch := component.New(unit.Component.Name, unit.Component.SourceDir)
		if scratch.Fetched() {
			if err := scratch.Resolve(); err != nil {
				return "", NewExecutionError("resolving component version", err)
			}
			hash, err := scratch.SourceHash()
			if err != nil {
				return "", NewExecutionError("hashing component source", err)
			}
			fields = append(fields, scratch.Version(), scratch.Release(), hash)
		}
	}

	fields = append(fields, unit.ExecutorConfig)

	stages := make([]string, 0, len(prior))
	for stageName := range prior {
		stages = append(stages, stageName)
	}
	sort.Slice(stages, func(i, j int) bool { return stage.Index(stages[i]) < stage.Index(stages[j]) })
	for _, stageName := range stages {
		fields = append(fields, prior[stageName].Fingerprint)
	}
	return state.Fingerprint(fields...), nil
}

// gatePublish consults the publish gate with the tuple's signing
// evidence. A denial fails the unit before anything executes.
func (s *Scheduler) gatePublish(ctx context.Context, unit *JobUnit, req *plugins.Request, prior map[string]*state.Marker) error {
	evidence := PublishRequest{
		Component:    unit.Name(),
		Distribution: unit.Distribution.Raw,
		PackageSet:   string(unit.Distribution.PackageSet),
		Repository:   req.Options.Repository,
	}
	if signed := prior[stage.Sign]; signed != nil {
		evidence.SignedAt = signed.CompletedAt
		evidence.HasSignedArtifacts = len(signed.Outputs) > 0
	}
	if err := s.Gate.AllowPublish(ctx, evidence); err != nil {
		if s.Metrics != nil {
			s.Metrics.RecordPublishDenial(evidence.Repository)
		}
		return NewExecutionError("publish denied by policy", err).WithCode("policy-denied")
	}
	return nil
}

// runRecipe prepares the host side, serializes on shared resources and
// drives the recipe through a cage.
func (s *Scheduler) runRecipe(ctx context.Context, unit *JobUnit, recipe *plugins.Recipe) error {
	if recipe.Empty() {
		return nil
	}
	if err := prepareHost(recipe); err != nil {
		return NewTransferError("preparing host directories", err)
	}

	shared := append([]string{}, recipe.SharedResources...)
	// Fetch units of the same component across distributions write the
	// same source tree.
	if unit.Stage == stage.Fetch && unit.Component != nil {
		shared = append(shared, unit.Component.SourceDir)
	}
	sort.Strings(shared)
	for _, resource := range shared {
		s.locks.Lock(resource)
	}
	defer func() {
		for i := len(shared) - 1; i >= 0; i-- {
			s.locks.Unlock(shared[i])
		}
	}()

	exec := unit.Executor
	if recipe.LocalOnly {
		exec = s.local
	}
	_, err := s.cages.Execute(ctx, recipe.CageRequest(exec, unit.Timeout))
	return err
}

// fetchFollowup resolves the fetch handler a second time after a
// first-ever clone, so file downloads declared by the newly readable
// manifest happen in the same run.
func (s *Scheduler) fetchFollowup(ctx context.Context, unit *JobUnit, req *plugins.Request, wasFetched bool) error {
	c := unit.Component
	if c == nil || wasFetched || !c.Fetched() {
		return nil
	}
	if err := s.loadManifest(req, c); err != nil {
		return err
	}
	recipe, err := unit.Handler.Resolve(ctx, req)
	if err != nil {
		return NewExecutionError("resolving fetch followup", err)
	}
	if recipe.NothingToDo {
		return nil
	}
	return s.runRecipe(ctx, unit, recipe)
}

// collectOutputs expands the recipe's declared outputs into the marker
// listing. Entries ending in a slash are directories whose regular
// files are recorded with the directory prefix; a missing directory
// records nothing.
func collectOutputs(recipe *plugins.Recipe) ([]string, error) {
	var outputs []string
	for _, declared := range recipe.Outputs {
		if !strings.HasSuffix(declared, "/") {
			outputs = append(outputs, declared)
			continue
		}
		root := filepath.Join(recipe.OutputsDir, filepath.FromSlash(declared))
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			outputs = append(outputs, declared+filepath.ToSlash(rel))
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	sort.Strings(outputs)
	return outputs, nil
}

// prepareHost removes the directories and globs the recipe replaces
// and creates the ones staging needs.
func prepareHost(recipe *plugins.Recipe) error {
	for _, dir := range recipe.CleanDirs {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	for _, pattern := range recipe.CleanGlobs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, match := range matches {
			if err := os.RemoveAll(match); err != nil {
				return err
			}
		}
	}
	for _, dir := range recipe.EnsureDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// cancelRemaining marks every unit still pending as cancelled.
func (s *Scheduler) cancelRemaining(plan *Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, unit := range plan.Units {
		if s.status[unit.ID] == StatusPending {
			s.status[unit.ID] = StatusCancelled
			s.results = append(s.results, &UnitResult{
				Unit:     unit,
				Status:   StatusCancelled,
				Started:  time.Now(),
				Finished: time.Now(),
			})
		}
	}
}

func (s *Scheduler) setStatus(id string, status UnitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = status
}

func (s *Scheduler) summarize(plan *Plan) RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	summary := RunSummary{Total: len(plan.Units)}
	for _, unit := range plan.Units {
		switch s.status[unit.ID] {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusSkipped:
			summary.Skipped++
		case StatusFailed:
			summary.Failed++
		case StatusBlocked:
			summary.Blocked++
		case StatusCancelled:
			summary.Cancelled++
		}
	}
	return summary
}

func tupleKey(unit *JobUnit) string {
	return unit.Name() + "|" + unit.Distribution.Raw
}
