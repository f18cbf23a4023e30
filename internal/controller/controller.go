// ============================================================================
// Indexplane 控制平面 - 索引計劃協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 從 metastore 讀取需要索引的 source，把 pipeline 放到存活的節點上，
//       並把每個節點的計劃下發下去
//
// 架構設計:
//   這是整個叢集的"大腦"，負責協調以下組件：
//   - Metastore: source 目錄（要跑哪些 pipeline）
//   - Registry: 節點註冊與 lease（誰還活著、容量多少）
//   - Planner: 計算 PhysicalPlan（哪個 pipeline 跑在哪個節點）
//   - NodeClient: 把計劃送到節點（gRPC 或同進程）
//   - Snapshot: 保存最近一次的計劃，重啟後 pipeline uid 不變
//   - Broker: 把節點心跳帶上來的 shard position 發布出去
//
// 核心循環 (3 個並發 Goroutine):
//   1. Schedule Loop - 每 ScheduleInterval 重建計劃並下發（節點加入或過期時提前觸發）
//   2. Lease Loop - 移除 lease 過期的節點
//   3. Snapshot Loop - 計劃有變化時寫入快照
//
// 下發策略:
//   - 每個節點一個 goroutine，各自帶 ApplyTimeout，慢節點不會拖累其他節點
//   - 成功: 記錄節點已收斂，計劃不變時不再重送
//   - Timeout / Unavailable: 下一輪重試，每個節點用 rate.Limiter 節流
//   - Internal / Unimplemented: 記錄錯誤，直到該節點的任務改變前不再重試
//   - 節點重新註冊（重啟）時清除收斂狀態，重新下發
//
// 並發安全:
//   - mu 保護 plan 與每個節點的下發狀態
//   - Registry 自帶鎖
//   - stopCh + WaitGroup 確保所有循環正確退出
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/indexplane/api/indexingpb"
	"github.com/ChuLiYu/indexplane/internal/eventbus"
	"github.com/ChuLiYu/indexplane/internal/indexing"
	"github.com/ChuLiYu/indexplane/internal/scheduler"
	"github.com/ChuLiYu/indexplane/internal/snapshot"
	"github.com/ChuLiYu/indexplane/pkg/metastore"
	"github.com/ChuLiYu/indexplane/pkg/types"
)

var log = slog.Default().With("component", "controller")

// PlanSnapshotKind 計劃快照的類型標記
const PlanSnapshotKind = "physical_plan"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 控制平面配置
type Config struct {
	ListenAddr       string        `yaml:"listen_addr"`        // gRPC 監聽位址
	ScheduleInterval time.Duration `yaml:"schedule_interval"`  // 重建計劃間隔
	ApplyTimeout     time.Duration `yaml:"apply_timeout"`      // 單一節點下發超時
	NodeLease        time.Duration `yaml:"node_lease"`         // 節點 lease 長度
	RetryRate        float64       `yaml:"retry_rate"`         // 每個節點每秒最多重試次數
	RetryBurst       int           `yaml:"retry_burst"`        // 重試突發量
	MetastorePath    string        `yaml:"metastore_path"`     // source 目錄 YAML
	PlanSnapshotPath string        `yaml:"plan_snapshot_path"` // 計劃快照路徑，空字串表示不保存
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`  // 快照間隔
}

func (c Config) withDefaults() Config {
	if c.ScheduleInterval <= 0 {
		c.ScheduleInterval = 5 * time.Second
	}
	if c.ApplyTimeout <= 0 {
		c.ApplyTimeout = 3 * time.Second
	}
	if c.NodeLease <= 0 {
		c.NodeLease = 10 * time.Second
	}
	if c.RetryRate <= 0 {
		c.RetryRate = 1
	}
	if c.RetryBurst <= 0 {
		c.RetryBurst = 1
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 30 * time.Second
	}
	return c
}

// NodeClient 把計劃送到位於 address 的節點
// 返回的錯誤需能被 indexing.FromError 分類
type NodeClient interface {
	ApplyIndexingPlan(ctx context.Context, address string, req *indexingpb.ApplyIndexingPlanRequest) error
}

// Recorder 接收控制平面的指標
type Recorder interface {
	RecordApplyPlan(rpc string, node types.NodeID, status string, elapsed time.Duration)
	RecordPlan(scheduled, unassigned, overcommitted int)
	SetNodesAlive(n int)
}

// PositionsView 提供 shard 的最新 position，隨計劃一起下發
type PositionsView interface {
	Positions(source types.SourceUID) map[types.ShardID]types.Position
}

// Options 可選依賴
type Options struct {
	Broker    *eventbus.Broker[types.ShardPositionsUpdate] // 心跳帶上來的 position 發布在這裡
	Positions PositionsView                                // 為 nil 時計劃不帶 position
	Recorder  Recorder
	Planner   *scheduler.Planner
}

// applyState 單一節點的下發狀態
type applyState struct {
	applied  []types.IndexingTask // 節點已確認的任務
	acked    bool
	rejected []types.IndexingTask // 節點以不可重試錯誤拒絕的任務
	refused  bool
	lastErr  *indexing.Error
	limiter  *rate.Limiter
}

// Controller 控制平面
type Controller struct {
	cfg       Config
	metastore metastore.Metastore
	clients   NodeClient
	registry  *Registry
	planner   *scheduler.Planner
	broker    *eventbus.Broker[types.ShardPositionsUpdate]
	positions PositionsView
	recorder  Recorder
	snapshots *snapshot.Manager[scheduler.PhysicalPlan]

	mu              sync.Mutex
	plan            *scheduler.PhysicalPlan
	planVersion     uint64
	snapshotVersion uint64
	states          map[types.NodeID]*applyState

	kickCh    chan struct{}
	stopCh    chan struct{}
	cancel    context.CancelFunc
	loopWg    sync.WaitGroup
	started   bool
	stopped   bool
	startTime time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立 Controller
//
// 參數：
//   - cfg: 控制平面配置
//   - store: source 目錄
//   - clients: 節點 client
//   - opts: 可選依賴，Broker 為 nil 時建立一個
func NewController(cfg Config, store metastore.Metastore, clients NodeClient, opts Options) *Controller {
	cfg = cfg.withDefaults()
	if opts.Broker == nil {
		opts.Broker = eventbus.NewBroker[types.ShardPositionsUpdate]("control-plane", 0)
	}
	if opts.Planner == nil {
		opts.Planner = scheduler.NewPlanner()
	}
	c := &Controller{
		cfg:       cfg,
		metastore: store,
		clients:   clients,
		registry:  NewRegistry(cfg.NodeLease),
		planner:   opts.Planner,
		broker:    opts.Broker,
		positions: opts.Positions,
		recorder:  opts.Recorder,
		states:    make(map[types.NodeID]*applyState),
		kickCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
	if cfg.PlanSnapshotPath != "" {
		c.snapshots = snapshot.NewManager[scheduler.PhysicalPlan](cfg.PlanSnapshotPath, PlanSnapshotKind)
	}
	return c
}

// Registry 返回節點註冊表
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Broker 返回 shard position 的 event broker
func (c *Controller) Broker() *eventbus.Broker[types.ShardPositionsUpdate] {
	return c.broker
}

// Start 載入計劃快照並啟動三個核心循環
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("controller already started")
	}
	c.started = true
	c.startTime = time.Now()
	c.mu.Unlock()

	if err := c.loadSnapshot(); err != nil {
		return fmt.Errorf("loadSnapshot failed: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.loopWg.Add(2)
	go c.scheduleLoop(ctx)
	go c.leaseLoop()
	if c.snapshots != nil {
		c.loopWg.Add(1)
		go c.snapshotLoop()
	}

	log.Info("Controller started",
		"schedule_interval", c.cfg.ScheduleInterval,
		"apply_timeout", c.cfg.ApplyTimeout,
		"node_lease", c.cfg.NodeLease)
	return nil
}

// loadSnapshot 恢復上一次的計劃，讓重啟後 pipeline 維持原本的 uid 與位置
func (c *Controller) loadSnapshot() error {
	if c.snapshots == nil {
		return nil
	}
	plan, found, err := c.snapshots.Load()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	c.mu.Lock()
	c.plan = &plan
	c.mu.Unlock()

	log.Info("Plan snapshot loaded", "pipelines", plan.NumPipelines(), "nodes", len(plan.Tasks))
	return nil
}

// ============================================================================
// 節點端點（node.ControlPlaneClient）
// ============================================================================

// RegisterNode 註冊節點。重新註冊代表節點重啟，計劃會重新下發
func (c *Controller) RegisterNode(_ context.Context, req *indexingpb.RegisterNodeRequest) error {
	if req.NodeID == "" {
		return indexing.NewInternal("node id is required")
	}
	isNew := c.registry.Register(req)

	c.mu.Lock()
	delete(c.states, req.NodeID)
	c.mu.Unlock()

	log.Info("Node registered",
		"node_id", req.NodeID,
		"address", req.Address,
		"capacity", req.Capacity,
		"new", isNew)
	if c.recorder != nil {
		c.recorder.SetNodesAlive(c.registry.Len())
	}
	c.kick()
	return nil
}

// Heartbeat 更新節點 lease，並發布節點觀察到的 shard position
func (c *Controller) Heartbeat(_ context.Context, req *indexingpb.HeartbeatRequest) (*indexingpb.HeartbeatResponse, error) {
	known := c.registry.Heartbeat(req)
	for _, update := range req.Positions {
		if len(update.UpdatedShardPositions) > 0 {
			c.broker.Publish(update)
		}
	}
	if !known {
		log.Warn("Heartbeat from unknown node", "node_id", req.NodeID)
	}
	return &indexingpb.HeartbeatResponse{Known: known}, nil
}

// ============================================================================
// 排程
// ============================================================================

// Schedule 重建計劃並下發到所有存活節點，等待所有下發完成
// metastore 或 planner 失敗時沿用上一份計劃，並返回錯誤
func (c *Controller) Schedule(ctx context.Context) error {
	plan, buildErr := c.rebuildPlan(ctx)
	if buildErr != nil {
		log.Error("Failed to rebuild plan, keeping previous plan", "error", buildErr)
	}
	if plan != nil {
		c.applyPlan(ctx, *plan)
	}
	if buildErr != nil {
		return buildErr
	}
	return nil
}

// rebuildPlan 返回新的計劃；失敗時返回上一份計劃（可能為 nil）與錯誤
func (c *Controller) rebuildPlan(ctx context.Context) (*scheduler.PhysicalPlan, *indexing.Error) {
	c.mu.Lock()
	previous := c.plan
	c.mu.Unlock()

	configs, err := c.metastore.ListIndexingSources(ctx)
	if err != nil {
		return previous, indexing.FromError(err)
	}

	sources := scheduler.EstimateLoads(scheduler.SourcesFromConfigs(configs), c.registry.MeasuredMetrics())
	plan, err := c.planner.Build(sources, c.registry.NodeSpecs(), previous)
	if err != nil {
		return previous, indexing.NewInternal(fmt.Sprintf("failed to build physical plan: %v", err))
	}

	if previous != nil {
		changed := 0
		for node, diff := range scheduler.DiffPlans(*previous, plan) {
			if diff.Empty() {
				continue
			}
			changed++
			log.Debug("Node plan changed",
				"node_id", node,
				"to_start", len(diff.ToStart),
				"to_stop", len(diff.ToStop),
				"unchanged", len(diff.Unchanged))
		}
		if changed > 0 {
			log.Info("Physical plan changed", "nodes_changed", changed, "pipelines", plan.NumPipelines())
		}
	}
	if len(plan.Unassigned) > 0 {
		log.Warn("Pipelines left unassigned", "count", len(plan.Unassigned))
	}
	for _, node := range plan.Overcommitted {
		log.Warn("Node overcommitted", "node_id", node, "load", plan.Load(node))
	}

	c.mu.Lock()
	c.plan = &plan
	c.planVersion++
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.RecordPlan(plan.NumPipelines(), len(plan.Unassigned), len(plan.Overcommitted))
	}
	return &plan, nil
}

// applyPlan 對每個需要更新的節點並行下發計劃
func (c *Controller) applyPlan(ctx context.Context, plan scheduler.PhysicalPlan) {
	var wg sync.WaitGroup
	for _, node := range c.registry.Nodes() {
		desired := plan.TasksFor(node.NodeID)
		if !c.shouldApply(node.NodeID, desired) {
			continue
		}
		wg.Add(1)
		go func(node NodeInfo, desired []types.IndexingTask) {
			defer wg.Done()
			c.applyNode(ctx, node, desired)
		}(node, desired)
	}
	wg.Wait()
}

// shardPositions 收集 tasks 涉及的 source 的 position，節點從這裡恢復
func (c *Controller) shardPositions(tasks []types.IndexingTask) []types.ShardPositionsUpdate {
	if c.positions == nil {
		return nil
	}
	var updates []types.ShardPositionsUpdate
	seen := make(map[types.SourceUID]bool)
	for _, task := range tasks {
		source := task.SourceUID()
		if seen[source] {
			continue
		}
		seen[source] = true

		shards := c.positions.Positions(source)
		if len(shards) == 0 {
			continue
		}
		update := types.ShardPositionsUpdate{SourceUID: source}
		for shard, position := range shards {
			update.UpdatedShardPositions = append(update.UpdatedShardPositions, types.ShardPosition{ShardID: shard, Position: position})
		}
		sort.Slice(update.UpdatedShardPositions, func(i, j int) bool {
			return update.UpdatedShardPositions[i].ShardID < update.UpdatedShardPositions[j].ShardID
		})
		updates = append(updates, update)
	}
	return updates
}

// shouldApply 根據節點上次下發的結果決定是否要送出 desired
func (c *Controller) shouldApply(node types.NodeID, desired []types.IndexingTask) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[node]
	if !ok {
		return true
	}
	if st.acked && scheduler.SameTasks(st.applied, desired) {
		return false
	}
	if st.refused && scheduler.SameTasks(st.rejected, desired) {
		return false
	}
	if st.lastErr != nil && indexing.Retryable(st.lastErr) {
		return st.limiter.Allow()
	}
	return true
}

func (c *Controller) applyNode(ctx context.Context, node NodeInfo, desired []types.IndexingTask) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ApplyTimeout)
	defer cancel()

	start := time.Now()
	applyErr := indexing.FromError(c.clients.ApplyIndexingPlan(ctx, node.Address, &indexingpb.ApplyIndexingPlanRequest{
		NodeID:         node.NodeID,
		Tasks:          desired,
		ShardPositions: c.shardPositions(desired),
	}))
	elapsed := time.Since(start)

	status := "ok"
	if applyErr != nil {
		status = applyErr.ErrorCode().String()
	}
	if c.recorder != nil {
		c.recorder.RecordApplyPlan(indexingpb.ApplyIndexingPlanRPCName, node.NodeID, status, elapsed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[node.NodeID]
	if !ok {
		st = &applyState{limiter: rate.NewLimiter(rate.Limit(c.cfg.RetryRate), c.cfg.RetryBurst)}
		c.states[node.NodeID] = st
	}

	switch {
	case applyErr == nil:
		st.applied = desired
		st.acked = true
		st.rejected, st.refused = nil, false
		st.lastErr = nil
		log.Info("Indexing plan applied", "node_id", node.NodeID, "pipelines", len(desired), "duration", elapsed)
	case indexing.Retryable(applyErr):
		st.acked = false
		st.lastErr = applyErr
		log.Warn("Indexing plan not applied, will retry", "node_id", node.NodeID, "error", applyErr)
	default:
		st.acked = false
		st.rejected, st.refused = desired, true
		st.lastErr = applyErr
		log.Error("Indexing plan rejected by node", "node_id", node.NodeID, "error", applyErr)
	}
}

// kick 提前觸發一輪排程
func (c *Controller) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

// ============================================================================
// 三個核心循環
// ============================================================================

// scheduleLoop 定期重建並下發計劃
func (c *Controller) scheduleLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Schedule loop stopped")
			return
		case <-ticker.C:
		case <-c.kickCh:
		}
		// Schedule 已記錄錯誤
		_ = c.Schedule(ctx)
	}
}

// leaseLoop 移除 lease 過期的節點
func (c *Controller) leaseLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.NodeLease / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Lease loop stopped")
			return
		case <-ticker.C:
			c.expireNodes()
		}
	}
}

func (c *Controller) expireNodes() []types.NodeID {
	expired := c.registry.Expire()
	if len(expired) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, node := range expired {
		delete(c.states, node)
	}
	c.mu.Unlock()

	log.Warn("Node leases expired", "nodes", expired)
	if c.recorder != nil {
		c.recorder.SetNodesAlive(c.registry.Len())
	}
	c.kick()
	return expired
}

// snapshotLoop 計劃有變化時寫入快照
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				log.Error("Failed to take plan snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 寫入目前的計劃；計劃未變化時不寫
func (c *Controller) takeSnapshot() error {
	if c.snapshots == nil {
		return nil
	}

	c.mu.Lock()
	if c.plan == nil || c.planVersion == c.snapshotVersion {
		c.mu.Unlock()
		return nil
	}
	plan := c.plan.Clone()
	version := c.planVersion
	c.mu.Unlock()

	if err := c.snapshots.Write(plan); err != nil {
		return fmt.Errorf("failed to write plan snapshot: %w", err)
	}

	c.mu.Lock()
	c.snapshotVersion = version
	c.mu.Unlock()

	log.Debug("Plan snapshot taken", "pipelines", plan.NumPipelines())
	return nil
}

// ============================================================================
// 公開方法
// ============================================================================

// Plan 返回目前計劃的副本
func (c *Controller) Plan() scheduler.PhysicalPlan {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return scheduler.NewPhysicalPlan()
	}
	return c.plan.Clone()
}

// Status 取得控制平面狀態
func (c *Controller) Status() map[string]interface{} {
	nodes := c.registry.Nodes()

	c.mu.Lock()
	defer c.mu.Unlock()

	plan := scheduler.NewPhysicalPlan()
	if c.plan != nil {
		plan = *c.plan
	}

	nodeStatus := make([]map[string]interface{}, 0, len(nodes))
	for _, node := range nodes {
		entry := map[string]interface{}{
			"node_id":           node.NodeID,
			"address":           node.Address,
			"cpu_capacity":      node.Capacity.String(),
			"planned_load":      plan.Load(node.NodeID).String(),
			"planned_pipelines": len(plan.Tasks[node.NodeID]),
			"running_pipelines": len(node.Pipelines),
			"converged":         false,
			"last_seen":         node.LastSeen,
		}
		if st, ok := c.states[node.NodeID]; ok {
			entry["converged"] = st.acked && scheduler.SameTasks(st.applied, plan.Tasks[node.NodeID])
			if st.lastErr != nil {
				entry["last_error"] = st.lastErr.Error()
			}
		}
		nodeStatus = append(nodeStatus, entry)
	}

	uptime := time.Duration(0)
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	return map[string]interface{}{
		"uptime":        uptime.String(),
		"nodes_alive":   len(nodes),
		"pipelines":     plan.NumPipelines(),
		"unassigned":    len(plan.Unassigned),
		"overcommitted": plan.Overcommitted,
		"nodes":         nodeStatus,
	}
}

// Stop 停止所有循環並保存最後一次計劃
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	if !started {
		return
	}

	log.Info("Stopping controller...")

	// 1. 通知循環停止，取消進行中的下發
	close(c.stopCh)
	if c.cancel != nil {
		c.cancel()
	}

	// 2. 等待所有循環退出
	c.loopWg.Wait()

	// 3. 最後一次快照
	if err := c.takeSnapshot(); err != nil {
		log.Error("Failed to take final plan snapshot", "error", err)
	}

	log.Info("Controller stopped")
}
