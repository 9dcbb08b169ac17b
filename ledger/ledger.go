package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/lock"
	"stockarena/logger"
)

var (
	// ErrModelNotFound 模型不存在
	ErrModelNotFound = errors.New("模型不存在")
	// ErrInvariantViolation 账本不变量被破坏（程序错误，不是业务拒单）
	ErrInvariantViolation = errors.New("账本不变量被破坏")
)

const defaultLockTTL = 30 * time.Second

// Snapshot 某一提交点上的账户一致性视图
type Snapshot struct {
	Model     *database.Model
	Cash      decimal.Decimal
	Positions []*database.Position

	// 与现金、持仓在同一事务内汇总
	RealizedPnL decimal.Decimal
	TakenAt     time.Time
}

// Position 按代码查找持仓，不存在返回 nil
func (s *Snapshot) Position(symbol string) *database.Position {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p
		}
	}
	return nil
}

// Reader 只读账本接口（展示层使用）
type Reader interface {
	Snapshot(ctx context.Context, modelID int64) (*Snapshot, error)
	Model(ctx context.Context, modelID int64) (*database.Model, error)
	Models(ctx context.Context) ([]*database.Model, error)
	Trades(ctx context.Context, filter *database.TradeFilter) ([]*database.TradeRecord, error)
	RealizedPnL(ctx context.Context, modelID int64) (decimal.Decimal, error)
	// Equity 返回权益快照（正序），modelID 为 0 时返回全部模型
	Equity(ctx context.Context, modelID int64, limit int) ([]*database.EquitySnapshot, error)
	Conversations(ctx context.Context, modelID int64, limit int) ([]*database.Conversation, error)
}

// Ledger 持仓账本
type Ledger struct {
	db      database.Database
	writers *lock.Layered
	lockTTL time.Duration
	now     func() time.Time
}

// New 创建账本，dist 为 nil 时只使用进程内锁
func New(db database.Database, dist lock.DistributedLock) *Ledger {
	return &Ledger{
		db:      db,
		writers: lock.NewLayered(dist),
		lockTTL: defaultLockTTL,
		now:     time.Now,
	}
}

// SetLockTTL 写入锁在外部锁服务上的过期时间
func (l *Ledger) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		l.lockTTL = ttl
	}
}

// SetClock 替换时钟（模拟盘与测试）
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

func (l *Ledger) timestamp() time.Time {
	return l.now().UTC()
}

func wrapModelErr(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrModelNotFound
	}
	return err
}

// Snapshot 在一个事务内读取模型、现金与持仓
func (l *Ledger) Snapshot(ctx context.Context, modelID int64) (*Snapshot, error) {
	var snap *Snapshot
	err := l.db.Transaction(ctx, func(tx database.Database) error {
		s, err := readSnapshot(ctx, tx, modelID)
		snap = s
		return err
	})
	if err != nil {
		return nil, err
	}
	snap.TakenAt = l.now()
	return snap, nil
}

func readSnapshot(ctx context.Context, tx database.Database, modelID int64) (*Snapshot, error) {
	model, err := tx.GetModel(ctx, modelID)
	if err != nil {
		return nil, wrapModelErr(err)
	}
	positions, err := tx.GetPositions(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("读取持仓失败: %w", err)
	}
	realized, err := tx.SumRealizedPnL(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("统计已实现盈亏失败: %w", err)
	}
	return &Snapshot{Model: model, Cash: model.Cash, Positions: positions, RealizedPnL: realized}, nil
}

// Model 获取模型
func (l *Ledger) Model(ctx context.Context, modelID int64) (*database.Model, error) {
	model, err := l.db.GetModel(ctx, modelID)
	if err != nil {
		return nil, wrapModelErr(err)
	}
	return model, nil
}

// Models 获取全部模型
func (l *Ledger) Models(ctx context.Context) ([]*database.Model, error) {
	return l.db.ListModels(ctx)
}

// Trades 查询交易记录
func (l *Ledger) Trades(ctx context.Context, filter *database.TradeFilter) ([]*database.TradeRecord, error) {
	return l.db.GetTrades(ctx, filter)
}

// RealizedPnL 累计已实现盈亏
func (l *Ledger) RealizedPnL(ctx context.Context, modelID int64) (decimal.Decimal, error) {
	return l.db.SumRealizedPnL(ctx, modelID)
}

// Equity 查询权益快照
func (l *Ledger) Equity(ctx context.Context, modelID int64, limit int) ([]*database.EquitySnapshot, error) {
	return l.db.GetEquitySnapshots(ctx, &database.EquityFilter{ModelID: modelID, Limit: limit})
}

// Conversations 查询 AI 对话
func (l *Ledger) Conversations(ctx context.Context, modelID int64, limit int) ([]*database.Conversation, error) {
	return l.db.GetConversations(ctx, modelID, limit)
}

// AppendEquity 追加权益快照
func (l *Ledger) AppendEquity(ctx context.Context, snap *database.EquitySnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = l.timestamp()
	}
	if err := l.db.SaveEquitySnapshot(ctx, snap); err != nil {
		return fmt.Errorf("保存权益快照失败: %w", err)
	}
	return nil
}

// RecordConversation 记录一次 AI 对话
func (l *Ledger) RecordConversation(ctx context.Context, conv *database.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = l.timestamp()
	}
	if err := l.db.SaveConversation(ctx, conv); err != nil {
		return fmt.Errorf("保存对话失败: %w", err)
	}
	return nil
}

// CreateModel 创建模型账户，现金等于初始资金
func (l *Ledger) CreateModel(ctx context.Context, model *database.Model) error {
	if !model.InitialCapital.IsPositive() {
		return fmt.Errorf("初始资金必须大于0: %s", model.InitialCapital)
	}
	model.Cash = model.InitialCapital
	model.Currency = "CNY"
	if model.CreatedAt.IsZero() {
		model.CreatedAt = l.timestamp()
	}
	if err := l.db.CreateModel(ctx, model); err != nil {
		return fmt.Errorf("创建模型失败: %w", err)
	}
	logger.Info("✅ 已创建模型 %s (ID=%d)，初始资金 %s", model.Name, model.ID, model.InitialCapital)
	return nil
}

// DeleteModel 删除模型及其全部数据（持有写锁）
func (l *Ledger) DeleteModel(ctx context.Context, modelID int64) error {
	w, err := l.Acquire(ctx, modelID)
	if err != nil {
		return err
	}
	defer w.Release()

	if err := l.db.DeleteModel(ctx, modelID); err != nil {
		return wrapModelErr(err)
	}
	logger.Info("🗑️ 已删除模型 ID=%d", modelID)
	return nil
}

// Acquire 获取模型的单写者锁，返回的 Writer 必须 Release
func (l *Ledger) Acquire(ctx context.Context, modelID int64) (*Writer, error) {
	key := lock.ModelKey(modelID)
	if err := l.writers.Lock(ctx, key, l.lockTTL); err != nil {
		return nil, fmt.Errorf("获取模型 %d 写锁失败: %w", modelID, err)
	}
	return &Writer{l: l, modelID: modelID, key: key}, nil
}
