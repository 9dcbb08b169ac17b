package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}

	// SQLite 单写者，固定一个连接避免 database is locked
	maxOpen := config.MaxOpenConns
	if config.Type == "sqlite" {
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&Model{},
		&Position{},
		&TradeRecord{},
		&EquitySnapshot{},
		&Conversation{},
		&Setting{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// CreateModel 创建模型账户
func (g *GormDatabase) CreateModel(ctx context.Context, model *Model) error {
	if model.Currency == "" {
		model.Currency = "CNY"
	}
	return g.db.WithContext(ctx).Create(model).Error
}

// GetModel 获取模型账户
func (g *GormDatabase) GetModel(ctx context.Context, id int64) (*Model, error) {
	var model Model
	if err := g.db.WithContext(ctx).First(&model, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &model, nil
}

// ListModels 获取所有模型账户
func (g *GormDatabase) ListModels(ctx context.Context) ([]*Model, error) {
	var models []*Model
	if err := g.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

// UpdateModelCash 更新现金余额
func (g *GormDatabase) UpdateModelCash(ctx context.Context, id int64, cash decimal.Decimal) error {
	result := g.db.WithContext(ctx).Model(&Model{}).Where("id = ?", id).Update("cash", cash)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteModel 删除模型及其全部关联数据
func (g *GormDatabase) DeleteModel(ctx context.Context, id int64) error {
	return g.Transaction(ctx, func(tx Database) error {
		db := tx.(*GormDatabase).db
		for _, table := range []interface{}{&Position{}, &TradeRecord{}, &EquitySnapshot{}, &Conversation{}} {
			if err := db.Where("model_id = ?", id).Delete(table).Error; err != nil {
				return err
			}
		}
		result := db.Delete(&Model{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetPositions 获取模型全部持仓
func (g *GormDatabase) GetPositions(ctx context.Context, modelID int64) ([]*Position, error) {
	var positions []*Position
	if err := g.db.WithContext(ctx).Where("model_id = ?", modelID).Order("symbol ASC").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// GetPosition 获取单个持仓
func (g *GormDatabase) GetPosition(ctx context.Context, modelID int64, symbol string) (*Position, error) {
	var position Position
	if err := g.db.WithContext(ctx).Where("model_id = ? AND symbol = ?", modelID, symbol).First(&position).Error; err != nil {
		return nil, notFound(err)
	}
	return &position, nil
}

// SavePosition 新增或更新持仓
func (g *GormDatabase) SavePosition(ctx context.Context, position *Position) error {
	if position.Side == "" {
		position.Side = "long"
	}
	return g.db.WithContext(ctx).Save(position).Error
}

// DeletePosition 删除持仓
func (g *GormDatabase) DeletePosition(ctx context.Context, modelID int64, symbol string) error {
	return g.db.WithContext(ctx).Where("model_id = ? AND symbol = ?", modelID, symbol).Delete(&Position{}).Error
}

// SaveTrade 保存交易记录
func (g *GormDatabase) SaveTrade(ctx context.Context, trade *TradeRecord) error {
	return g.db.WithContext(ctx).Create(trade).Error
}

// GetTrades 获取交易记录（按时间倒序）
func (g *GormDatabase) GetTrades(ctx context.Context, filter *TradeFilter) ([]*TradeRecord, error) {
	query := g.db.WithContext(ctx).Model(&TradeRecord{})

	if filter != nil {
		if filter.ModelID > 0 {
			query = query.Where("model_id = ?", filter.ModelID)
		}
		if filter.Symbol != "" {
			query = query.Where("symbol = ?", filter.Symbol)
		}
		if filter.Status != "" {
			query = query.Where("status = ?", filter.Status)
		}
		if filter.StartTime != nil {
			query = query.Where("created_at >= ?", filter.StartTime)
		}
		if filter.EndTime != nil {
			query = query.Where("created_at <= ?", filter.EndTime)
		}
		if filter.Limit > 0 {
			query = query.Limit(filter.Limit)
		}
		if filter.Offset > 0 {
			query = query.Offset(filter.Offset)
		}
	}

	query = query.Order(clause.OrderBy{Columns: []clause.OrderByColumn{
		{Column: clause.Column{Name: "created_at"}, Desc: true},
		{Column: clause.Column{Name: "id"}, Desc: true},
	}})

	var trades []*TradeRecord
	if err := query.Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// SumRealizedPnL 汇总已成交记录的已实现盈亏
func (g *GormDatabase) SumRealizedPnL(ctx context.Context, modelID int64) (decimal.Decimal, error) {
	var values []decimal.Decimal
	if err := g.db.WithContext(ctx).Model(&TradeRecord{}).
		Where("model_id = ? AND status = ?", modelID, StatusFilled).
		Pluck("realized_pnl", &values).Error; err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total, nil
}

// SaveEquitySnapshot 保存权益快照
func (g *GormDatabase) SaveEquitySnapshot(ctx context.Context, snapshot *EquitySnapshot) error {
	return g.db.WithContext(ctx).Create(snapshot).Error
}

// GetEquitySnapshots 获取权益快照（按时间正序）
func (g *GormDatabase) GetEquitySnapshots(ctx context.Context, filter *EquityFilter) ([]*EquitySnapshot, error) {
	query := g.db.WithContext(ctx).Model(&EquitySnapshot{})
	if filter == nil {
		filter = &EquityFilter{}
	}
	if filter.ModelID > 0 {
		query = query.Where("model_id = ?", filter.ModelID)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}

	var snapshots []*EquitySnapshot
	if filter.ModelID > 0 && filter.Limit > 0 {
		// 取最近 Limit 条再翻转为正序
		if err := query.Order("created_at DESC, id DESC").Limit(filter.Limit).Find(&snapshots).Error; err != nil {
			return nil, err
		}
		for i, j := 0, len(snapshots)-1; i < j; i, j = i+1, j-1 {
			snapshots[i], snapshots[j] = snapshots[j], snapshots[i]
		}
		return snapshots, nil
	}

	if err := query.Order("created_at ASC, id ASC").Find(&snapshots).Error; err != nil {
		return nil, err
	}
	return snapshots, nil
}

// SaveConversation 保存 AI 对话
func (g *GormDatabase) SaveConversation(ctx context.Context, conv *Conversation) error {
	return g.db.WithContext(ctx).Create(conv).Error
}

// GetConversations 获取最近的 AI 对话
func (g *GormDatabase) GetConversations(ctx context.Context, modelID int64, limit int) ([]*Conversation, error) {
	query := g.db.WithContext(ctx).Where("model_id = ?", modelID).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var convs []*Conversation
	if err := query.Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

// GetSettings 获取全部运行时设置
func (g *GormDatabase) GetSettings(ctx context.Context) (map[string]string, error) {
	var settings []Setting
	if err := g.db.WithContext(ctx).Find(&settings).Error; err != nil {
		return nil, err
	}
	result := make(map[string]string, len(settings))
	for _, s := range settings {
		result[s.Key] = s.Value
	}
	return result, nil
}

// SaveSetting 保存运行时设置
func (g *GormDatabase) SaveSetting(ctx context.Context, key, value string) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Setting{Key: key, Value: value}).Error
}

// Transaction 在同一事务内执行 fn
func (g *GormDatabase) Transaction(ctx context.Context, fn func(tx Database) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormDatabase{db: tx})
	})
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
