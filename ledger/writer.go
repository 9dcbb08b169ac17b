package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/fee"
	"stockarena/logger"
)

// Fill 一笔成交
type Fill struct {
	Symbol           string
	Quantity         int64
	Price            decimal.Decimal
	Fees             fee.Breakdown
	NextSellableDate string // 仅买入使用

	// 行情附带信息，写入持仓便于展示
	Board     string
	IsST      bool
	Suspended bool
	LimitUp   decimal.Decimal
	LimitDown decimal.Decimal
}

// Notional 成交金额
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// Writer 持有模型写锁的账本写入器
type Writer struct {
	l        *Ledger
	modelID  int64
	key      string
	released bool
}

// ModelID 写入器对应的模型
func (w *Writer) ModelID() int64 {
	return w.modelID
}

// Release 释放写锁，可重复调用
func (w *Writer) Release() {
	if w.released {
		return
	}
	w.released = true
	if err := w.l.writers.Unlock(context.Background(), w.key); err != nil {
		logger.Warn("⚠️ 释放模型 %d 写锁失败: %v", w.modelID, err)
	}
}

func (w *Writer) checkHeld() error {
	if w.released {
		return fmt.Errorf("%w: 写锁已释放", ErrInvariantViolation)
	}
	return nil
}

// Snapshot 在写锁内读取账户视图
func (w *Writer) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := w.checkHeld(); err != nil {
		return nil, err
	}
	return w.l.Snapshot(ctx, w.modelID)
}

func (w *Writer) stamp(rec *database.TradeRecord) {
	rec.ModelID = w.modelID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = w.l.timestamp()
	}
}

// RecordRejection 只写入一条被拒绝的交易记录
func (w *Writer) RecordRejection(ctx context.Context, rec *database.TradeRecord) error {
	if err := w.checkHeld(); err != nil {
		return err
	}
	w.stamp(rec)
	rec.Status = database.StatusRejected
	if err := w.l.db.SaveTrade(ctx, rec); err != nil {
		return fmt.Errorf("保存拒单记录失败: %w", err)
	}
	return nil
}

func invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// ApplyBuy 买入：扣减现金，更新加权成本与 T+1 可卖日期，并写入成交记录
func (w *Writer) ApplyBuy(ctx context.Context, fill Fill, rec *database.TradeRecord) error {
	if err := w.checkHeld(); err != nil {
		return err
	}
	if fill.Quantity <= 0 {
		return invariant("买入数量非正: %d", fill.Quantity)
	}
	if !fill.Price.IsPositive() {
		return invariant("买入价格非正: %s", fill.Price)
	}

	now := w.l.timestamp()
	w.stamp(rec)

	return w.l.db.Transaction(ctx, func(tx database.Database) error {
		model, err := tx.GetModel(ctx, w.modelID)
		if err != nil {
			return wrapModelErr(err)
		}

		cost := fill.Notional().Add(fill.Fees.Total)
		cash := model.Cash.Sub(cost)
		if cash.IsNegative() {
			return invariant("买入后现金为负: %s - %s", model.Cash, cost)
		}

		pos, err := tx.GetPosition(ctx, w.modelID, fill.Symbol)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("读取持仓失败: %w", err)
		}
		if pos == nil {
			pos = &database.Position{
				ModelID:   w.modelID,
				Symbol:    fill.Symbol,
				Side:      "long",
				AvgPrice:  decimal.Zero,
				EntryTime: now,
			}
		}

		oldQty := decimal.NewFromInt(pos.Quantity)
		newQty := pos.Quantity + fill.Quantity
		pos.AvgPrice = oldQty.Mul(pos.AvgPrice).Add(fill.Notional()).
			Div(decimal.NewFromInt(newQty)).Round(4)
		pos.Quantity = newQty
		pos.NextSellableDate = fill.NextSellableDate
		applyQuote(pos, fill)

		if err := tx.UpdateModelCash(ctx, w.modelID, cash); err != nil {
			return fmt.Errorf("更新现金失败: %w", err)
		}
		if err := tx.SavePosition(ctx, pos); err != nil {
			return fmt.Errorf("保存持仓失败: %w", err)
		}

		rec.Status = database.StatusFilled
		rec.RealizedPnL = decimal.Zero
		fillRecord(rec, fill)
		if err := tx.SaveTrade(ctx, rec); err != nil {
			return fmt.Errorf("保存成交记录失败: %w", err)
		}
		return nil
	})
}

// ApplySell 卖出：增加现金，计算已实现盈亏，持仓归零时删除
func (w *Writer) ApplySell(ctx context.Context, fill Fill, rec *database.TradeRecord) error {
	if err := w.checkHeld(); err != nil {
		return err
	}
	if fill.Quantity <= 0 {
		return invariant("卖出数量非正: %d", fill.Quantity)
	}
	if !fill.Price.IsPositive() {
		return invariant("卖出价格非正: %s", fill.Price)
	}

	w.stamp(rec)

	return w.l.db.Transaction(ctx, func(tx database.Database) error {
		model, err := tx.GetModel(ctx, w.modelID)
		if err != nil {
			return wrapModelErr(err)
		}

		pos, err := tx.GetPosition(ctx, w.modelID, fill.Symbol)
		if errors.Is(err, database.ErrNotFound) {
			return invariant("卖出时持仓不存在: %s", fill.Symbol)
		}
		if err != nil {
			return fmt.Errorf("读取持仓失败: %w", err)
		}
		if pos.Quantity < fill.Quantity {
			return invariant("卖出数量 %d 超过持仓 %d", fill.Quantity, pos.Quantity)
		}

		proceeds := fill.Notional().Sub(fill.Fees.Total)
		cash := model.Cash.Add(proceeds)
		if cash.IsNegative() {
			return invariant("卖出后现金为负: %s + %s", model.Cash, proceeds)
		}
		pnl := fill.Price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(fill.Quantity)).Sub(fill.Fees.Total)

		pos.Quantity -= fill.Quantity
		if pos.Quantity == 0 {
			if err := tx.DeletePosition(ctx, w.modelID, fill.Symbol); err != nil {
				return fmt.Errorf("删除持仓失败: %w", err)
			}
		} else {
			applyQuote(pos, fill)
			if err := tx.SavePosition(ctx, pos); err != nil {
				return fmt.Errorf("保存持仓失败: %w", err)
			}
		}

		if err := tx.UpdateModelCash(ctx, w.modelID, cash); err != nil {
			return fmt.Errorf("更新现金失败: %w", err)
		}

		rec.Status = database.StatusFilled
		rec.RealizedPnL = pnl
		fillRecord(rec, fill)
		if err := tx.SaveTrade(ctx, rec); err != nil {
			return fmt.Errorf("保存成交记录失败: %w", err)
		}
		return nil
	})
}

func applyQuote(pos *database.Position, fill Fill) {
	pos.CurrentPrice = fill.Price
	pos.Board = fill.Board
	pos.IsST = fill.IsST
	pos.Suspended = fill.Suspended
	pos.LimitUp = fill.LimitUp
	pos.LimitDown = fill.LimitDown
}

func fillRecord(rec *database.TradeRecord, fill Fill) {
	rec.Symbol = fill.Symbol
	rec.Quantity = fill.Quantity
	rec.Price = fill.Price
	rec.Commission = fill.Fees.Commission
	rec.TransferFee = fill.Fees.TransferFee
	rec.StampDuty = fill.Fees.StampDuty
	rec.TotalFee = fill.Fees.Total
}
