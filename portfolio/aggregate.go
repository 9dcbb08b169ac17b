package portfolio

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stockarena/database"
	"stockarena/utils"
)

// AggregatedPosition 跨模型合并后的持仓
type AggregatedPosition struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	Board         string          `json:"board"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Suspended     bool            `json:"suspended"`
	ModelCount    int             `json:"model_count"`
}

// SeriesPoint 合并权益曲线上的一个时间点（按分钟对齐）
// Values 只包含该分钟有观测的模型；Total 仅在所有有历史的模型都能取到值时给出
type SeriesPoint struct {
	Timestamp time.Time                 `json:"timestamp"`
	Values    map[int64]decimal.Decimal `json:"values"`
	Total     *decimal.Decimal          `json:"total,omitempty"`
}

// AggregatedPortfolio 全部模型汇总
type AggregatedPortfolio struct {
	TotalValue     decimal.Decimal      `json:"total_value"`
	Cash           decimal.Decimal      `json:"cash"`
	PositionsValue decimal.Decimal      `json:"positions_value"`
	RealizedPnL    decimal.Decimal      `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal      `json:"unrealized_pnl"`
	InitialCapital decimal.Decimal      `json:"initial_capital"`
	ReturnPct      decimal.Decimal      `json:"return_pct"`
	ModelCount     int                  `json:"model_count"`
	Positions      []AggregatedPosition `json:"positions"`
	Series         []SeriesPoint        `json:"series"`
}

// LeaderboardEntry 排行榜条目
type LeaderboardEntry struct {
	Rank           int             `json:"rank"`
	ModelID        int64           `json:"model_id"`
	ModelName      string          `json:"model_name"`
	AccountValue   decimal.Decimal `json:"account_value"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	ReturnPct      decimal.Decimal `json:"return_pct"`
}

// EquityPoint 权益曲线点
type EquityPoint struct {
	Timestamp  time.Time       `json:"timestamp"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// ModelSeries 单个模型的权益曲线
type ModelSeries struct {
	ModelID   int64         `json:"model_id"`
	ModelName string        `json:"model_name"`
	Points    []EquityPoint `json:"points"`
}

// AggregatedView 汇总全部模型的账户与权益曲线（不追加快照）
func (a *Aggregator) AggregatedView(ctx context.Context) (*AggregatedPortfolio, error) {
	models, err := a.store.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取模型列表失败: %w", err)
	}

	agg := &AggregatedPortfolio{ModelCount: len(models)}
	merged := make(map[string]*AggregatedPosition)
	for _, m := range models {
		p, err := a.Valuate(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		agg.TotalValue = agg.TotalValue.Add(p.TotalValue)
		agg.Cash = agg.Cash.Add(p.Cash)
		agg.PositionsValue = agg.PositionsValue.Add(p.PositionsValue)
		agg.RealizedPnL = agg.RealizedPnL.Add(p.RealizedPnL)
		agg.UnrealizedPnL = agg.UnrealizedPnL.Add(p.UnrealizedPnL)
		agg.InitialCapital = agg.InitialCapital.Add(p.InitialCapital)
		for _, pos := range p.Positions {
			mergePosition(merged, pos)
		}
	}
	agg.ReturnPct = returnPct(agg.TotalValue, agg.InitialCapital)

	agg.Positions = make([]AggregatedPosition, 0, len(merged))
	for _, pos := range merged {
		agg.Positions = append(agg.Positions, *pos)
	}
	sort.Slice(agg.Positions, func(i, j int) bool { return agg.Positions[i].Symbol < agg.Positions[j].Symbol })

	history := make(map[int64][]*database.EquitySnapshot, len(models))
	for _, m := range models {
		snaps, err := a.store.Equity(ctx, m.ID, a.limit())
		if err != nil {
			return nil, fmt.Errorf("读取权益快照失败: %w", err)
		}
		history[m.ID] = snaps
	}
	agg.Series = MergeSeries(history)
	return agg, nil
}

func mergePosition(merged map[string]*AggregatedPosition, pos PositionView) {
	cur, ok := merged[pos.Symbol]
	if !ok {
		cur = &AggregatedPosition{Symbol: pos.Symbol, Name: pos.Name, Board: pos.Board}
		merged[pos.Symbol] = cur
	}
	qty := decimal.NewFromInt(pos.Quantity)
	cur.TotalCost = cur.TotalCost.Add(pos.AvgPrice.Mul(qty))
	cur.Quantity += pos.Quantity
	cur.CurrentPrice = pos.CurrentPrice
	cur.Suspended = cur.Suspended || pos.Suspended
	cur.ModelCount++
	if cur.Quantity > 0 {
		total := decimal.NewFromInt(cur.Quantity)
		cur.AvgPrice = cur.TotalCost.Div(total).Round(4)
		cur.UnrealizedPnL = cur.CurrentPrice.Mul(total).Sub(cur.TotalCost)
	}
}

// MergeSeries 按分钟合并多个模型的权益快照
//
// 同一分钟内同一模型有多条快照时取最后一条。汇总值按各模型最近一次观测向前填充，
// 只有当曲线中出现过的每个模型在该时刻之前都已有观测时才给出。
func MergeSeries(history map[int64][]*database.EquitySnapshot) []SeriesPoint {
	rows := make(map[time.Time]map[int64]decimal.Decimal)
	for modelID, snaps := range history {
		for _, s := range snaps {
			ts := s.CreatedAt.UTC().Truncate(time.Minute)
			row, ok := rows[ts]
			if !ok {
				row = make(map[int64]decimal.Decimal)
				rows[ts] = row
			}
			// 快照按时间正序，后写覆盖先写
			row[modelID] = s.TotalValue
		}
	}

	stamps := make([]time.Time, 0, len(rows))
	for ts := range rows {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	participants := 0
	for _, snaps := range history {
		if len(snaps) > 0 {
			participants++
		}
	}

	last := make(map[int64]decimal.Decimal)
	series := make([]SeriesPoint, 0, len(stamps))
	for _, ts := range stamps {
		row := rows[ts]
		for id, v := range row {
			last[id] = v
		}
		point := SeriesPoint{Timestamp: utils.InChina(ts), Values: row}
		if len(last) == participants {
			total := decimal.Zero
			for _, v := range last {
				total = total.Add(v)
			}
			point.Total = &total
		}
		series = append(series, point)
	}
	return series
}

// Leaderboard 按收益率降序排列模型（不追加快照）
func (a *Aggregator) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	models, err := a.store.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取模型列表失败: %w", err)
	}

	entries := make([]LeaderboardEntry, 0, len(models))
	for _, m := range models {
		p, err := a.Valuate(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		entries = append(entries, LeaderboardEntry{
			ModelID:        m.ID,
			ModelName:      m.Name,
			AccountValue:   p.TotalValue,
			InitialCapital: p.InitialCapital,
			ReturnPct:      p.ReturnPct,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ReturnPct.GreaterThan(entries[j].ReturnPct)
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// ChartData 每个模型最近 limit 条权益快照
func (a *Aggregator) ChartData(ctx context.Context, limit int) ([]ModelSeries, error) {
	if limit <= 0 {
		limit = a.limit()
	}
	models, err := a.store.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取模型列表失败: %w", err)
	}

	out := make([]ModelSeries, 0, len(models))
	for _, m := range models {
		snaps, err := a.store.Equity(ctx, m.ID, limit)
		if err != nil {
			return nil, fmt.Errorf("读取权益快照失败: %w", err)
		}
		series := ModelSeries{ModelID: m.ID, ModelName: m.Name, Points: make([]EquityPoint, 0, len(snaps))}
		for _, s := range snaps {
			series.Points = append(series.Points, EquityPoint{
				Timestamp:  utils.InChina(s.CreatedAt),
				TotalValue: s.TotalValue,
			})
		}
		out = append(out, series)
	}
	return out, nil
}
