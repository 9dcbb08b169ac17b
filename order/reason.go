package order

import (
	"stockarena/i18n"
)

// 拒单原因
const (
	ReasonMarketClosed         = "market_closed"
	ReasonOutsideUniverse      = "outside_universe"
	ReasonSuspended            = "suspended"
	ReasonNoQuote              = "no_quote"
	ReasonShortSellingDisabled = "short_selling_disabled"
	ReasonInvalidLotSize       = "invalid_lot_size"
	ReasonLimitUp              = "limit_up"
	ReasonLimitDown            = "limit_down"
	ReasonTPlus1Locked         = "t_plus_1_locked"
	ReasonInsufficientCash     = "insufficient_cash"
	ReasonInsufficientPosition = "insufficient_position"
	ReasonInvalidProposal      = "invalid_proposal"
)

// LotSize A股一手
const LotSize = 100

type rejection struct {
	reason string
	data   map[string]interface{}
}

func reject(reason string, data map[string]interface{}) *rejection {
	return &rejection{reason: reason, data: data}
}

// text 本地化的拒单说明
func (r *rejection) text() string {
	return i18n.T("reason."+r.reason, r.data)
}
