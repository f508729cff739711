package simulator

import (
	"time"

	"github.com/xdusongwei/httptrading/pkg/exchanges/common"
)

// Origin statuses mimic the vocabulary of a typical vendor SDK.
const (
	originNotYetOpen  = "NOT_YET_OPEN"
	originPreHour     = "PRE_HOUR_TRADING"
	originTrading     = "TRADING"
	originMiddleClose = "MIDDLE_CLOSE"
	originPostHour    = "POST_HOUR_TRADING"
	originOvernight   = "OVERNIGHT"
	originClosed      = "MARKET_CLOSED"
)

var originToUnified = map[string]common.UnifiedStatus{
	originNotYetOpen:  common.StatusClosed,
	originPreHour:     common.StatusPreHours,
	originTrading:     common.StatusRTH,
	originMiddleClose: common.StatusRest,
	originPostHour:    common.StatusAfterHours,
	originOvernight:   common.StatusOvernight,
	originClosed:      common.StatusClosed,
}

func unifiedStatus(origin string) common.UnifiedStatus {
	if s, ok := originToUnified[origin]; ok {
		return s
	}
	return common.StatusUnknown
}

type window struct {
	from, to int // minutes since local midnight, [from, to)
	status   string
}

var regionSessions = map[string][]window{
	"US": {
		{0, 4 * 60, originOvernight},
		{4 * 60, 9*60 + 30, originPreHour},
		{9*60 + 30, 16 * 60, originTrading},
		{16 * 60, 20 * 60, originPostHour},
		{20 * 60, 24 * 60, originOvernight},
	},
	"HK": {
		{9*60 + 30, 12 * 60, originTrading},
		{12 * 60, 13 * 60, originMiddleClose},
		{13 * 60, 16 * 60, originTrading},
	},
	"CN": {
		{9*60 + 30, 11*60 + 30, originTrading},
		{11*60 + 30, 13 * 60, originMiddleClose},
		{13 * 60, 15 * 60, originTrading},
	},
}

// sessionStatus returns the origin status of region at local exchange time.
// Holidays are not modelled.
func sessionStatus(region string, local time.Time) string {
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return originClosed
	}
	minute := local.Hour()*60 + local.Minute()
	windows := regionSessions[region]
	for _, w := range windows {
		if minute >= w.from && minute < w.to {
			return w.status
		}
	}
	if len(windows) > 0 && minute < windows[0].from {
		return originNotYetOpen
	}
	return originClosed
}
