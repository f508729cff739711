package gateway

import "github.com/xdusongwei/httptrading/internal/broker"

// MultiSink fans one order snapshot out to several sinks.
type MultiSink []broker.OrderSink

var _ broker.OrderSink = MultiSink(nil)

func (s MultiSink) DumpOrder(u broker.OrderUpdate) {
	for _, sink := range s {
		if sink != nil {
			sink.DumpOrder(u)
		}
	}
}
