package trading

import "sierrachart-bridge/internal/model"

var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.StatusNew: {
		model.StatusNew, model.StatusPending, model.StatusPartiallyFilled,
		model.StatusFilled, model.StatusCancelled, model.StatusRejected,
	},
	model.StatusPending: {
		model.StatusPending, model.StatusPartiallyFilled,
		model.StatusFilled, model.StatusCancelled, model.StatusRejected,
	},
	model.StatusPartiallyFilled: {
		model.StatusPartiallyFilled, model.StatusFilled, model.StatusCancelled,
	},
}

// canTransition reports whether an order in from may move to to. Terminal
// states have no outgoing edges.
func canTransition(from, to model.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
