package http

import "priority-dispatch/internal/domain"

// DecrementRequest is the body of POST /decrement.
type DecrementRequest struct {
	Channel string `json:"channel" validate:"required,max=64"`
	Level   string `json:"level" validate:"required,max=64"`
}

// DecrementResponse reports the outcome of a completion.
type DecrementResponse struct {
	Status    domain.CompletionStatus `json:"status"`
	Message   string                  `json:"message"`
	Remaining int64                   `json:"remaining"`
}

// ToResponse converts a domain.Completion to its wire form.
func ToResponse(c *domain.Completion) DecrementResponse {
	msg := "outstanding count decremented for " + c.Key.RoutingKey()
	if c.Status == domain.CompletionAlreadyZero {
		msg = "outstanding count already zero for " + c.Key.RoutingKey()
	}
	return DecrementResponse{Status: c.Status, Message: msg, Remaining: c.Remaining}
}
