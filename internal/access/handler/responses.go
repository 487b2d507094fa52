package handler

import (
	"clinicore/internal/audit"
	"clinicore/internal/authz"
)

type decisionResponse struct {
	Allowed   bool   `json:"allowed"`
	Action    string `json:"action"`
	Level     string `json:"level"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	NextState string `json:"next_state,omitempty"`
}

func toDecisionResponse(d authz.Decision) decisionResponse {
	resp := decisionResponse{
		Allowed:   d.Allowed,
		Action:    string(d.Action),
		Level:     d.Level.String(),
		Reason:    string(d.Reason),
		NextState: string(d.NextState),
	}
	if d.Err != nil {
		resp.Message = d.Err.Error()
	}
	return resp
}

type auditResponse struct {
	Entries []audit.Entry `json:"entries"`
	Count   int           `json:"count"`
}
