package session

// EndRequest is the optional body of POST /v1/calls/{id}/end.
type EndRequest struct {
	Reason string `json:"reason"`
}

// ListResponse is returned by GET /v1/calls.
type ListResponse struct {
	Calls  []*Call `json:"calls"`
	Active int     `json:"active"`
}
