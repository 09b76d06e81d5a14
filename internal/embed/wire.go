package embed

// embedRequest is the body of POST /embed, the ESC's only strict wire
// contract with the model server (spec §6).
type embedRequest struct {
	Texts     []string `json:"texts"`
	Normalize bool     `json:"normalize"`
	Pooling   string   `json:"pooling"`
}

// embedResponse is the 200 response to POST /embed. len(Vectors) must
// equal len(Texts) in the request, and every vector must have the
// configured dimension; both are validated by the client, not assumed.
type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
}

// errorResponse is returned by the server on a non-200 status.
type errorResponse struct {
	Error string `json:"error"`
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status string `json:"status"`
}
