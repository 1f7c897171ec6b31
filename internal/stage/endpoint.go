package stage

import "context"

// Endpoint is a typed binding of one stage name and URL to a Client.
type Endpoint[Req, Resp any] struct {
	name   string
	url    string
	client *Client
}

// NewEndpoint binds name and url to client.
func NewEndpoint[Req, Resp any](client *Client, name, url string) *Endpoint[Req, Resp] {
	return &Endpoint[Req, Resp]{name: name, url: url, client: client}
}

// Name returns the stage name used in errors and telemetry.
func (e *Endpoint[Req, Resp]) Name() string { return e.name }

// Invoke sends req to the stage and decodes its response.
func (e *Endpoint[Req, Resp]) Invoke(ctx context.Context, req Req) (Resp, error) {
	var out Resp
	if err := e.client.Invoke(ctx, e.name, e.url, req, &out); err != nil {
		var zero Resp
		return zero, err
	}
	return out, nil
}
