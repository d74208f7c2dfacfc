// Package transport performs single calls against device HTTP endpoints.
//
// A RequestDefinition is stored with each job and describes the call
// without reference to any device class. HTTPTransport resolves it against
// the device descriptor, applies auth and defaults, enforces the timeout,
// and maps failures onto ErrTimeout, ErrUnreachable and *HTTPError.
//
// # Usage
//
//	t := transport.NewHTTP(transport.WithDefaultTimeout(cfg.Dispatch.CallTimeout()))
//	resp, err := t.Call(ctx, dev, transport.RequestDefinition{
//	    Path:   "/api/power",
//	    Method: "POST",
//	    Body:   json.RawMessage(`{"on":true}`),
//	})
package transport
