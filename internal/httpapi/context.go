package httpapi

import (
	"context"
	"net/http"
)

// requestContext derives a context from r that is also cancelled when the
// daemon's base context ends. Call the returned func when the handler ends.
func (a *api) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(a.opts.BaseContext, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
