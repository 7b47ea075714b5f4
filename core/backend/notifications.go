package backend

import (
	"context"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/tinyapi/core"
	"github.com/relabs-tech/tinyapi/core/logger"
)

// notify reports a successful mutation to the configured notifier. A
// nil notifier disables notifications. Delivery failures never fail the
// request, the mutation is already committed.
func (b *Backend) notify(ctx context.Context, resource string, action core.Action, data map[string]any) {
	if b.notifier == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot encode notification for", resource)
		return
	}
	b.notifier.Notify(resource, action, payload)
}
