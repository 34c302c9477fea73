package notification

import (
	"context"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/pkg/errors"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of Sender using the webpush library. It encrypts the
// payload (RFC 8291) and signs the request with the VAPID keys in options.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, sub, options)
	if err != nil {
		return nil, errors.Wrap(err, "webpush send failed")
	}
	return resp, nil
}
