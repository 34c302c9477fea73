package notification

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/SherClockHolmes/webpush-go"
)

// Action is a button shown with the notification.
type Action struct {
	Action string `json:"action" validate:"required,max=64"`
	Title  string `json:"title" validate:"required,max=128"`
	Icon   string `json:"icon,omitempty"`
}

// Options are the optional presentation and delivery settings of a notification.
type Options struct {
	Icon     string                 `json:"icon,omitempty"`
	Badge    string                 `json:"badge,omitempty"`
	Image    string                 `json:"image,omitempty"`
	Tag      string                 `json:"tag,omitempty" validate:"max=128"`
	Silent   *bool                  `json:"silent,omitempty"`
	Renotify *bool                  `json:"renotify,omitempty"`
	Vibrate  []int                  `json:"vibrate,omitempty" validate:"max=32,dive,min=0,max=10000"`
	Actions  []Action               `json:"actions,omitempty" validate:"max=4,dive"`
	Data     map[string]interface{} `json:"data,omitempty"`
	TTL      int                    `json:"ttl,omitempty" validate:"min=0,max=2419200"`
	Urgency  string                 `json:"urgency,omitempty" validate:"omitempty,oneof=very-low low normal high"`
}

// StripMedia removes the icon, badge and image, which only administrators may set.
func (o *Options) StripMedia() {
	o.Icon = ""
	o.Badge = ""
	o.Image = ""
}

// Message is the visible content of a notification.
type Message struct {
	Title string
	Body  string
	URL   string
}

// Payload is the JSON document the service worker receives.
type Payload struct {
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	URL       string                 `json:"url"`
	Icon      string                 `json:"icon"`
	Timestamp int64                  `json:"timestamp"`
	Badge     string                 `json:"badge,omitempty"`
	Image     string                 `json:"image,omitempty"`
	Silent    *bool                  `json:"silent,omitempty"`
	Tag       string                 `json:"tag,omitempty"`
	Renotify  *bool                  `json:"renotify,omitempty"`
	Vibrate   []int                  `json:"vibrate,omitempty"`
	Actions   []Action               `json:"actions,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// BuildPayload renders msg and opts into the encrypted body of every push in a dispatch.
func BuildPayload(msg Message, opts Options, defaultIcon string, now time.Time) ([]byte, error) {
	icon := opts.Icon
	if icon == "" {
		icon = defaultIcon
	}
	return json.Marshal(Payload{
		Title:     msg.Title,
		Body:      msg.Body,
		URL:       msg.URL,
		Icon:      icon,
		Timestamp: now.Unix(),
		Badge:     opts.Badge,
		Image:     opts.Image,
		Silent:    opts.Silent,
		Tag:       opts.Tag,
		Renotify:  opts.Renotify,
		Vibrate:   opts.Vibrate,
		Actions:   opts.Actions,
		Data:      opts.Data,
	})
}

// Push service topics replace pending messages with the same topic and must be short URL-safe tokens.
var pushTopicPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// WebPushOptions builds the per-dispatch webpush options from the VAPID settings and opts.
func WebPushOptions(base webpush.Options, opts Options, defaultTTL int) *webpush.Options {
	out := base
	out.TTL = defaultTTL
	if opts.TTL > 0 {
		out.TTL = opts.TTL
	}
	out.Urgency = webpush.UrgencyNormal
	if opts.Urgency != "" {
		out.Urgency = webpush.Urgency(opts.Urgency)
	}
	if pushTopicPattern.MatchString(opts.Tag) {
		out.Topic = opts.Tag
	}
	return &out
}
