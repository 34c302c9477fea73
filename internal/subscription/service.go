package subscription

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/auth"
	"pushit-backend/internal/metrics"
	"pushit-backend/internal/model"
	"pushit-backend/internal/store"
	"pushit-backend/internal/topic"
)

// Request is a browser subscription together with the caller's context.
type Request struct {
	Endpoint   string `validate:"required,max=768"`
	P256DH     string `validate:"required,max=128"`
	Auth       string `validate:"required,max=64"`
	UserType   model.UserType
	Topics     []string `validate:"max=64,dive,max=128"`
	OwnerID    *int64
	Credential string

	UserAgent      string
	AcceptLanguage string
	Domain         string
	ClientIP       string
}

// Result is returned to the browser after a successful subscribe.
type Result struct {
	SubscriptionID int64          `json:"subscription_id"`
	UserType       model.UserType `json:"user_type"`
	UserID         *int64         `json:"user_id"`
	Topics         []string       `json:"topics"`
	BlockedTopics  []string       `json:"blocked_topics,omitempty"`
}

// Service registers and removes push subscriptions.
type Service struct {
	store    store.Store
	filter   *topic.Filter
	auth     *auth.Authenticator
	validate *validator.Validate
	metrics  *metrics.Metrics
}

// NewService creates a subscription service. m may be nil.
func NewService(st store.Store, filter *topic.Filter, authenticator *auth.Authenticator, m *metrics.Metrics) *Service {
	return &Service{
		store:    st,
		filter:   filter,
		auth:     authenticator,
		validate: validator.New(),
		metrics:  m,
	}
}

// Subscribe validates req, checks backend credentials and stores the subscription.
// Topics a frontend subscriber may not hold are dropped, never rejected.
func (s *Service) Subscribe(ctx context.Context, req Request) (*Result, error) {
	req.Endpoint = strings.TrimSpace(req.Endpoint)
	if err := s.validate.Struct(req); err != nil {
		return nil, apperr.Validation("endpoint and keys are required")
	}
	if err := validateEndpoint(req.Endpoint); err != nil {
		return nil, err
	}
	if err := validateKeys(req.P256DH, req.Auth); err != nil {
		return nil, err
	}

	if req.UserType == "" {
		req.UserType = model.UserTypeFrontend
	}
	if !req.UserType.Valid() {
		return nil, apperr.Validationf("unknown user type %q", req.UserType)
	}

	var owner *int64
	if req.UserType == model.UserTypeBackend {
		identity, err := s.auth.Authenticate(req.Credential)
		if err != nil {
			log.Warn().
				Str("client_ip", req.ClientIP).
				Str("endpoint", truncate(req.Endpoint, 60)).
				Msg("security: backend subscription rejected")
			return nil, err
		}
		owner = auth.ResolveOwner(req.OwnerID, identity)
	}

	allowed, blocked := s.filter.FilterForUserType(req.Topics, req.UserType)
	if len(blocked) > 0 {
		log.Warn().
			Str("client_ip", req.ClientIP).
			Strs("blocked_topics", blocked).
			Str("user_type", string(req.UserType)).
			Msg("security: privileged topics removed from subscription")
	}

	sub, err := s.store.UpsertSubscription(ctx, store.SubscriptionInput{
		Endpoint:       req.Endpoint,
		P256DH:         req.P256DH,
		Auth:           req.Auth,
		UserType:       req.UserType,
		OwnerID:        owner,
		Topics:         allowed,
		UserAgent:      truncate(req.UserAgent, 512),
		AcceptLanguage: truncate(req.AcceptLanguage, 128),
		Domain:         truncate(req.Domain, 255),
	})
	if err != nil {
		return nil, apperr.Internal(err)
	}
	s.count("subscribe", sub.UserType)

	log.Info().
		Int64("subscription_id", sub.ID).
		Str("user_type", string(sub.UserType)).
		Strs("topics", sub.TopicNames()).
		Msg("subscription stored")

	return &Result{
		SubscriptionID: sub.ID,
		UserType:       sub.UserType,
		UserID:         sub.OwnerID,
		Topics:         sub.TopicNames(),
		BlockedTopics:  blocked,
	}, nil
}

// Unsubscribe deactivates the subscription with the given endpoint. It reports whether an
// active subscription was found.
func (s *Service) Unsubscribe(ctx context.Context, endpoint string) (bool, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return false, apperr.Validation("endpoint is required")
	}
	found, err := s.store.DeactivateSubscription(ctx, endpoint)
	if err != nil {
		return false, apperr.Internal(err)
	}
	if found {
		s.count("unsubscribe", "")
	}
	return found, nil
}

// Delete removes a subscription permanently.
func (s *Service) Delete(ctx context.Context, id int64) error {
	found, err := s.store.DeleteSubscription(ctx, id)
	if err != nil {
		return apperr.Internal(err)
	}
	if !found {
		return apperr.NotFound("subscription")
	}
	s.count("delete", "")
	return nil
}

func (s *Service) count(operation string, userType model.UserType) {
	if s.metrics != nil {
		s.metrics.Subscriptions.WithLabelValues(operation, string(userType)).Inc()
	}
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return apperr.Validation("endpoint must be an absolute http(s) URL")
	}
	return nil
}

func validateKeys(p256dh, authSecret string) error {
	key, err := decodeKey(p256dh)
	if err != nil || len(key) != 65 || key[0] != 0x04 {
		return apperr.Validation("p256dh must be an uncompressed P-256 public key")
	}
	secret, err := decodeKey(authSecret)
	if err != nil || len(secret) != 16 {
		return apperr.Validation("auth must be a 16 byte secret")
	}
	return nil
}

// decodeKey accepts the URL-safe base64 browsers emit, padded or not, and standard base64.
func decodeKey(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
