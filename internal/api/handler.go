package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/patrickmn/go-cache"

	"pushit-backend/internal/apperr"
	"pushit-backend/internal/auth"
	"pushit-backend/internal/dispatch"
	"pushit-backend/internal/monitor"
	"pushit-backend/internal/mw"
	"pushit-backend/internal/store"
	"pushit-backend/internal/subscription"
	"pushit-backend/internal/topic"
)

// Enqueuer hands a dispatch to the background queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req dispatch.Request) (string, error)
}

// Deps are the services the API is built on. Queue, Monitor and Scheduler may be nil.
type Deps struct {
	Store         store.Store
	Subscriptions *subscription.Service
	Engine        *dispatch.Engine
	Auth          *auth.Authenticator
	Queue         Enqueuer
	Monitor       *monitor.ErrorMonitor
	Scheduler     *monitor.Scheduler
	PublicKey     string
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	Deps
	statsCache *cache.Cache
	validate   *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, statsCache *cache.Cache) *Handler {
	return &Handler{
		Deps:       deps,
		statsCache: statsCache,
		validate:   validator.New(),
	}
}

// topicList accepts topics either as a JSON array or as a comma separated string.
type topicList []string

func (t *topicList) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*t = list
		return nil
	}
	var csv string
	if err := json.Unmarshal(data, &csv); err != nil {
		return err
	}
	*t = topic.Parse(csv)
	return nil
}

func respondError(c *gin.Context, err error) {
	mw.AbortWithError(c, err)
}

func bindJSON(c *gin.Context, out interface{}) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		respondError(c, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

// bindStrictJSON decodes like bindJSON but rejects keys the target does not declare.
func bindStrictJSON(c *gin.Context, out interface{}) bool {
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		respondError(c, apperr.Validationf("invalid request body: %v", err))
		return false
	}
	if err := binding.Validator.ValidateStruct(out); err != nil {
		respondError(c, apperr.Validation("invalid request body"))
		return false
	}
	return true
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, apperr.Validation("invalid id"))
		return 0, false
	}
	return id, true
}

// pagination reads limit and offset, also accepting a 1-based page number.
func pagination(c *gin.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.Query("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset, _ = strconv.Atoi(c.Query("offset"))
	if page, err := strconv.Atoi(c.Query("page")); err == nil && page > 1 {
		offset = (page - 1) * limit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func queryInt64(c *gin.Context, key string) *int64 {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}

func ok(c *gin.Context, status int, body gin.H) {
	body["success"] = true
	c.JSON(status, body)
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
