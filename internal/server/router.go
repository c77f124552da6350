package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/coveragecheck/internal/challenge"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/coveragecheck/internal/verify"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const degradedModeHeader = "X-Degraded-Mode"

var (
	errMissingVerifyService   = errors.New("verification service dependency required")
	errMissingChallengeGate   = errors.New("challenge gate dependency required")
	errMissingSubmitLimiter   = errors.New("submit rate limiter dependency required")
	errMissingVoteLimiter     = errors.New("vote rate limiter dependency required")
	errMissingFallbackLimiter = errors.New("fallback rate limiter dependency required")
)

// ChallengeGate is the bot-challenge collaborator consumed by the router.
type ChallengeGate interface {
	Check(ctx context.Context, token string, remoteIP string) (challenge.Verdict, error)
}

// Dependencies wires the router to its collaborators.
type Dependencies struct {
	VerifyService   *verify.Service
	Gate            ChallengeGate
	SubmitLimiter   *ratelimit.Limiter
	VoteLimiter     *ratelimit.Limiter
	FallbackLimiter *ratelimit.Limiter
	Logger          *zap.Logger
}

// NewHTTPHandler builds the gin handler serving the verification API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.VerifyService == nil {
		return nil, errMissingVerifyService
	}
	if deps.Gate == nil {
		return nil, errMissingChallengeGate
	}
	if deps.SubmitLimiter == nil {
		return nil, errMissingSubmitLimiter
	}
	if deps.VoteLimiter == nil {
		return nil, errMissingVoteLimiter
	}
	if deps.FallbackLimiter == nil {
		return nil, errMissingFallbackLimiter
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	router.Use(fingerprintRequest)

	handler := &httpHandler{
		verifyService:   deps.VerifyService,
		gate:            deps.Gate,
		submitLimiter:   deps.SubmitLimiter,
		voteLimiter:     deps.VoteLimiter,
		fallbackLimiter: deps.FallbackLimiter,
		logger:          logger,
	}

	api := router.Group("/api")
	api.POST("/submissions", handler.handleSubmit)
	api.POST("/submissions/:id/votes", handler.handleVote)
	api.GET("/verifications/:provider_id/:plan_id", handler.handleGetVerification)

	return router, nil
}

type httpHandler struct {
	verifyService   *verify.Service
	gate            ChallengeGate
	submitLimiter   *ratelimit.Limiter
	voteLimiter     *ratelimit.Limiter
	fallbackLimiter *ratelimit.Limiter
	logger          *zap.Logger
}

type submitRequestPayload struct {
	ProviderID     string `json:"provider_id"`
	PlanID         string `json:"plan_id"`
	Accepted       *bool  `json:"accepted"`
	Source         string `json:"source"`
	Note           string `json:"note"`
	EvidenceURL    string `json:"evidence_url"`
	SubmitterEmail string `json:"submitter_email"`
	ChallengeToken string `json:"challenge_token"`
}

type voteRequestPayload struct {
	Direction      string `json:"direction"`
	ChallengeToken string `json:"challenge_token"`
}

type aggregatePayload struct {
	ProviderID        string     `json:"provider_id"`
	PlanID            string     `json:"plan_id"`
	Status            string     `json:"status"`
	Score             int        `json:"score"`
	Level             string     `json:"level"`
	VerificationCount int        `json:"verification_count"`
	LastVerifiedAt    *time.Time `json:"last_verified_at"`
	ThresholdDays     int        `json:"threshold_days"`
	DaysUntilStale    int        `json:"days_until_stale"`
	IsStale           bool       `json:"is_stale"`
	RecommendReverify bool       `json:"recommend_reverification"`
	Explanation       []string   `json:"explanation"`
}

type submissionSummaryPayload struct {
	ID          string    `json:"id"`
	Accepted    bool      `json:"accepted"`
	Source      string    `json:"source"`
	Note        string    `json:"note,omitempty"`
	EvidenceURL string    `json:"evidence_url,omitempty"`
	Upvotes     int       `json:"upvotes"`
	Downvotes   int       `json:"downvotes"`
	CreatedAt   time.Time `json:"created_at"`
}

type submitResponsePayload struct {
	SubmissionID string           `json:"submission_id"`
	Aggregate    aggregatePayload `json:"aggregate"`
}

type voteResponsePayload struct {
	SubmissionID string           `json:"submission_id"`
	Upvotes      int              `json:"upvotes"`
	Downvotes    int              `json:"downvotes"`
	Aggregate    aggregatePayload `json:"aggregate"`
}

type verificationResponsePayload struct {
	Aggregate   aggregatePayload           `json:"aggregate"`
	Submissions []submissionSummaryPayload `json:"submissions"`
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var request submitRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Accepted == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	// Malformed input is rejected before the defense chain runs: a bad
	// request must not consume a rate-limit slot or burn a single-use
	// challenge token.
	providerID, err := verify.NewProviderID(request.ProviderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_provider_id"})
		return
	}
	planID, err := verify.NewPlanID(request.PlanID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan_id"})
		return
	}
	fingerprint := c.GetString(fingerprintContextKey)
	origin, err := verify.NewFingerprint(fingerprint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submission := verify.SubmissionRequest{
		ProviderID:     providerID,
		PlanID:         planID,
		Accepted:       *request.Accepted,
		Source:         verify.ParseDataSource(request.Source),
		Note:           request.Note,
		EvidenceURL:    request.EvidenceURL,
		SubmitterEmail: request.SubmitterEmail,
		Fingerprint:    origin,
	}
	if err := submission.Validate(); err != nil {
		h.respondServiceError(c, err)
		return
	}

	if !h.enforceDefenses(c, h.submitLimiter, request.ChallengeToken, fingerprint) {
		return
	}

	result, err := h.verifyService.Submit(c.Request.Context(), submission)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, submitResponsePayload{
		SubmissionID: result.SubmissionID,
		Aggregate:    toAggregatePayload(result.Aggregate),
	})
}

func (h *httpHandler) handleVote(c *gin.Context) {
	var request voteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	direction, err := verify.ParseVoteDirection(request.Direction)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_direction"})
		return
	}

	fingerprint := c.GetString(fingerprintContextKey)
	if !h.enforceDefenses(c, h.voteLimiter, request.ChallengeToken, fingerprint) {
		return
	}

	origin, err := verify.NewFingerprint(fingerprint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.verifyService.CastVote(c.Request.Context(), c.Param("id"), origin, direction)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, voteResponsePayload{
		SubmissionID: result.SubmissionID,
		Upvotes:      result.Upvotes,
		Downvotes:    result.Downvotes,
		Aggregate:    toAggregatePayload(result.Aggregate),
	})
}

func (h *httpHandler) handleGetVerification(c *gin.Context) {
	providerID, err := verify.NewProviderID(c.Param("provider_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_provider_id"})
		return
	}
	planID, err := verify.NewPlanID(c.Param("plan_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_plan_id"})
		return
	}

	view, err := h.verifyService.GetVerification(c.Request.Context(), providerID, planID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	response := verificationResponsePayload{
		Aggregate:   toAggregatePayload(view.Aggregate),
		Submissions: make([]submissionSummaryPayload, 0, len(view.Submissions)),
	}
	for _, summary := range view.Submissions {
		response.Submissions = append(response.Submissions, submissionSummaryPayload{
			ID:          summary.ID,
			Accepted:    summary.Accepted,
			Source:      string(summary.Source),
			Note:        summary.Note,
			EvidenceURL: summary.EvidenceURL,
			Upvotes:     summary.Upvotes,
			Downvotes:   summary.Downvotes,
			CreatedAt:   summary.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, response)
}

// enforceDefenses runs the write-path defense chain: primary rate limit, then
// the bot-challenge gate, then the stricter fallback limit when the gate
// degraded. Returns false when the request was already answered.
func (h *httpHandler) enforceDefenses(c *gin.Context, limiter *ratelimit.Limiter, token string, fingerprint string) bool {
	decision := limiter.Allow(c.Request.Context(), fingerprint)
	if !decision.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return false
	}

	verdict, err := h.gate.Check(c.Request.Context(), token, c.GetString(remoteIPContextKey))
	if err != nil {
		switch {
		case errors.Is(err, challenge.ErrTokenMissing):
			c.JSON(http.StatusBadRequest, gin.H{"error": "challenge_token_missing"})
		case errors.Is(err, challenge.ErrTokenReplayed), errors.Is(err, challenge.ErrChallengeFailed):
			c.JSON(http.StatusBadRequest, gin.H{"error": "challenge_failed"})
		case errors.Is(err, challenge.ErrLowTrust):
			c.JSON(http.StatusForbidden, gin.H{"error": "low_trust"})
		case errors.Is(err, challenge.ErrUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "challenge_unavailable"})
		default:
			h.logger.Error("challenge gate failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return false
	}

	if verdict.Degraded {
		// The gate could not adjudicate; the fallback ceiling bounds the
		// blast radius of the degraded window and the header tells clients
		// to back off instead of retrying blindly.
		c.Header(degradedModeHeader, "challenge_unavailable")
		fallback := h.fallbackLimiter.Allow(c.Request.Context(), fingerprint)
		if !fallback.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(fallback.RetryAfter.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return false
		}
	}

	return true
}

func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, verify.ErrDuplicateSubmission):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_submission"})
	case errors.Is(err, verify.ErrProviderNotFound),
		errors.Is(err, verify.ErrPlanNotFound),
		errors.Is(err, verify.ErrSubmissionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, verify.ErrInvalidNote),
		errors.Is(err, verify.ErrInvalidEvidenceURL),
		errors.Is(err, verify.ErrInvalidSubmitterEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("verification request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func toAggregatePayload(view verify.AggregateView) aggregatePayload {
	return aggregatePayload{
		ProviderID:        view.ProviderID,
		PlanID:            view.PlanID,
		Status:            string(view.Status),
		Score:             view.Score,
		Level:             string(view.Level),
		VerificationCount: view.VerificationCount,
		LastVerifiedAt:    view.LastVerifiedAt,
		ThresholdDays:     view.ThresholdDays,
		DaysUntilStale:    view.DaysUntilStale,
		IsStale:           view.IsStale,
		RecommendReverify: view.RecommendReverify,
		Explanation:       view.Explanation,
	}
}
