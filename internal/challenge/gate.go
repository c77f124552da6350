package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultMinScore = 0.5
	replayTTL       = 10 * time.Minute
)

var (
	// ErrTokenMissing indicates the client supplied no challenge token.
	ErrTokenMissing = errors.New("challenge: token missing")
	// ErrTokenReplayed indicates a token that was already spent.
	ErrTokenReplayed = errors.New("challenge: token already used")
	// ErrChallengeFailed indicates the adjudication service rejected the token.
	ErrChallengeFailed = errors.New("challenge: verification failed")
	// ErrLowTrust indicates the token verified but scored below the minimum,
	// the signature of an automated client.
	ErrLowTrust = errors.New("challenge: trust score below minimum")
	// ErrUnavailable indicates the adjudication service could not be reached
	// and the gate is configured to fail closed.
	ErrUnavailable = errors.New("challenge: adjudication service unavailable")
)

// FailureMode selects gate behavior when the adjudication call errors out.
type FailureMode string

const (
	// FailOpen allows the request; the caller must apply the fallback rate
	// limit to bound the degraded window.
	FailOpen FailureMode = "open"
	// FailClosed rejects the request with ErrUnavailable.
	FailClosed FailureMode = "closed"
)

// Verdict is the gate's decision for one request.
type Verdict struct {
	Allowed bool
	// Degraded marks a fail-open or unconfigured allowance. Callers route
	// degraded requests through the stricter fallback limiter.
	Degraded bool
	// Score is the adjudication trust score when one was obtained.
	Score float64
}

// GateConfig bundles configuration required to instantiate a Gate.
type GateConfig struct {
	Endpoint    string
	Secret      string
	MinScore    float64
	Timeout     time.Duration
	FailureMode FailureMode
	Disabled    bool
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Gate validates client-supplied challenge tokens against the external
// adjudication service. The outbound call is the only network suspension in
// the write path; it carries a hard timeout and no database transaction may
// be open around it.
type Gate struct {
	endpoint    string
	secret      string
	minScore    float64
	timeout     time.Duration
	failureMode FailureMode
	disabled    bool
	httpClient  *http.Client
	logger      *zap.Logger
	spent       *gocache.Cache
}

// NewGate constructs a gate. A gate without endpoint or secret is considered
// unconfigured and allows traffic in degraded mode.
func NewGate(cfg GateConfig) *Gate {
	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = defaultMinScore
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	failureMode := cfg.FailureMode
	if failureMode != FailClosed {
		failureMode = FailOpen
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gate{
		endpoint:    strings.TrimSpace(cfg.Endpoint),
		secret:      strings.TrimSpace(cfg.Secret),
		minScore:    minScore,
		timeout:     timeout,
		failureMode: failureMode,
		disabled:    cfg.Disabled,
		httpClient:  httpClient,
		logger:      logger,
		spent:       gocache.New(replayTTL, 2*replayTTL),
	}
}

type adjudicationResponse struct {
	Success    bool     `json:"success"`
	Score      float64  `json:"score"`
	ErrorCodes []string `json:"error-codes"`
}

// Check runs the decision tree for one token. The returned error, when set,
// is one of the package sentinels; the boundary maps them to response codes.
func (g *Gate) Check(ctx context.Context, token string, remoteIP string) (Verdict, error) {
	if g.disabled {
		return Verdict{Allowed: true}, nil
	}
	if g.endpoint == "" || g.secret == "" {
		g.logger.Warn("challenge gate unconfigured, allowing degraded traffic")
		return Verdict{Allowed: true, Degraded: true}, nil
	}

	token = strings.TrimSpace(token)
	if token == "" {
		return Verdict{}, ErrTokenMissing
	}

	// Tokens are single use. Spending before adjudication means a token
	// burned by an errored call cannot be retried, which biases toward
	// rejection on ambiguous races.
	if err := g.spent.Add(token, struct{}{}, replayTTL); err != nil {
		return Verdict{}, ErrTokenReplayed
	}

	response, err := g.adjudicate(ctx, token, remoteIP)
	if err != nil {
		if g.failureMode == FailClosed {
			g.logger.Error("challenge adjudication unavailable, failing closed", zap.Error(err))
			return Verdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		g.logger.Warn("challenge adjudication unavailable, failing open with fallback limit", zap.Error(err))
		return Verdict{Allowed: true, Degraded: true}, nil
	}

	if !response.Success {
		g.logger.Info("challenge token rejected",
			zap.Strings("error_codes", response.ErrorCodes))
		return Verdict{}, ErrChallengeFailed
	}
	if response.Score < g.minScore {
		g.logger.Info("challenge token scored below minimum",
			zap.Float64("score", response.Score),
			zap.Float64("min_score", g.minScore))
		return Verdict{Score: response.Score}, ErrLowTrust
	}

	return Verdict{Allowed: true, Score: response.Score}, nil
}

func (g *Gate) adjudicate(ctx context.Context, token string, remoteIP string) (adjudicationResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", g.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	request, err := http.NewRequestWithContext(callCtx, http.MethodPost, g.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return adjudicationResponse{}, err
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := g.httpClient.Do(request)
	if err != nil {
		return adjudicationResponse{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return adjudicationResponse{}, fmt.Errorf("adjudication request returned status %d", response.StatusCode)
	}

	var parsed adjudicationResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return adjudicationResponse{}, err
	}
	return parsed, nil
}
