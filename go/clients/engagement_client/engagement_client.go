package engagement_client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/livecue/go/clients"
	"github.com/mcdev12/livecue/go/internal/show/submission"
)

// ErrSessionExpired is reported when the session token's exp has passed
var ErrSessionExpired = errors.New("session token expired")

// Credentials are the anti-forgery token and session token attached to
// every submission
type Credentials struct {
	CSRFToken    string `json:"csrfToken"`
	SessionToken string `json:"sessionToken"`
}

type Options struct {
	PollPath        string
	CollectiblePath string
	Timeout         time.Duration
	Clock           clockwork.Clock
}

type EngagementClient struct {
	*clients.BaseClient

	pollPath        string
	collectiblePath string
	clk             clockwork.Clock

	mu    sync.RWMutex
	creds Credentials
}

func NewEngagementClient(baseURL string, opts Options) *EngagementClient {
	client := &EngagementClient{
		BaseClient:      clients.NewBaseClient(strings.TrimRight(baseURL, "/")),
		pollPath:        opts.PollPath,
		collectiblePath: opts.CollectiblePath,
		clk:             opts.Clock,
	}
	if client.pollPath == "" {
		client.pollPath = PollResponseEndpoint
	}
	if client.collectiblePath == "" {
		client.collectiblePath = CollectibleEndpoint
	}
	if client.clk == nil {
		client.clk = clockwork.NewRealClock()
	}
	client.SetHeader(AcceptHeader, "application/json")
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	return client
}

// SetCredentials replaces the credentials used for later deliveries
func (c *EngagementClient) SetCredentials(creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds = creds
}

func (c *EngagementClient) credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// Deliver posts body to the endpoint for kind and classifies the response
func (c *EngagementClient) Deliver(ctx context.Context, kind submission.Kind, body json.RawMessage) submission.Delivery {
	creds := c.credentials()
	if err := c.checkExpiry(creds.SessionToken); err != nil {
		return submission.Delivery{Status: submission.DeliveryAuthRequired, Err: err}
	}

	headers := make(map[string]string, 2)
	if creds.CSRFToken != "" {
		headers[CSRFTokenHeader] = creds.CSRFToken
	}
	if creds.SessionToken != "" {
		headers[AuthorizationHeader] = BearerPrefix + creds.SessionToken
	}

	endpoint := c.collectiblePath
	if kind == submission.KindPollVote {
		endpoint = c.pollPath
	}

	resp, err := c.PostJSON(ctx, endpoint, body, headers)
	if err != nil {
		return submission.Delivery{Status: submission.DeliveryTransportFailure, Err: err}
	}
	return classify(kind, resp)
}

// checkExpiry treats a JWT session token whose exp has passed as signed out.
// Tokens that are not JWTs are sent as-is and left for the server to judge.
func (c *EngagementClient) checkExpiry(token string) error {
	if token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	if !c.clk.Now().Before(exp.Time) {
		return fmt.Errorf("%w at %s", ErrSessionExpired, exp.Time.Format(time.RFC3339))
	}
	return nil
}

func classify(kind submission.Kind, resp *clients.Response) submission.Delivery {
	d := submission.Delivery{StatusCode: resp.StatusCode, Body: resp.Body}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.Status = submission.DeliveryDelivered
	case resp.StatusCode == http.StatusUnauthorized:
		d.Status = submission.DeliveryAuthRequired
	case kind == submission.KindPollVote && resp.StatusCode == http.StatusBadRequest:
		// the poll endpoint answers a repeat vote with 400
		d.Status = submission.DeliveryDuplicate
	case kind.Collectible() && resp.StatusCode == http.StatusConflict:
		d.Status = submission.DeliveryDuplicate
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		d.Status = submission.DeliveryTransportFailure
		d.Err = fmt.Errorf("server returned status code: %d", resp.StatusCode)
	default:
		d.Status = submission.DeliveryRejected
		d.Err = fmt.Errorf("API returned status code: %d, response: %s", resp.StatusCode, errorMessage(resp.Body))
	}
	return d
}

func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
