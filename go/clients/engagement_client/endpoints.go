package engagement_client

const (
	// API Endpoints
	PollResponseEndpoint = "/api/polls/responses"
	CollectibleEndpoint  = "/api/collectibles"

	// Headers
	AcceptHeader        = "Accept"
	CSRFTokenHeader     = "X-CSRF-Token"
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
)
