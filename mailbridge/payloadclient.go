package mailbridge

import (
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// PayloadClient fetches payloads by reference id from the downstream
// provider's HTTP endpoint, the cross-process counterpart of
// PayloadStore.Retrieve.
type PayloadClient struct {
	baseURL    string
	httpClient *http.Client
	tokens     *tokenSource
}

// NewPayloadClient builds a client for the configured payload endpoint.
// When a token URL is configured, requests carry a bearer token refreshed
// through the client-credentials flow.
func NewPayloadClient(config *Config) *PayloadClient {
	httpClient := &http.Client{
		Timeout: time.Duration(config.ConnectTimeout) * time.Second,
	}
	var tokens *tokenSource
	if config.TokenURL != "" {
		tokens = &tokenSource{
			tokenURL:     config.TokenURL,
			clientID:     config.TokenClientID,
			clientSecret: config.TokenClientSecret,
			scope:        config.TokenScope,
			httpClient:   httpClient,
		}
	}
	return &PayloadClient{
		baseURL:    strings.TrimSuffix(config.PayloadBaseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
	}
}

// GetPayloads fetches all payloads stored under a reference id. Non-2xx
// statuses map onto the payload error taxonomy.
func (c *PayloadClient) GetPayloads(referenceID uuid.UUID) (payloads []Payload, rerr error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+"/"+referenceID.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if c.tokens != nil {
		token, err := c.tokens.token()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to fetch payloads for reference id %s", referenceID)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			rerr = appendError(rerr, errors.WithStack(err))
		}
	}()

	switch resp.StatusCode {
	case http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(&payloads); err != nil {
			return nil, errors.Wrap(err, "failed to decode payload response")
		}
		return payloads, nil
	case http.StatusNotFound:
		return nil, &PayloadNotFound{ReferenceID: referenceID.String()}
	case http.StatusBadRequest:
		return nil, &InvalidReferenceID{ReferenceID: referenceID.String()}
	case http.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, &UnknownPayloadError{Body: string(body)}
	}
}

// tokenSource caches a client-credentials bearer token until shortly
// before expiry.
type tokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	httpClient   *http.Client

	mu      sync.Mutex
	cached  string
	expires time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (t *tokenSource) token() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != "" && time.Now().Before(t.expires) {
		return t.cached, nil
	}

	form := url.Values{
		"client_id":     {t.clientID},
		"client_secret": {t.clientSecret},
		"grant_type":    {"client_credentials"},
		"scope":         {t.scope},
	}
	resp, err := t.httpClient.PostForm(t.tokenURL, form)
	if err != nil {
		return "", errors.Wrap(err, "token request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", errors.Newf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", errors.Wrap(err, "failed to decode token response")
	}
	if tr.AccessToken == "" {
		return "", errors.New("token endpoint returned empty access token")
	}

	t.cached = tr.AccessToken
	// refresh a minute early rather than risk an expired token in flight
	t.expires = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
	return t.cached, nil
}
