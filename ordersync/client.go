package ordersync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/order_sync_backend/config"
	"bitbucket.org/mmdatafocus/order_sync_backend/metrics"
	"bitbucket.org/mmdatafocus/order_sync_backend/models"
	"bitbucket.org/mmdatafocus/order_sync_backend/utils"
	"golang.org/x/time/rate"
)

const (
	resourceOrders = "orders"
	apiPrefix      = "/wp-json/wc/v3"
)

// PageInfo carries the pagination headers of a list call. -1 means the
// header was absent.
type PageInfo struct {
	Total      int
	TotalPages int
}

// RemoteClient is the store's REST surface as the engine uses it.
type RemoteClient interface {
	List(ctx context.Context, resource string, params url.Values, out interface{}) (PageInfo, error)
	Get(ctx context.Context, resource, id string, out interface{}) error
	Create(ctx context.Context, resource string, body, out interface{}) error
	Update(ctx context.Context, resource, id string, body, out interface{}) error
}

// ClientFactory builds a client for one company's stored credentials.
type ClientFactory func(s *models.SyncSettings) (RemoteClient, error)

// RemoteError is a non-2xx answer from the store.
type RemoteError struct {
	Method     string
	Path       string
	StatusCode int
	Code       string
	Message    string
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("store api error %d (%s) on %s %s: %s", e.StatusCode, e.Code, e.Method, e.Path, msg)
	}
	return fmt.Sprintf("store api error %d on %s %s: %s", e.StatusCode, e.Method, e.Path, msg)
}

func (e *RemoteError) HTTPStatus() int { return e.StatusCode }

func remoteStatus(err error) int {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

func IsRemoteAuthError(err error) bool {
	code := remoteStatus(err)
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

type ClientConfig struct {
	Timeout       time.Duration
	MaxAttempts   int
	RatePerSecond float64
	// Backoff returns the wait before retry number attempt (1-based).
	Backoff    func(attempt int) time.Duration
	HTTPClient *http.Client
}

func ClientConfigFrom(s config.SyncConfig) ClientConfig {
	return ClientConfig{
		Timeout:       s.RemoteTimeout(),
		MaxAttempts:   s.RemoteMaxAttempts,
		RatePerSecond: s.RemoteRatePerSecond,
	}
}

func defaultBackoff(attempt int) time.Duration {
	d := 500 * time.Millisecond * time.Duration(1<<min(attempt-1, 5))
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

type wooClient struct {
	baseURL     string
	key         string
	secret      string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	backoff     func(int) time.Duration
}

func NewWooClient(storeURL, consumerKey, consumerSecret string, cfg ClientConfig) (RemoteClient, error) {
	storeURL = strings.TrimRight(strings.TrimSpace(storeURL), "/")
	if storeURL == "" {
		return nil, errors.New("store url is empty")
	}
	if _, err := url.ParseRequestURI(storeURL); err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}
	if strings.TrimSpace(consumerKey) == "" || strings.TrimSpace(consumerSecret) == "" {
		return nil, errors.New("consumer key/secret is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = defaultBackoff
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}

	return &wooClient{
		baseURL:     storeURL + apiPrefix,
		key:         consumerKey,
		secret:      consumerSecret,
		http:        httpClient,
		limiter:     limiter,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
	}, nil
}

type cachedClient struct {
	credentials string
	client      RemoteClient
}

// NewClientFactory keeps one client per company so the rate limiter is shared
// by every caller for the same store. A company whose credentials change gets
// a fresh client in place of the old one.
func NewClientFactory(cfg ClientConfig) ClientFactory {
	var mu sync.Mutex
	cache := map[string]cachedClient{}
	return func(s *models.SyncSettings) (RemoteClient, error) {
		if s == nil {
			return nil, ErrSettingsNotFound
		}
		credentials := s.StoreUrl + "|" + s.ConsumerKey + "|" + s.ConsumerSecret
		mu.Lock()
		defer mu.Unlock()
		if cc, ok := cache[s.CompanyId]; ok && cc.credentials == credentials {
			return cc.client, nil
		}
		c, err := NewWooClient(s.StoreUrl, s.ConsumerKey, s.ConsumerSecret, cfg)
		if err != nil {
			delete(cache, s.CompanyId)
			return nil, err
		}
		cache[s.CompanyId] = cachedClient{credentials: credentials, client: c}
		return c, nil
	}
}

func (c *wooClient) List(ctx context.Context, resource string, params url.Values, out interface{}) (PageInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/"+resource, params, nil, out)
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{
		Total:      headerInt(resp.Header, "X-WP-Total"),
		TotalPages: headerInt(resp.Header, "X-WP-TotalPages"),
	}, nil
}

func (c *wooClient) Get(ctx context.Context, resource, id string, out interface{}) error {
	_, err := c.do(ctx, http.MethodGet, "/"+resource+"/"+url.PathEscape(id), nil, nil, out)
	return err
}

func (c *wooClient) Create(ctx context.Context, resource string, body, out interface{}) error {
	_, err := c.do(ctx, http.MethodPost, "/"+resource, nil, body, out)
	return err
}

func (c *wooClient) Update(ctx context.Context, resource, id string, body, out interface{}) error {
	_, err := c.do(ctx, http.MethodPut, "/"+resource+"/"+url.PathEscape(id), nil, body, out)
	return err
}

type remoteErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *wooClient) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) (*http.Response, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, respBody, err := c.roundTrip(ctx, method, endpoint, payload)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || !retryable(method, 0, err) {
				return nil, err
			}
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			rerr := &RemoteError{Method: method, Path: path, StatusCode: resp.StatusCode}
			var eb remoteErrorBody
			if json.Unmarshal(respBody, &eb) == nil && (eb.Code != "" || eb.Message != "") {
				rerr.Code, rerr.Message = eb.Code, eb.Message
			} else {
				rerr.Message = truncate(strings.TrimSpace(string(respBody)), 300)
			}
			lastErr = rerr
			if retryable(method, resp.StatusCode, nil) {
				continue
			}
			return resp, rerr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return resp, fmt.Errorf("decode %s %s: %w", method, path, err)
			}
		}
		return resp, nil
	}
	return nil, lastErr
}

// retryable reports whether a failed attempt may be sent again. A POST creates
// a remote order, so it is only resent when the store cannot have seen it: the
// connection was never made, or the store refused it with 429.
func retryable(method string, status int, err error) bool {
	idempotent := method != http.MethodPost
	if err != nil {
		if idempotent {
			return utils.IsTransientErr(err)
		}
		return isDialErr(err)
	}
	if status == http.StatusTooManyRequests {
		return true
	}
	return idempotent && status >= 500
}

func isDialErr(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *wooClient) roundTrip(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(c.key, c.secret)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RemoteLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(method, "error").Inc()
		return nil, nil, err
	}
	defer resp.Body.Close()
	metrics.RemoteRequests.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	return resp, respBody, nil
}

func headerInt(h http.Header, key string) int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Order helpers over the generic client.

func listOrders(ctx context.Context, c RemoteClient, params url.Values) ([]RemoteOrder, PageInfo, error) {
	var orders []RemoteOrder
	info, err := c.List(ctx, resourceOrders, params, &orders)
	return orders, info, err
}

func getOrder(ctx context.Context, c RemoteClient, id string) (*RemoteOrder, error) {
	var ro RemoteOrder
	if err := c.Get(ctx, resourceOrders, id, &ro); err != nil {
		return nil, err
	}
	return &ro, nil
}

// pingStore verifies that credentials can read orders.
func pingStore(ctx context.Context, c RemoteClient) error {
	_, _, err := listOrders(ctx, c, url.Values{"per_page": {"1"}})
	if IsRemoteAuthError(err) {
		return fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return err
}
