// Package jma talks to the JMA past-observation download service (obsdl).
package jma

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"amedas-climate/internal/acquisition"
	"amedas-climate/internal/models"
	"amedas-climate/pkg/logging"
	"amedas-climate/pkg/textenc"
)

const (
	indexPath = "/risk/obsdl/index.php"
	tablePath = "/risk/obsdl/show/table"

	// hourly values, whole month, CSV
	aggregationHourly = "9"
	maxBodyBytes      = 32 << 20
)

// elementList requests temperature, precipitation, sunshine, wind, solar
// radiation, snow, humidity, pressure, cloud, visibility and weather.
const elementList = `[["201",""],["101",""],["610",""],["703",""],["704",""],["607",""],["601",""],["602",""],["605",""],["301",""],["401",""],["501",""],["503",""]]`

var sidPattern = regexp.MustCompile(`<input type="hidden" id="sid" value="(.*?)"`)

var errNoSID = errors.New("session id not found in index page")

// Config holds the client settings
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	UserAgent       string
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client is a Fetcher backed by the obsdl web service.
type Client struct {
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	logger  *logging.StructuredLogger
}

// NewClient creates a client. Consecutive failures beyond
// cfg.BreakerFailures open the circuit for cfg.BreakerTimeout.
func NewClient(cfg Config, logger *logging.StructuredLogger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}

	c := &Client{cfg: cfg, logger: logger}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "jma-obsdl",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "[JMA_BREAKER] Circuit breaker state changed", logging.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return c
}

// Session carries the server side session id together with the cookie jar
// it is bound to.
type Session struct {
	sid    string
	client *http.Client
}

// ID returns the obsdl session id.
func (s *Session) ID() string {
	return s.sid
}

// OpenSession loads the obsdl index page with a fresh cookie jar and
// extracts the session id embedded in it.
func (c *Client) OpenSession(ctx context.Context) (acquisition.Session, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, &models.SessionError{Err: err}
	}
	httpClient := &http.Client{Timeout: c.cfg.Timeout, Jar: jar}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+indexPath, nil)
	if err != nil {
		return nil, &models.SessionError{Err: err}
	}
	c.setHeaders(req)

	body, _, err := c.do(httpClient, req)
	if err != nil {
		return nil, &models.SessionError{Err: err}
	}

	m := sidPattern.FindSubmatch(body)
	if m == nil || len(m[1]) == 0 {
		return nil, &models.SessionError{Err: errNoSID}
	}

	sess := &Session{sid: string(m[1]), client: httpClient}
	c.logger.Info(ctx, "[JMA_SESSION] Obtained obsdl session", logging.Fields{
		"session_id": sess.sid,
	})
	return sess, nil
}

// Fetch downloads the hourly CSV of one station and month and returns it
// as UTF-8.
func (c *Client) Fetch(ctx context.Context, sess acquisition.Session, key models.ArchiveKey) ([]byte, error) {
	s, ok := sess.(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("jma: unexpected session type %T", sess)
	}

	form := FormFor(key, s.sid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+tablePath, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", key, err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	body, status, err := c.do(s.client, req)
	if err != nil {
		return nil, &models.TransportError{Key: key, StatusCode: status, Err: err}
	}

	decoded, err := textenc.ToUTF8(body)
	if err != nil {
		return nil, &models.TransportError{Key: key, Err: err}
	}
	return decoded, nil
}

// FormFor builds the obsdl form requesting one station-month of hourly data.
func FormFor(key models.ArchiveKey, sid string) url.Values {
	lastDay := key.LastInstant(time.UTC).Day()
	return url.Values{
		"stationNumList":  {fmt.Sprintf(`["%s"]`, key.StationID)},
		"aggrgPeriod":     {aggregationHourly},
		"elementNumList":  {elementList},
		"interAnnualFlag": {"1"},
		"ymdList":         {fmt.Sprintf(`["%d","%d","%d","%d","1","%d"]`, key.Year, key.Year, key.Month, key.Month, lastDay)},
		"optionNumList":   {"[]"},
		"downloadFlag":    {"true"},
		"rmkFlag":         {"1"},
		"disconnectFlag":  {"1"},
		"youbiFlag":       {"0"},
		"fukenFlag":       {"0"},
		"kijiFlag":        {"0"},
		"huukouFlag":      {"0"},
		"csvFlag":         {"1"},
		"jikantaiFlag":    {"0"},
		"jikantaiList":    {"[1,24]"},
		"ymdLiteral":      {"1"},
		"PHPSESSID":       {sid},
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.code)
}

// do executes req through the circuit breaker and returns the body of a 2xx
// response.
func (c *Client) do(httpClient *http.Client, req *http.Request) ([]byte, int, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
			return nil, &statusError{code: resp.StatusCode}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}
		return body, nil
	})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, se.code, err
		}
		return nil, 0, err
	}

	body, ok := result.([]byte)
	if !ok {
		return nil, 0, fmt.Errorf("unexpected result type from circuit breaker")
	}
	return body, http.StatusOK, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept", "text/html, */*; q=0.01")
	req.Header.Set("Accept-Language", "ja-JP,ja;q=0.9")
	req.Header.Set("Origin", c.cfg.BaseURL)
	req.Header.Set("Referer", c.cfg.BaseURL+indexPath)
}
