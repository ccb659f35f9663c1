// Package collytransport implements jobstats.Transport using gocolly.
package collytransport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Username and Password enable HTTP basic auth against the nodes.
	Username string
	Password string
	// MaxBodyBytes caps response bodies; zero means unlimited.
	MaxBodyBytes int
}

// Client fetches logs and stats from job nodes and posts control requests.
type Client struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Client.
func New(cfg Config) *Client {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch performs a GET and returns the status code and body. Non-2xx responses
// are returned as a Response, not as an error; an error means the node could
// not be reached at all.
func (c *Client) Fetch(ctx context.Context, url string, asJSON bool) (jobstats.Response, error) {
	var (
		result   jobstats.Response
		fetchErr error
	)
	collector := c.buildCollector(ctx, asJSON, &result, &fetchErr)
	err := c.runCollector(ctx, &fetchErr, func() error {
		return collector.Visit(url)
	})
	if err != nil {
		return jobstats.Response{}, err
	}
	return result, nil
}

// PostForm sends a form-encoded POST and returns the status code and body.
func (c *Client) PostForm(ctx context.Context, url string, form map[string]string) (jobstats.Response, error) {
	var (
		result   jobstats.Response
		fetchErr error
	)
	collector := c.buildCollector(ctx, true, &result, &fetchErr)
	err := c.runCollector(ctx, &fetchErr, func() error {
		return collector.Post(url, form)
	})
	if err != nil {
		return jobstats.Response{}, err
	}
	return result, nil
}

func (c *Client) buildCollector(ctx context.Context, asJSON bool, result *jobstats.Response, fetchErr *error) *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.Context = ctx
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.MaxBodySize = c.cfg.MaxBodyBytes
	timeout := c.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	c.configureCollectorHooks(collector, asJSON, result, fetchErr)
	return collector
}

func (c *Client) configureCollectorHooks(
	hooks collectorHooks,
	asJSON bool,
	result *jobstats.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if c.cfg.Username != "" || c.cfg.Password != "" {
			r.Headers.Set("Authorization", basicAuth(c.cfg.Username, c.cfg.Password))
		}
		if asJSON {
			r.Headers.Set("Accept", "application/json")
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = jobstats.Response{
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (c *Client) runCollector(ctx context.Context, fetchErr *error, visit func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- visit()
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly request canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func basicAuth(username, password string) string {
	req := &http.Request{Header: make(http.Header)}
	req.SetBasicAuth(username, password)
	return req.Header.Get("Authorization")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
