package hive

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/log2"
)

const (
	DefaultAPIURL  = "https://api2.hiveos.farm/api/v2"
	DefaultTimeout = 30 * time.Second

	bodyLimit = 8 << 20
)

// FetchError is failed request to telemetry API.
// Status is 0 when no HTTP response was received.
type FetchError struct {
	Op     string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("hive %s: status=%d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("hive %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func IsFetchError(err error) bool {
	_, ok := errors.Cause(err).(*FetchError)
	return ok
}

type ClientOptions struct {
	APIURL    string
	Token     string // secret
	Timeout   time.Duration
	Transport http.RoundTripper // nil = http.DefaultTransport
	Log       *log2.Log
}

// Client is read-only HiveOS API v2 consumer.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
	log   *log2.Log
}

func NewClient(opt ClientOptions) (*Client, error) {
	if opt.APIURL == "" {
		opt.APIURL = DefaultAPIURL
	}
	base, err := url.Parse(strings.TrimRight(opt.APIURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.NotValidf("hive api_url=%q", opt.APIURL)
	}
	if opt.Token == "" {
		return nil, errors.NotValidf("hive token=empty")
	}
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	return &Client{
		base:  base,
		token: opt.Token,
		http:  &http.Client{Timeout: opt.Timeout, Transport: opt.Transport},
		log:   opt.Log,
	}, nil
}

func (c *Client) FetchFarm(ctx context.Context, farmID string) (*FarmSnapshot, error) {
	const op = "fetch farm"
	root, err := c.get(ctx, op, "farms", farmID, "workers")
	if err != nil {
		return nil, err
	}
	data := root.Get("data")
	if data == nil || data.Kind != KindArray {
		return nil, &FetchError{Op: op, Err: errors.NotValidf("response without data list")}
	}

	f := &FarmSnapshot{FarmID: farmID, Workers: make([]WorkerSummary, 0, data.Len())}
	for i, item := range data.Items {
		id, ok := item.Get("id").Str()
		if !ok || id == "" {
			c.log.Errorf("hive farm=%s worker index=%d without id, skip", farmID, i)
			continue
		}
		w := WorkerSummary{ID: id}
		w.Name, _ = item.Get("name").Str()
		if online, ok := item.Path("stats", "online").Boolean(); ok {
			w.Online = online
		} else {
			w.Online, _ = item.Get("online").Boolean()
		}
		f.Workers = append(f.Workers, w)
	}
	return f, nil
}

func (c *Client) FetchWorker(ctx context.Context, farmID, workerID string) (*WorkerDetail, error) {
	root, err := c.get(ctx, "fetch worker="+workerID, "farms", farmID, "workers", workerID)
	if err != nil {
		return nil, err
	}
	return NewWorkerDetail(workerID, root), nil
}

func (c *Client) get(ctx context.Context, op string, segments ...string) (*Value, error) {
	u := *c.base
	for _, s := range segments {
		u.Path += "/" + url.PathEscape(s)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Op: op, Err: errors.Trace(err)}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "hive2mqtt")

	begin := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, Err: errors.Annotate(err, "request")}
	}
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(io.LimitReader(resp.Body, bodyLimit))
	if err != nil {
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: errors.Annotate(err, "read body")}
	}
	c.log.Debugf("hive GET %s status=%d size=%d duration=%v", u.Path, resp.StatusCode, len(body), time.Since(begin))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: errors.NotFoundf("%s", u.Path)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: errors.Errorf("response=%s", snippet(body))}
	}

	v, err := ParseValue(body)
	if err != nil {
		return nil, &FetchError{Op: op, Status: resp.StatusCode, Err: err}
	}
	return v, nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
