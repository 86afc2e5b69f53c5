package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"

	"sundial/internal/task/engine"
	"sundial/internal/task/scheduler"
)

// HTTPJob performs a single request per run.
type HTTPJob struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	Client  *http.Client
}

// NewHTTPClient returns the pooled client shared by every http job.
func NewHTTPClient() *http.Client { return cleanhttp.DefaultPooledClient() }

func (j *HTTPJob) Execute(ctx context.Context, jc *scheduler.JobExecutionContext) error {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	method := strings.ToUpper(strings.TrimSpace(j.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if j.Body != "" {
		body = strings.NewReader(j.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, j.URL, body)
	if err != nil {
		return engine.NoRetry(err)
	}
	for k, v := range j.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Sundial-Job", jc.JobID())
	req.Header.Set("X-Sundial-Run", jc.RunID)

	client := j.Client
	if client == nil {
		client = cleanhttp.DefaultClient()
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	n, _ := io.Copy(io.Discard, resp.Body)

	result := fmt.Sprintf("%d %d bytes", resp.StatusCode, n)
	jc.SetResult(result)
	jc.SetItem("http.status", resp.StatusCode)

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable:
		err := fmt.Errorf("%s %s: %s", method, j.URL, result)
		if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return engine.RetryAfter(err, after)
		}
		return err
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout:
		return engine.NoRetry(fmt.Errorf("%s %s: %s", method, j.URL, result))
	default:
		return fmt.Errorf("%s %s: %s", method, j.URL, result)
	}
}

// retryAfter reads a Retry-After header given in seconds or as an HTTP date.
func retryAfter(v string) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(time.Until(t), 0), true
	}
	return 0, false
}
