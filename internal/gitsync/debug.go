package gitsync

import (
	"net/http"
	"time"

	"github.com/go-git/go-git/v5/plumbing/transport/client"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/sotplane/datasync/internal/logging"
)

// LoggingTransport is an http.RoundTripper that logs requests and their
// outcome at debug level. Headers and userinfo are never logged.
type LoggingTransport struct {
	Transport http.RoundTripper
	Logger    *logging.Logger
}

// NewLoggingTransport creates a new LoggingTransport. If transport is nil,
// http.DefaultTransport is used.
func NewLoggingTransport(transport http.RoundTripper, logger *logging.Logger) *LoggingTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &LoggingTransport{
		Transport: transport,
		Logger:    logger,
	}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	u := *req.URL
	u.User = nil

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		t.Logger.Debugf("git http: %s %s failed after %v: %v", req.Method, u.String(), time.Since(start), err)
		return resp, err
	}

	t.Logger.Debugf("git http: %s %s %d (%v)", req.Method, u.String(), resp.StatusCode, time.Since(start))
	return resp, nil
}

// InstallHTTPLogging routes all Git HTTP(S) traffic through a LoggingTransport.
func InstallHTTPLogging(logger *logging.Logger) {
	c := githttp.NewClient(&http.Client{Transport: NewLoggingTransport(nil, logger)})
	client.InstallProtocol("http", c)
	client.InstallProtocol("https", c)
}
