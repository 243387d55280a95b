package fromchat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// transporter is the HTTP surface the client needs from the directory
// and backup service. Tests substitute an in-memory fake.
type transporter interface {
	get(path string) (*response, error)
	postJSON(path string, body interface{}) (*response, error)
}

type response struct {
	Status int
	Body   []byte
}

func (r *response) isError() bool {
	return r.Status < 200 || r.Status >= 300
}

func (r *response) Error() string {
	return fmt.Sprintf("server status %d", r.Status)
}

type httpTransporter struct {
	baseURL string
	userID  string
	token   string
	client  *http.Client
}

func newHTTPTransporter(cfg *Config) *httpTransporter {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpTransporter{
		baseURL: strings.TrimSuffix(cfg.Server, "/"),
		userID:  cfg.UserID,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (ht *httpTransporter) do(req *http.Request) (*response, error) {
	if ht.token != "" {
		req.Header.Set("Authorization", "Bearer "+ht.token)
	}
	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading response of %s", req.URL.Path)
	}
	r := &response{Status: resp.StatusCode, Body: body}
	log.Debugf("%s %s -> %d (%d bytes)", req.Method, req.URL.Path, r.Status, len(body))
	return r, nil
}

func (ht *httpTransporter) get(path string) (*response, error) {
	req, err := http.NewRequest(http.MethodGet, ht.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return ht.do(req)
}

func (ht *httpTransporter) postJSON(path string, body interface{}) (*response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding body of %s", path)
	}
	req, err := http.NewRequest(http.MethodPost, ht.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return ht.do(req)
}
