// Package drive implements DriveFacade, the only component in this module
// that speaks to the remote Drive HTTP API. It owns the content cache, the
// pending-write buffer and the changes-feed cursor.
package drive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// BaseURL is the API endpoint of the remote Drive service. Variable (rather
// than const) so tests can redirect it at an httptest server.
var BaseURL = "https://www.googleapis.com/drive/v3"

// UploadURL is the endpoint used for content uploads (create/update media).
var UploadURL = "https://www.googleapis.com/upload/drive/v3"

// apiError is used when decoding the Drive API's error envelope.
type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// request performs an authenticated request against the Drive API. Any HTTP
// failure, including a non-2xx status, is surfaced as an error. Nothing here
// retries; the facade retries nothing.
func request(base, resource string, auth *Auth, method string, content io.Reader) ([]byte, error) {
	if auth == nil || auth.AccessToken == "" {
		log.Error().Msg("Attempted a Drive request with empty auth.")
		return nil, fmt.Errorf("cannot make a request with empty auth")
	}
	auth.Refresh()

	client := &http.Client{
		Transport: &http.Transport{
			Dial: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).Dial,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}

	req, err := http.NewRequest(method, base+resource, content)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
	switch method {
	case "PATCH", "POST":
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		json.Unmarshal(body, &apiErr)
		return nil, fmt.Errorf("HTTP %d - %s", resp.StatusCode, apiErr.Error.Message)
	}
	return body, nil
}

// Get performs an authenticated GET against the Drive API.
func Get(resource string, auth *Auth) ([]byte, error) {
	return request(BaseURL, resource, auth, "GET", nil)
}

// Post performs an authenticated POST against the Drive API.
func Post(resource string, auth *Auth, content io.Reader) ([]byte, error) {
	return request(BaseURL, resource, auth, "POST", content)
}

// Patch performs an authenticated PATCH against the Drive API.
func Patch(resource string, auth *Auth, content io.Reader) ([]byte, error) {
	return request(BaseURL, resource, auth, "PATCH", content)
}

// Delete performs an authenticated DELETE against the Drive API.
func Delete(resource string, auth *Auth) error {
	_, err := request(BaseURL, resource, auth, "DELETE", nil)
	return err
}

// Upload performs an authenticated request against the upload endpoint
// (used for create/update of file content).
func Upload(resource, method string, auth *Auth, contentType string, content io.Reader) ([]byte, error) {
	if auth == nil || auth.AccessToken == "" {
		return nil, fmt.Errorf("cannot make a request with empty auth")
	}
	auth.Refresh()

	client := &http.Client{}
	req, err := http.NewRequest(method, UploadURL+resource, content)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+auth.AccessToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		json.Unmarshal(body, &apiErr)
		return nil, fmt.Errorf("HTTP %d - %s", resp.StatusCode, apiErr.Error.Message)
	}
	return body, nil
}

// query builds a url.Values encoded query string, skipping empty values.
func query(params map[string]string) string {
	v := url.Values{}
	for key, val := range params {
		if val != "" {
			v.Set(key, val)
		}
	}
	return v.Encode()
}

// IsOffline checks if an error returned from this package (or wrapping one,
// such as FileManager.Sync's "sync: %w") indicates that we never got an HTTP
// response at all, as opposed to an API-level error.
func IsOffline(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}
