package drive

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Auth holds the bearer token used to authenticate Drive API requests. The
// core only ever reads/refreshes tokens from disk; the interactive OAuth
// flow that produces the token file in the first place is an external
// collaborator and lives outside this package.
type Auth struct {
	ClientID     string
	ClientSecret string
	TokenURL     string

	AccessToken  string
	RefreshToken string
	ExpiresAt    int64

	path string
}

// storedToken mirrors one element of the token file's on-disk format: a
// one-element JSON array written by the headless login flow.
type storedToken struct {
	Scopes []string `json:"scopes"`
	Token  struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		// ExpiresAt is a 9-tuple: (year, day_of_year, hour, minute, second,
		// nanosecond, 0, 0, 0).
		ExpiresAt [9]int64 `json:"expires_at"`
		IDToken   *string  `json:"id_token,omitempty"`
	} `json:"token"`
}

// expiresAtUnix converts the 9-tuple into a unix timestamp.
func (s storedToken) expiresAtUnix() int64 {
	t := s.Token.ExpiresAt
	date := time.Date(int(t[0]), time.January, 1, int(t[2]), int(t[3]), int(t[4]), int(t[5]), time.UTC)
	return date.AddDate(0, 0, int(t[1])-1).Unix()
}

// FromFile loads a token file written by the headless login flow.
func (a *Auth) FromFile(path string) error {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return err
	}
	var entries []storedToken
	if err := json.Unmarshal(contents, &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("token file %q contained no entries", path)
	}
	entry := entries[0]
	a.path = path
	a.AccessToken = entry.Token.AccessToken
	a.RefreshToken = entry.Token.RefreshToken
	a.ExpiresAt = entry.expiresAtUnix()
	return nil
}

// tokenResponse is returned by the OAuth token endpoint on refresh.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Refresh renews the access token if it has expired. Network failures are
// swallowed (the caller will see the stale token fail the subsequent
// request, surfaced as a Remote error.
func (a *Auth) Refresh() {
	if a.ExpiresAt > time.Now().Unix() {
		return
	}
	if a.RefreshToken == "" || a.TokenURL == "" {
		return
	}

	postData := strings.NewReader(
		"client_id=" + a.ClientID +
			"&client_secret=" + a.ClientSecret +
			"&refresh_token=" + a.RefreshToken +
			"&grant_type=refresh_token",
	)
	resp, err := http.Post(a.TokenURL, "application/x-www-form-urlencoded", postData)
	if err != nil {
		log.Trace().Err(err).Msg("Token refresh request failed, leaving existing token in place.")
		return
	}
	defer resp.Body.Close()

	body, _ := ioutil.ReadAll(resp.Body)
	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.AccessToken == "" {
		log.Warn().Msg("Could not parse token refresh response.")
		return
	}
	a.AccessToken = parsed.AccessToken
	a.ExpiresAt = time.Now().Unix() + parsed.ExpiresIn
}
