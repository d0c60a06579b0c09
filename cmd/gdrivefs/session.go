package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// oauthClientSecret holds the installed-app OAuth client downloaded from
// the provider's developer console. Unlike a fixed set of endpoint
// defaults, every endpoint here comes from the session's client_secret
// file so the same binary works against any compatible Drive deployment.
type oauthClientSecret struct {
	Installed struct {
		ClientID     string   `json:"client_id"`
		ClientSecret string   `json:"client_secret"`
		AuthURI      string   `json:"auth_uri"`
		TokenURI     string   `json:"token_uri"`
		RedirectURIs []string `json:"redirect_uris"`
	} `json:"installed"`
}

func loadClientSecret(path string) (*oauthClientSecret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var secret oauthClientSecret
	if err := json.Unmarshal(data, &secret); err != nil {
		return nil, err
	}
	return &secret, nil
}

// tokenResponse mirrors the OAuth token endpoint's success response.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token"`
}

// storedTokenEntry mirrors the on-disk token file format.
type storedTokenEntry struct {
	Scopes []string `json:"scopes"`
	Token  struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken string  `json:"refresh_token"`
		ExpiresAt    [9]int64 `json:"expires_at"`
		IDToken      *string `json:"id_token,omitempty"`
	} `json:"token"`
}

// authScopes requested for the installed-app flow.
const authScopes = "https://www.googleapis.com/auth/drive"

func authURL(secret *oauthClientSecret) string {
	redirect := "urn:ietf:wg:oauth:2.0:oob"
	if len(secret.Installed.RedirectURIs) > 0 {
		redirect = secret.Installed.RedirectURIs[0]
	}
	return secret.Installed.AuthURI +
		"?client_id=" + url.QueryEscape(secret.Installed.ClientID) +
		"&redirect_uri=" + url.QueryEscape(redirect) +
		"&response_type=code" +
		"&access_type=offline" +
		"&scope=" + url.QueryEscape(authScopes)
}

// promptForCode walks the user through the authorize_using_code flow: visit
// a URL in their own browser, paste back the resulting code.
func promptForCode(secret *oauthClientSecret) string {
	fmt.Printf("Please visit the following URL and authorize access:\n%s\n\n", authURL(secret))
	fmt.Print("Paste the authorization code here: ")
	var code string
	fmt.Scanln(&code)
	return strings.TrimSpace(code)
}

func exchangeCode(secret *oauthClientSecret, code string) (*tokenResponse, error) {
	redirect := "urn:ietf:wg:oauth:2.0:oob"
	if len(secret.Installed.RedirectURIs) > 0 {
		redirect = secret.Installed.RedirectURIs[0]
	}
	form := url.Values{
		"client_id":     {secret.Installed.ClientID},
		"client_secret": {secret.Installed.ClientSecret},
		"code":          {code},
		"redirect_uri":  {redirect},
		"grant_type":    {"authorization_code"},
	}
	resp, err := http.PostForm(secret.Installed.TokenURI, form)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token exchange did not return an access token")
	}
	return &parsed, nil
}

// writeTokenFile persists a fetched token as the one-element JSON array
// expected by the headless login flow.
func writeTokenFile(path string, tok *tokenResponse) error {
	now := time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	var entry storedTokenEntry
	entry.Scopes = []string{authScopes}
	entry.Token.AccessToken = tok.AccessToken
	entry.Token.RefreshToken = tok.RefreshToken
	entry.Token.ExpiresAt = [9]int64{
		int64(now.Year()), int64(now.YearDay()), int64(now.Hour()),
		int64(now.Minute()), int64(now.Second()), int64(now.Nanosecond()),
		0, 0, 0,
	}
	if tok.IDToken != "" {
		idToken := tok.IDToken
		entry.Token.IDToken = &idToken
	}

	data, err := json.MarshalIndent([]storedTokenEntry{entry}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// loginCmd implements "login <session>": triggers OAuth and writes the token
// file.
func loginCmd(configDir, session string) error {
	cfg, err := LoadConfig(configDir, session)
	if err != nil {
		return err
	}
	if cfg.ClientSecret == "" {
		return fmt.Errorf("session %q has no client_secret configured", session)
	}
	secret, err := loadClientSecret(cfg.ClientSecret)
	if err != nil {
		return fmt.Errorf("loading client secret: %w", err)
	}

	code := promptForCode(secret)
	tok, err := exchangeCode(secret, code)
	if err != nil {
		return fmt.Errorf("exchanging auth code: %w", err)
	}

	path := tokenPath(configDir, session)
	if err := writeTokenFile(path, tok); err != nil {
		return err
	}
	log.Info().Str("session", session).Msg("Logged in.")
	return nil
}

// logoutCmd implements "logout <session>": deletes the token file.
func logoutCmd(configDir, session string) error {
	path := tokenPath(configDir, session)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Info().Str("session", session).Msg("Logged out.")
	return nil
}

// listCmd implements "list": sessions are directory entries in the config
// dir, alphabetically.
func listCmd(configDir string) ([]string, error) {
	entries, err := os.ReadDir(configDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []string
	for _, e := range entries {
		if e.IsDir() {
			sessions = append(sessions, e.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}
