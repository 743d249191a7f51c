package schalter

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Authenticator exchanges operator credentials for a bearer token.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (string, error)
}

const oidcClientID = "55776bff-ef75-4c9d-9bdd-45e883ec38e0"

var (
	verifTokenRe   = regexp.MustCompile(`name="__RequestVerificationToken".*value="(.+)".*/`)
	formActionRe   = regexp.MustCompile(`<form .*action="(.+)" method="post">`)
	relayStateRe   = regexp.MustCompile(`name="RelayState" value="(.+)"/>`)
	samlResponseRe = regexp.MustCompile(`name="SAMLResponse" value="(.+)"/`)
)

// localStorageForm mimics the browser's shibboleth local-storage probe page.
var localStorageForm = url.Values{
	"shib_idp_ls_exception.shib_idp_session_ss":    {""},
	"shib_idp_ls_success.shib_idp_session_ss":      {"false"},
	"shib_idp_ls_value.shib_idp_session_ss":        {""},
	"shib_idp_ls_exception.shib_idp_persistent_ss": {""},
	"shib_idp_ls_success.shib_idp_persistent_ss":   {"false"},
	"shib_idp_ls_value.shib_idp_persistent_ss":     {""},
	"shib_idp_ls_supported":                        {""},
	"_eventId_proceed":                             {""},
}

// AuthClient implements Authenticator against the identity provider chain:
// booking-site login -> SwitchAai external login -> IdP SAML post-back ->
// OIDC authorize with the token in the redirect fragment.
//
// It shares the Client's cookie jar; the session cookies set during the
// SAML dance are what make the authorize call succeed.
type AuthClient struct {
	cfg  Config
	http *http.Client
}

func NewAuthClient(cfg Config, c *Client) *AuthClient {
	return &AuthClient{cfg: cfg.withDefaults(), http: c.httpClient()}
}

func (a *AuthClient) Authenticate(ctx context.Context, username, password string) (string, error) {
	loginPage, _, err := a.get(ctx, a.cfg.AuthBaseURL+"/account/login")
	if err != nil {
		return "", &AuthError{Step: "login page", Err: err}
	}

	// An existing session shows a logout form; skip the SAML dance then.
	if !strings.Contains(loginPage, `action="/Account/Logout"`) {
		m := verifTokenRe.FindStringSubmatch(loginPage)
		if m == nil {
			return "", &AuthError{Step: "login page", Err: ErrUnexpectedFormat}
		}
		form := url.Values{
			"provider":                   {"SwitchAai"},
			"__RequestVerificationToken": {m[1]},
		}
		_, idpURL, err := a.postForm(ctx, a.cfg.AuthBaseURL+"/Account/ExternalLogin", form)
		if err != nil {
			return "", &AuthError{Step: "external login", Err: err}
		}
		if err := a.idpLogin(ctx, idpURL, username, password); err != nil {
			return "", err
		}
	}

	authURL, err := a.authorizeURL()
	if err != nil {
		return "", &AuthError{Step: "authorize url", Err: err}
	}
	_, finalURL, err := a.get(ctx, authURL)
	if err != nil {
		return "", &AuthError{Step: "authorize", Err: err}
	}

	// The token rides in the redirect fragment:
	// .../oidc-login-redirect.html#access_token=...&token_type=...
	frag := finalURL.Fragment
	if frag == "" {
		return "", &AuthError{Step: "authorize", Err: ErrUnexpectedFormat}
	}
	vals, err := url.ParseQuery(frag)
	if err != nil {
		return "", &AuthError{Step: "authorize", Err: err}
	}
	token := vals.Get("access_token")
	if token == "" {
		return "", &AuthError{Step: "authorize", Err: ErrUnexpectedFormat}
	}
	return token, nil
}

func (a *AuthClient) authorizeURL() (string, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return "", err
	}
	state, err := randomHex(16)
	if err != nil {
		return "", err
	}
	q := url.Values{
		"client_id":     {oidcClientID},
		"redirect_uri":  {a.cfg.BaseURL + "/tn/assets/oidc-login-redirect.html"},
		"response_type": {"id_token token"},
		"scope":         {"openid profile tn-api tn-apiext tn-auth tn-hangfire"},
		"nonce":         {nonce},
		"state":         {state},
	}
	return a.cfg.AuthBaseURL + "/connect/authorize?" + q.Encode(), nil
}

// idpLogin walks the identity provider's SAML flow: select the IdP, post
// the local-storage probe, submit credentials, then relay the SAMLResponse
// back to the service provider.
func (a *AuthClient) idpLogin(ctx context.Context, start *url.URL, username, password string) error {
	selectForm := url.Values{
		"user_idp": {"https://aai-logon.ethz.ch/idp/shibboleth"},
		"Select":   {"Auswählen"},
	}
	text, _, err := a.postForm(ctx, start.String(), selectForm)
	if err != nil {
		return &AuthError{Step: "idp select", Err: err}
	}

	samText := text
	if !strings.Contains(text, "SAMLResponse") {
		probeURL, err := resolveFormAction(start, text)
		if err != nil {
			return &AuthError{Step: "idp probe", Err: err}
		}
		loginPage, _, err := a.postForm(ctx, probeURL, localStorageForm)
		if err != nil {
			return &AuthError{Step: "idp probe", Err: err}
		}

		ssoURL, err := resolveFormAction(start, loginPage)
		if err != nil {
			return &AuthError{Step: "idp sso", Err: err}
		}
		ssoForm := url.Values{
			"_eventId_proceed": {""},
			"j_username":       {username},
			"j_password":       {password},
		}
		samText, _, err = a.postForm(ctx, ssoURL, ssoForm)
		if err != nil {
			return &AuthError{Step: "idp sso", Err: err}
		}
	}

	action := formActionRe.FindStringSubmatch(samText)
	relay := relayStateRe.FindStringSubmatch(samText)
	saml := samlResponseRe.FindStringSubmatch(samText)
	if action == nil || relay == nil || saml == nil {
		return &AuthError{Step: "saml postback", Err: ErrUnexpectedFormat}
	}
	postBack := url.Values{
		"RelayState":   {html.UnescapeString(relay[1])},
		"SAMLResponse": {html.UnescapeString(saml[1])},
	}
	if _, _, err := a.postForm(ctx, html.UnescapeString(action[1]), postBack); err != nil {
		return &AuthError{Step: "saml postback", Err: err}
	}
	return nil
}

// resolveFormAction extracts the form action from an IdP page and resolves
// it against the page's host.
func resolveFormAction(base *url.URL, page string) (string, error) {
	m := formActionRe.FindStringSubmatch(page)
	if m == nil {
		return "", ErrUnexpectedFormat
	}
	ref, err := url.Parse(html.UnescapeString(m[1]))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func (a *AuthClient) get(ctx context.Context, rawURL string) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", nil, err
	}
	return a.do(req)
}

func (a *AuthClient) postForm(ctx context.Context, rawURL string, form url.Values) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(req)
}

// do runs the request and returns the body plus the final URL after
// redirects (where the OIDC fragment ends up).
func (a *AuthClient) do(req *http.Request) (string, *url.URL, error) {
	resp, err := a.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode/100 != 2 {
		return "", nil, &APIError{Status: resp.StatusCode}
	}
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return string(body), final, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}
