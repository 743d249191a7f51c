package schalter

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "slotbot/pkg/logx"
)

// authServer simulates the full identity-provider chain on one mux.
func authServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	authenticated := false

	mux.HandleFunc("/account/login", func(w http.ResponseWriter, r *http.Request) {
		if authenticated {
			fmt.Fprint(w, `<html><form action="/Account/Logout" method="post"></form></html>`)
			return
		}
		fmt.Fprint(w, `<html>
<input name="__RequestVerificationToken" type="hidden" value="vtok123" />
</html>`)
	})
	mux.HandleFunc("/Account/ExternalLogin", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("provider"); got != "SwitchAai" {
			t.Errorf("provider = %q", got)
		}
		if got := r.FormValue("__RequestVerificationToken"); got != "vtok123" {
			t.Errorf("verification token = %q", got)
		}
		http.Redirect(w, r, "/idp/profile", http.StatusFound)
	})
	mux.HandleFunc("/idp/profile", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("user_idp"); got != "https://aai-logon.ethz.ch/idp/shibboleth" {
			t.Errorf("user_idp = %q", got)
		}
		fmt.Fprint(w, `<html>
<form id="probe" action="/idp/probe" method="post">
</html>`)
	})
	mux.HandleFunc("/idp/probe", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("shib_idp_ls_success.shib_idp_session_ss"); got != "false" {
			t.Errorf("local storage probe = %q", got)
		}
		fmt.Fprint(w, `<html>
<form id="login" action="/idp/sso" method="post">
</html>`)
	})
	mux.HandleFunc("/idp/sso", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("j_username") != "alice" || r.FormValue("j_password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `<html>
<form xmlns="urn:x" action="%s/saml/post" method="post">
<input type="hidden" name="RelayState" value="relay&#43;1"/>
<input type="hidden" name="SAMLResponse" value="c2FtbA=="/>
</html>`, srv.URL)
	})
	mux.HandleFunc("/saml/post", func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("RelayState"); got != "relay+1" {
			t.Errorf("RelayState = %q", got)
		}
		if got := r.FormValue("SAMLResponse"); got != "c2FtbA==" {
			t.Errorf("SAMLResponse = %q", got)
		}
		authenticated = true
		http.SetCookie(w, &http.Cookie{Name: "idsrv", Value: "session"})
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/connect/authorize", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("client_id"); got != oidcClientID {
			t.Errorf("client_id = %q", got)
		}
		if got := q.Get("response_type"); got != "id_token token" {
			t.Errorf("response_type = %q", got)
		}
		if got := q.Get("scope"); got != "openid profile tn-api tn-apiext tn-auth tn-hangfire" {
			t.Errorf("scope = %q", got)
		}
		if !strings.HasSuffix(q.Get("redirect_uri"), "/tn/assets/oidc-login-redirect.html") {
			t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
		}
		if _, err := r.Cookie("idsrv"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.Redirect(w, r,
			"/tn/assets/oidc-login-redirect.html#access_token=tok-xyz&token_type=Bearer",
			http.StatusFound)
	})
	mux.HandleFunc("/tn/assets/oidc-login-redirect.html", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html></html>")
	})

	return srv
}

func newAuth(srv *httptest.Server) (*Client, *AuthClient) {
	cfg := Config{BaseURL: srv.URL, EventsBaseURL: srv.URL, AuthBaseURL: srv.URL}
	c := New(cfg, logx.Nop())
	return c, NewAuthClient(cfg, c)
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	srv := authServer(t)
	_, auth := newAuth(srv)

	token, err := auth.Authenticate(context.Background(), "alice", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if token != "tok-xyz" {
		t.Fatalf("token = %q", token)
	}
}

func TestAuthenticateReusesSession(t *testing.T) {
	t.Parallel()
	srv := authServer(t)
	_, auth := newAuth(srv)

	ctx := context.Background()
	if _, err := auth.Authenticate(ctx, "alice", "hunter2"); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}
	// The login page now shows a logout form; the SAML dance is skipped
	// and wrong credentials no longer matter.
	token, err := auth.Authenticate(ctx, "alice", "wrong-password")
	if err != nil {
		t.Fatalf("second Authenticate: %v", err)
	}
	if token != "tok-xyz" {
		t.Fatalf("token = %q", token)
	}
}

func TestAuthenticateBadCredentials(t *testing.T) {
	t.Parallel()
	srv := authServer(t)
	_, auth := newAuth(srv)

	_, err := auth.Authenticate(context.Background(), "alice", "wrong")
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "wrong") {
		t.Fatalf("error leaks the password: %v", err)
	}
}
