package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/vtcode-ai/vtcode/internal/vterror"
)

// openRouterEndpoint is the PKCE authorization surface OpenRouter
// exposes for CLI sign-in.
var openRouterEndpoint = oauth2.Endpoint{
	AuthURL:  "https://openrouter.ai/auth",
	TokenURL: "https://openrouter.ai/api/v1/auth/keys",
}

// PKCEFlow drives a loopback authorization-code flow with an S256
// challenge.
type PKCEFlow struct {
	config   oauth2.Config
	verifier string
}

// NewOpenRouterFlow builds the PKCE flow for OpenRouter. clientID may
// be empty; OpenRouter identifies CLI clients by callback.
func NewOpenRouterFlow(clientID string) (*PKCEFlow, error) {
	verifier, err := randomVerifier()
	if err != nil {
		return nil, err
	}
	return &PKCEFlow{
		config: oauth2.Config{
			ClientID: clientID,
			Endpoint: openRouterEndpoint,
		},
		verifier: verifier,
	}, nil
}

func randomVerifier() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "pkce verifier", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// challenge returns the S256 code challenge for the verifier.
func (f *PKCEFlow) challenge() string {
	sum := sha256.Sum256([]byte(f.verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// AuthURL returns the browser URL for the given loopback redirect.
func (f *PKCEFlow) AuthURL(redirectURI, state string) string {
	cfg := f.config
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", f.challenge()),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

// Exchange trades the authorization code for a token.
func (f *PKCEFlow) Exchange(ctx context.Context, redirectURI, code string) (string, error) {
	cfg := f.config
	cfg.RedirectURL = redirectURI
	token, err := cfg.Exchange(ctx, code,
		oauth2.SetAuthURLParam("code_verifier", f.verifier),
	)
	if err != nil {
		return "", vterror.Wrap(vterror.KindAuthentication, "token exchange", err)
	}
	return token.AccessToken, nil
}

// Authorize runs the full loopback flow: start a localhost listener,
// print the browser URL through openURL, wait for the callback, and
// exchange the code. Bounded by ctx.
func (f *PKCEFlow) Authorize(ctx context.Context, openURL func(url string)) (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "loopback listener", err)
	}
	defer listener.Close()

	redirectURI := fmt.Sprintf("http://%s/callback", listener.Addr())
	state, err := randomVerifier()
	if err != nil {
		return "", err
	}

	type callback struct {
		code string
		err  error
	}
	callbackCh := make(chan callback, 1)

	server := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			query := r.URL.Query()
			if query.Get("state") != state {
				callbackCh <- callback{err: vterror.New(vterror.KindAuthentication, "state mismatch in callback")}
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			}
			code := query.Get("code")
			if code == "" {
				callbackCh <- callback{err: vterror.New(vterror.KindAuthentication, "callback carried no code")}
				http.Error(w, "missing code", http.StatusBadRequest)
				return
			}
			fmt.Fprintln(w, "Authorization complete. You can close this tab.")
			callbackCh <- callback{code: code}
		}),
	}
	go server.Serve(listener)
	defer server.Close()

	if openURL != nil {
		openURL(f.AuthURL(redirectURI, state))
	}

	select {
	case <-ctx.Done():
		return "", vterror.Wrap(vterror.KindCancelled, "authorization cancelled", ctx.Err())
	case cb := <-callbackCh:
		if cb.err != nil {
			return "", cb.err
		}
		return f.Exchange(ctx, redirectURI, cb.code)
	}
}
