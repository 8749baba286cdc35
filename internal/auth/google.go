package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	goauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// GoogleAuthenticator implements the sign-in-with-Google flow: the browser
// obtains an authorization code at AuthURL, posts it back, and Exchange
// turns it into a profile plus a local session.
type GoogleAuthenticator struct {
	cfg *oauth2.Config
	svc *Service
}

func NewGoogleAuthenticator(clientID, clientSecret, redirectURL string, svc *Service) *GoogleAuthenticator {
	return &GoogleAuthenticator{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		svc: svc,
	}
}

func (g *GoogleAuthenticator) Enabled() bool {
	return g.cfg.ClientID != "" && g.cfg.ClientSecret != ""
}

func (g *GoogleAuthenticator) AuthURL(state string) string {
	return g.cfg.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange redeems the authorization code, fetches the Google profile and
// opens a session for it.
func (g *GoogleAuthenticator) Exchange(ctx context.Context, code string) (User, string, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return User{}, "", fmt.Errorf("exchange code: %w", err)
	}
	osvc, err := goauth2.NewService(ctx, option.WithHTTPClient(g.cfg.Client(ctx, tok)))
	if err != nil {
		return User{}, "", fmt.Errorf("init userinfo service: %w", err)
	}
	info, err := osvc.Userinfo.Get().Do()
	if err != nil {
		return User{}, "", fmt.Errorf("fetch userinfo: %w", err)
	}

	u := User{
		ID:          "google:" + info.Id,
		Email:       info.Email,
		DisplayName: info.Name,
		AvatarURL:   info.Picture,
	}
	token, err := g.svc.SignInExternal(u)
	if err != nil {
		return User{}, "", err
	}
	return u, token, nil
}
