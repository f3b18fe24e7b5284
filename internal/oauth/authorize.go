package oauth

import (
	"context"
	"fmt"
	"net/url"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/measured-io/measured/internal/domain"
)

// Authorization is the outcome of StartAuthorize. The caller must persist
// State and CodeVerifier until the provider redirects back, then pass both
// to CompleteAuthorize.
type Authorization struct {
	URL          string
	State        string
	CodeVerifier string
}

// StartAuthorize builds the provider's authorization URL. For PKCE providers
// a fresh code verifier is generated and its S256 challenge attached.
func StartAuthorize(p *Provider, callbackURI string) Authorization {
	cfg := p.config(callbackURI)
	state := uuid.NewString()

	var opts []oauth2.AuthCodeOption
	for k, v := range p.AuthorizeExtras {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}

	var verifier string
	if p.UsePKCE {
		verifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}

	return Authorization{
		URL:          cfg.AuthCodeURL(state, opts...),
		State:        state,
		CodeVerifier: verifier,
	}
}

// CompleteAuthorize validates the provider redirect and exchanges the
// authorization code for a credential bag.
func CompleteAuthorize(ctx context.Context, p *Provider, callbackURI, incomingURI, state, codeVerifier string) (domain.Credentials, error) {
	u, err := url.Parse(incomingURI)
	if err != nil {
		return nil, fmt.Errorf("invalid callback uri: %w", err)
	}
	q := u.Query()

	if errCode := q.Get("error"); errCode != "" {
		return nil, domain.UserFixable("%s authorization denied: %s %s", p.Name, errCode, q.Get("error_description"))
	}
	if q.Get("state") != state {
		return nil, ErrStateMismatch
	}

	code := q.Get("code")
	if code == "" {
		return nil, fmt.Errorf("callback is missing the authorization code")
	}

	var opts []oauth2.AuthCodeOption
	for k, v := range p.TokenExtras {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := p.config(callbackURI).Exchange(ctx, code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s code exchange failed: %w", p.Name, err)
	}

	if granted, ok := token.Extra("scope").(string); ok && !p.AllowScopeDowngrade {
		if !p.grantedScopesCover(granted) {
			return nil, domain.UserFixable("%s granted fewer scopes than requested: %q", p.Name, granted)
		}
	}

	creds := credentialsFromToken(token)
	for _, field := range p.ExtraFields {
		if v := token.Extra(field); v != nil {
			creds[field] = v
		}
	}
	if p.OnTokenResponse != nil {
		p.OnTokenResponse(creds)
	}
	return creds, nil
}

func credentialsFromToken(token *oauth2.Token) domain.Credentials {
	creds := domain.Credentials{"access_token": token.AccessToken}
	if token.RefreshToken != "" {
		creds["refresh_token"] = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		creds["expires_at"] = float64(token.Expiry.Unix())
	}
	return creds
}
