package net

import (
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/oauth2"
)

// GetHTTPClient returns a client with a cookie jar and the shared transport.
func GetHTTPClient() (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating cookie jar: %w", err)
	}
	return &http.Client{
		Jar:       jar,
		Transport: reqTransport,
		Timeout:   timeoutInSeconds * time.Second,
	}, nil
}

// GetOAuthClient returns a client that sends token as a bearer credential.
// An empty token yields a plain client.
func GetOAuthClient(ctx context.Context, token string) *http.Client {
	if token == "" {
		c, err := GetHTTPClient()
		if err != nil {
			return http.DefaultClient
		}
		return c
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{
			TokenType:   "Bearer",
			AccessToken: token,
		},
	)
	base, err := GetHTTPClient()
	if err == nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	}
	return oauth2.NewClient(ctx, ts)
}
