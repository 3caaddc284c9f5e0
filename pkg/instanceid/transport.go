package instanceid

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"
)

// MessagingScope is the OAuth scope the IID topic endpoints accept.
const MessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// NewAuthorizedHTTPClient returns an *http.Client that attaches Google
// credentials (application default unless opts say otherwise) and the
// access_token_auth header IID needs to accept OAuth2 bearer tokens.
func NewAuthorizedHTTPClient(ctx context.Context, opts ...option.ClientOption) (*http.Client, error) {
	base, err := htransport.NewTransport(ctx, http.DefaultTransport, append([]option.ClientOption{
		option.WithScopes(MessagingScope),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorized transport: %w", err)
	}
	return &http.Client{Transport: &accessTokenAuthTransport{base: base}}, nil
}

type accessTokenAuthTransport struct {
	base http.RoundTripper
}

func (t *accessTokenAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("access_token_auth", "true")
	return t.base.RoundTrip(clone)
}
