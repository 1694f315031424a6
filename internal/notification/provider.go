package notification

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"regexp"
	"slices"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/Gameminde/Chneowave-sub003/internal/errors"
)

// Provider delivers a rendered notification
type Provider interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// ShoutrrrProvider sends through every configured shoutrrr URL with a
// single router
type ShoutrrrProvider struct {
	name   string
	urls   []string
	sender *router.ServiceRouter
}

// NewShoutrrrProvider validates urls and builds the sender
func NewShoutrrrProvider(name string, urls []string, timeout time.Duration) (*ShoutrrrProvider, error) {
	sp := &ShoutrrrProvider{
		name: strings.TrimSpace(name),
		urls: slices.Clone(urls),
	}
	if sp.name == "" {
		sp.name = "shoutrrr"
	}
	if len(sp.urls) == 0 {
		return nil, errors.Newf("at least one URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(sp.urls...)
	if err != nil {
		return nil, errors.New(fmt.Errorf("create sender: %s", RedactURLs(err.Error()))).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if timeout > 0 {
		sender.Timeout = timeout
	}
	sender.SetLogger(stdlog.New(io.Discard, "", 0))
	sp.sender = sender
	return sp, nil
}

// Name implements Provider
func (s *ShoutrrrProvider) Name() string { return s.name }

// Send implements Provider. The router applies its own timeout.
func (s *ShoutrrrProvider) Send(_ context.Context, title, body string) error {
	params := stypes.Params{}
	if title != "" {
		params.SetTitle(title)
	}
	for _, err := range s.sender.Send(body, &params) {
		if err != nil {
			return errors.New(fmt.Errorf("send: %s", RedactURLs(err.Error()))).
				Component("notification").
				Category(errors.CategoryIntegration).
				Context("provider", s.name).
				Build()
		}
	}
	return nil
}

// userinfo and query strings of service URLs carry tokens
var credentialPattern = regexp.MustCompile(`([a-z][a-z0-9+.-]*://)[^\s/@]*@|\?[^\s]*`)

// RedactURLs masks userinfo and query strings of any service URL in s
func RedactURLs(s string) string {
	return credentialPattern.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(m, "?") {
			return "?[redacted]"
		}
		scheme := m[:strings.Index(m, "://")+3]
		return scheme + "[redacted]@"
	})
}
