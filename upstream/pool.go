package upstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/Skyrin/go-writeback/e"
	"github.com/Skyrin/go-writeback/failure"
)

const (
	ECode040201 = e.Code0402 + "01"
	ECode040202 = e.Code0402 + "02"
	ECode040301 = e.Code0403 + "01"
)

// Credentials to reach one organization's system of record
type Credentials struct {
	BaseURL string `mapstructure:"baseUrl" json:"baseUrl"`
	Token   string `mapstructure:"token" json:"-"`
}

// CredentialSource resolves the credentials of an organization. Storage of
// the credentials lives outside of this module.
type CredentialSource interface {
	CredentialsFor(ctx context.Context, organizationID string) (Credentials, error)
}

// StaticCredentials credentials keyed by organization id, i.e. from config
type StaticCredentials map[string]Credentials

// CredentialsFor returns the configured credentials
func (sc StaticCredentials) CredentialsFor(_ context.Context, organizationID string) (Credentials, error) {
	cred, ok := sc[organizationID]
	if !ok {
		return Credentials{}, e.N(ECode040301,
			fmt.Sprintf("%s: %s", e.MsgCredentialDoesNotExist, organizationID))
	}
	return cred, nil
}

// ClientProvider returns the writer for an organization
type ClientProvider interface {
	ClientFor(ctx context.Context, organizationID string) (RecordWriter, error)
}

// Pool caches one client per organization
type Pool struct {
	src      CredentialSource
	defaults Config

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool returns a pool that builds clients from src. defaults provides
// everything but BaseURL and Token.
func NewPool(src CredentialSource, defaults Config) (p *Pool) {
	return &Pool{
		src:      src,
		defaults: defaults,
		clients:  make(map[string]*Client),
	}
}

// ClientFor returns the cached client of the organization, creating it on
// first use. Missing credentials are an auth failure.
func (p *Pool) ClientFor(ctx context.Context, organizationID string) (RecordWriter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[organizationID]; ok {
		return c, nil
	}

	cred, err := p.src.CredentialsFor(ctx, organizationID)
	if err != nil {
		return nil, failure.Wrap(failure.KindAuth, e.W(err, ECode040201), "no credentials")
	}

	cfg := p.defaults
	cfg.BaseURL = cred.BaseURL
	cfg.Token = cred.Token

	c, err := NewClient(cfg)
	if err != nil {
		return nil, failure.Wrap(failure.KindAuth, e.W(err, ECode040202), "invalid credentials")
	}

	p.clients[organizationID] = c

	return c, nil
}

// Invalidate drops the cached client, so rotated credentials are picked up
// on next use
func (p *Pool) Invalidate(organizationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.clients, organizationID)
}
