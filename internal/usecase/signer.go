package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/hc_launch/internal/domain"
	"github.com/eliteGoblin/focusd/hc_launch/internal/wire"
)

var (
	errBrokerSealed   = errors.New("signing broker is sealed")
	errDuplicateLabel = errors.New("window label already registered")
)

// SigningAuthority binds a window to the keystore client and key it may sign with.
type SigningAuthority struct {
	Client domain.KeystoreClient
	PubKey domain.AgentPubKey
}

// SigningBroker implements domain.WindowCommands.
// Authorities are registered once, then the broker is sealed and only read.
type SigningBroker struct {
	mu          sync.Mutex
	authorities map[string]SigningAuthority
	sealed      atomic.Bool

	opener domain.URLOpener
	logger *zap.Logger
}

// NewSigningBroker creates an empty broker.
func NewSigningBroker(opener domain.URLOpener, logger *zap.Logger) *SigningBroker {
	return &SigningBroker{
		authorities: make(map[string]SigningAuthority),
		opener:      opener,
		logger:      logger,
	}
}

// Register binds label to an authority. It fails once the broker is sealed.
func (b *SigningBroker) Register(label string, authority SigningAuthority) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sealed.Load() {
		return errBrokerSealed
	}
	if _, ok := b.authorities[label]; ok {
		return fmt.Errorf("%w: %s", errDuplicateLabel, label)
	}
	b.authorities[label] = authority
	return nil
}

// Seal freezes the authority map.
func (b *SigningBroker) Seal() {
	b.mu.Lock()
	b.sealed.Store(true)
	b.mu.Unlock()
}

// Connect opens a keystore client for every endpoint and registers it under the
// endpoint's window label. Clients opened before a failure are closed again.
func (b *SigningBroker) Connect(
	ctx context.Context,
	connector domain.KeystoreConnector,
	endpoints []domain.AgentEndpoint,
	passphrase []byte,
) error {
	var opened []domain.KeystoreClient
	for _, ep := range endpoints {
		client, err := connector.ConnectKeystore(ctx, ep.KeystoreURL, passphrase)
		if err == nil {
			opened = append(opened, client)
			err = b.Register(ep.Label(), SigningAuthority{Client: client, PubKey: ep.PubKey})
		}
		if err != nil {
			for _, c := range opened {
				c.Close()
			}
			return domain.NewAgentError(domain.KindLaunchChild, ep.AgentID, "connect keystore", err)
		}
	}
	return nil
}

// lookup returns the authority for label. Nothing resolves before Seal.
func (b *SigningBroker) lookup(label string) (SigningAuthority, bool) {
	if !b.sealed.Load() {
		return SigningAuthority{}, false
	}
	a, ok := b.authorities[label]
	return a, ok
}

// SignZomeCall signs call with the keystore bound to the window label.
func (b *SigningBroker) SignZomeCall(ctx context.Context, label string, call domain.ZomeCallUnsigned) (*domain.ZomeCall, error) {
	authority, ok := b.lookup(label)
	if !ok {
		return nil, domain.NewError(domain.KindNoAuthority, "sign zome call",
			fmt.Errorf("no signing authority for window %q", label))
	}

	if !authority.PubKey.Equal(domain.AgentPubKey(call.Provenance)) {
		b.logger.Warn("refused to sign for foreign provenance",
			zap.String("window", label),
			zap.String("expected", authority.PubKey.String()),
			zap.String("got", domain.AgentPubKey(call.Provenance).String()))
		return nil, domain.NewError(domain.KindUnauthorizedCaller, "sign zome call",
			fmt.Errorf("window %q may only sign calls with its own agent key as provenance", label))
	}

	if err := call.Validate(); err != nil {
		return nil, domain.NewError(domain.KindSignFailure, "validate zome call", err)
	}

	data, err := wire.DataToSign(call)
	if err != nil {
		return nil, domain.NewError(domain.KindSignFailure, "encode zome call", err)
	}

	raw, err := authority.PubKey.Raw32()
	if err != nil {
		return nil, domain.NewError(domain.KindSignFailure, "agent key", err)
	}

	signature, err := authority.Client.SignByPubKey(ctx, raw, nil, data)
	if err != nil {
		return nil, domain.NewError(domain.KindSignFailure, "sign by pub key", err)
	}

	return &domain.ZomeCall{ZomeCallUnsigned: call, Signature: signature}, nil
}

// OpenURL opens target in the system browser. Windows may only open http(s) URLs.
func (b *SigningBroker) OpenURL(ctx context.Context, label string, target string) error {
	if _, ok := b.lookup(label); !ok {
		return domain.NewError(domain.KindNoAuthority, "open url",
			fmt.Errorf("unknown window %q", label))
	}

	u, err := url.Parse(target)
	if err != nil {
		return domain.NewError(domain.KindUsage, "open url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return domain.NewError(domain.KindUnauthorizedCaller, "open url",
			fmt.Errorf("Unauthorized: window %q may only open http and https URLs, not %q", label, u.Scheme))
	}

	if err := b.opener.Open(target); err != nil {
		return err
	}
	b.logger.Debug("opened url in system browser", zap.String("window", label), zap.String("url", target))
	return nil
}

// Close closes every registered keystore client.
func (b *SigningBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs error
	for label, a := range b.authorities {
		if a.Client == nil {
			continue
		}
		if err := a.Client.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close keystore client of %s: %w", label, err))
		}
	}
	return errs
}

// Ensure SigningBroker implements domain.WindowCommands.
var _ domain.WindowCommands = (*SigningBroker)(nil)
