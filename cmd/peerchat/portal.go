package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"gosuda.org/portal/portal/core/cryptoops"
	"gosuda.org/portal/sdk"
)

// portalLease describes how the local API is advertised on the relays.
type portalLease struct {
	Servers []string
	Name    string
	Desc    string
	Owner   string
	Tags    []string
	Hide    bool
	CredKey string
}

// newPortalLease fills the lease from flags, naming it after the room when
// no explicit name or description is given.
func newPortalLease(room string, servers []string) portalLease {
	l := portalLease{
		Servers: servers,
		Name:    strings.TrimSpace(flagPortalName),
		Desc:    strings.TrimSpace(flagPortalDesc),
		Owner:   flagPortalOwner,
		Tags:    splitTags(flagPortalTags),
		Hide:    flagPortalHide,
		CredKey: flagCredKey,
	}
	if l.Name == "" {
		l.Name = "peerchat-" + room
	}
	if l.Desc == "" {
		l.Desc = "HackPSU peer chat in room " + room
	}
	roomTag := "room:" + room
	for _, t := range l.Tags {
		if t == roomTag {
			return l
		}
	}
	l.Tags = append(l.Tags, roomTag)
	return l
}

func cleanServerURLs(in []string) []string {
	out := make([]string, 0, len(in))
	for _, raw := range in {
		out = append(out, splitTags(raw)...)
	}
	return out
}

func splitTags(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (l portalLease) credential() (*cryptoops.Credential, error) {
	if l.CredKey == "" {
		return sdk.NewCredential(), nil
	}
	key, err := base64.StdEncoding.DecodeString(l.CredKey)
	if err != nil {
		return nil, fmt.Errorf("decode cred key: %w", err)
	}
	cred, err := cryptoops.NewCredentialFromPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("credential from key: %w", err)
	}
	return cred, nil
}

// startPortalBridge publishes handler through the lease's relays. It returns
// a nil closer when no relay is configured.
func startPortalBridge(handler http.Handler, lease portalLease, errCh chan<- error) (func(), error) {
	if len(lease.Servers) == 0 {
		return nil, nil
	}
	cred, err := lease.credential()
	if err != nil {
		return nil, err
	}
	client, err := sdk.NewClient(func(c *sdk.RDClientConfig) {
		c.BootstrapServers = lease.Servers
	})
	if err != nil {
		return nil, fmt.Errorf("portal client: %w", err)
	}
	ln, err := client.Listen(cred, lease.Name, []string{"http/1.1"},
		sdk.WithDescription(lease.Desc),
		sdk.WithHide(lease.Hide),
		sdk.WithOwner(lease.Owner),
		sdk.WithTags(lease.Tags),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("portal listen: %w", err)
	}
	log.Info().
		Str("lease", lease.Name).
		Strs("servers", lease.Servers).
		Msg("api published on portal relay")
	go func() {
		if err := http.Serve(ln, handler); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("portal http serve: %w", err)
		}
	}()
	return func() {
		_ = ln.Close()
		_ = client.Close()
	}, nil
}
