package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var errSiteNotFound = errors.New("partner site not found")

// SiteLookup resolves a partner site from its pseudonym prefix.
type SiteLookup interface {
	PartnerSiteByIdentifier(ctx context.Context, identifier string) (*PartnerSite, error)
}

// Pseudonyms encodes the multi-centre pseudonym convention: a site
// identifier, the separator, then the site-local part.
type Pseudonyms struct {
	Separator string
}

// IsMultiCentre reports whether pseudonym carries a site prefix.
func (p Pseudonyms) IsMultiCentre(pseudonym string) bool {
	return p.Separator != "" && strings.Contains(pseudonym, p.Separator)
}

// PartnerSiteIdentifier returns the text before the first separator, or ""
// when the pseudonym has no site prefix.
func (p Pseudonyms) PartnerSiteIdentifier(pseudonym string) string {
	if !p.IsMultiCentre(pseudonym) {
		return ""
	}
	prefix, _, _ := strings.Cut(pseudonym, p.Separator)
	return prefix
}

// SiteFor picks the site whose archive and public URL serve pseudonym: the
// prefixed site for multi-centre pseudonyms, otherwise fallback.
func (p Pseudonyms) SiteFor(ctx context.Context, sites SiteLookup, pseudonym string, fallback *PartnerSite) (*PartnerSite, error) {
	if !p.IsMultiCentre(pseudonym) {
		return fallback, nil
	}
	identifier := p.PartnerSiteIdentifier(pseudonym)
	site, err := sites.PartnerSiteByIdentifier(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, fmt.Errorf("%w: %q", errSiteNotFound, identifier)
	}
	return site, nil
}
