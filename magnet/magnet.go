// Package magnet parses magnet URIs (BEP 9): the info-hash and tracker
// hints needed to bootstrap a download before the torrent's metadata is
// known.
package magnet

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/cenkalti/leech/torrent"
)

// Magnet is the parsed content of a magnet URI.
type Magnet struct {
	InfoHash torrent.InfoHash
	Name     string
	Trackers []string
}

// Parse parses a magnet URI of the form
// magnet:?xt=urn:btih:<40 hex | 32 base32>&tr=<url>(&tr=<url>)*&dn=<name>.
// Only xt and tr are required to be understood; other query parameters are
// ignored.
func Parse(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("magnet: not a magnet URI")
	}
	q := u.Query()

	xt := q.Get("xt")
	if xt == "" {
		return nil, fmt.Errorf("magnet: missing xt parameter")
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, fmt.Errorf("magnet: unsupported urn namespace in xt=%q", xt)
	}
	hash, err := torrent.NewInfoHashString(xt[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("magnet: %w", err)
	}

	m := &Magnet{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}
	return m, nil
}

// String renders m back into a magnet URI.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+m.InfoHash.String())
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	s := "magnet:?" + v.Encode()
	for _, tr := range m.Trackers {
		s += "&tr=" + url.QueryEscape(tr)
	}
	return s
}

// Tiers turns Trackers into BEP 12 announce tiers, matching how a
// metainfo built from a magnet-only bootstrap presents its tracker list:
// magnet URIs carry a flat tr= list, not a tiered announce-list, so each
// tracker becomes its own one-URL tier tried independently.
func (m *Magnet) Tiers() [][]string {
	tiers := make([][]string, 0, len(m.Trackers))
	for _, tr := range m.Trackers {
		tiers = append(tiers, []string{tr})
	}
	return tiers
}
