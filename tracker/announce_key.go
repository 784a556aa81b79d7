package tracker

import (
	"errors"
	"strings"
)

//AnnounceKey identifies where a torrent is announced: either a single tracker URL or,
//with the announce-list extension (BEP 12), tiers of tracker URLs.
//An AnnounceKey is immutable once built.
type AnnounceKey struct {
	url   string
	tiers [][]string
}

//NewAnnounceKey returns a single-tracker key.
func NewAnnounceKey(url string) (AnnounceKey, error) {
	if url == "" {
		return AnnounceKey{}, errors.New("announce key: empty tracker url")
	}
	return AnnounceKey{url: url}, nil
}

//NewMultiKey returns a tiered key. Empty tiers and empty urls are dropped; a tier
//list that ends up empty is an error.
func NewMultiKey(tiers [][]string) (AnnounceKey, error) {
	cp := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		t := make([]string, 0, len(tier))
		for _, u := range tier {
			if u != "" {
				t = append(t, u)
			}
		}
		if len(t) > 0 {
			cp = append(cp, t)
		}
	}
	if len(cp) == 0 {
		return AnnounceKey{}, errors.New("announce key: no tracker urls in any tier")
	}
	return AnnounceKey{tiers: cp}, nil
}

func (k AnnounceKey) IsMultiKey() bool {
	return k.tiers != nil
}

//URL is the tracker of a single key; empty for a multi key.
func (k AnnounceKey) URL() string {
	return k.url
}

//Tiers returns a copy of the tiers of a multi key; nil for a single key.
func (k AnnounceKey) Tiers() [][]string {
	if k.tiers == nil {
		return nil
	}
	cp := make([][]string, len(k.tiers))
	for i, tier := range k.tiers {
		cp[i] = append([]string(nil), tier...)
	}
	return cp
}

//URLs flattens the key.
func (k AnnounceKey) URLs() []string {
	if !k.IsMultiKey() {
		return []string{k.url}
	}
	var urls []string
	for _, tier := range k.tiers {
		urls = append(urls, tier...)
	}
	return urls
}

//String is unique per distinct key and is what keys are compared by.
func (k AnnounceKey) String() string {
	if !k.IsMultiKey() {
		return k.url
	}
	var b strings.Builder
	for i, tier := range k.tiers {
		if i > 0 {
			b.WriteString(" | ")
		}
		b.WriteString(strings.Join(tier, " "))
	}
	return b.String()
}

func (k AnnounceKey) Equal(other AnnounceKey) bool {
	return k.IsMultiKey() == other.IsMultiKey() && k.String() == other.String()
}
