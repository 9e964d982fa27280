package browser

import (
	"context"

	"github.com/hazyhaar/topos/tabid"
	"github.com/hazyhaar/topos/tabs"
)

// Fingerprint implements tabid.Provider: it reads the tab's live DOM and
// derives the structural fingerprint StableIds build on. Privileged pages
// refuse injection, reported as ErrNoScriptPermission so the resolver
// degrades to metadata tiers instead of retrying.
func (p *Platform) Fingerprint(ctx context.Context, tab tabs.Tab) (string, error) {
	if tabs.Restricted(tab.URL) {
		return "", &tabs.TabError{Op: "fingerprint", TabID: tab.ID, Err: tabs.ErrNoScriptPermission}
	}

	src, err := p.ExecuteScript(ctx, tab.ID, "document.documentElement.outerHTML")
	if err != nil {
		return "", err
	}
	return tabid.HTMLFingerprint(src), nil
}
