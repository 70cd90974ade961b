package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// resourceKinds maps CDP resource types to configuration names.
var resourceKinds = map[proto.NetworkResourceType]string{
	proto.NetworkResourceTypeImage:      "images",
	proto.NetworkResourceTypeFont:       "fonts",
	proto.NetworkResourceTypeMedia:      "media",
	proto.NetworkResourceTypeStylesheet: "stylesheets",
}

func blockSet(kinds []string) map[string]bool {
	set := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		set[strings.ToLower(strings.TrimSpace(k))] = true
	}
	return set
}

func shouldBlock(set map[string]bool, t proto.NetworkResourceType) bool {
	if name, ok := resourceKinds[t]; ok && set[name] {
		return true
	}
	return set[strings.ToLower(string(t))]
}

// blockResources fails requests for the configured resource kinds. The
// returned router must be stopped with the tab.
func blockResources(page *rod.Page, kinds []string) *rod.HijackRouter {
	set := blockSet(kinds)
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(set, h.Request.Type()) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}
