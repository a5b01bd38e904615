package authevents

import (
	"fmt"
	"slices"
	"strings"

	"github.com/randalmurphal/authevents/pkg/authevents/event"
)

// RegisterProvider adds a producer's advertised events to the catalog.
// The catalog is documentation only; Emit never consults it.
func (h *Hub) RegisterProvider(p event.Provider) error {
	for _, info := range p.ProvidedEvents() {
		if !event.ValidPattern(info.Name) || strings.Contains(info.Name, "*") {
			return fmt.Errorf("provider event %q: not a concrete event type", info.Name)
		}
		h.catalog.Put(info.Source+"|"+info.Name, info)
	}
	return nil
}

// Catalog lists advertised events ordered by name, then source.
func (h *Hub) Catalog() []event.EventInfo {
	out := make([]event.EventInfo, 0, h.catalog.Len())
	for _, info := range h.catalog.All() {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b event.EventInfo) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.Source, b.Source)
	})
	return out
}
