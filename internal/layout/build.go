package layout

import (
	"fmt"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// Build creates the panel elements and routes of f on reg, computes the
// offending routes and attaches the layout to the registry.
//
// Parameters:
//   - f: Validated layout description
//   - reg: Bus registry the elements read from and write to
//   - opts: Route engine options
//
// Returns:
//   - *panel.Layout: Element index following registry changes
//   - *route.Engine: Engine holding every route
//   - error: panel.ErrDuplicateAddress or ErrInvalidLayout; nothing is
//     attached on error
func Build(f *File, reg *bus.Registry, opts route.Options) (*panel.Layout, *route.Engine, error) {
	layout := panel.NewLayout(reg)

	for _, cfg := range f.Elements {
		kind, err := panel.ParseKind(cfg.Type)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: element %d: %w", ErrInvalidLayout, cfg.Address, err)
		}
		secondary := cfg.Secondary
		if secondary == 0 {
			secondary = sx.Invalid
		}
		el, err := panel.NewElement(kind, cfg.Address, secondary)
		if err != nil {
			return nil, nil, fmt.Errorf("element %d: %w", cfg.Address, err)
		}
		if err := layout.Add(el); err != nil {
			return nil, nil, err
		}
	}

	engine := route.NewEngine(layout, opts)
	for _, cfg := range f.Routes {
		def, err := definition(layout, cfg)
		if err != nil {
			return nil, nil, err
		}
		if _, err := engine.Add(def); err != nil {
			return nil, nil, err
		}
	}
	engine.CalcOffendingRoutes()

	layout.Attach()
	return layout, engine, nil
}

// definition resolves the compact route string against the element kinds
// and merges it with the structured lists.
func definition(layout *panel.Layout, cfg RouteConfig) (route.Definition, error) {
	def := route.Definition{
		Address:   cfg.Address,
		Sensors:   append([]int(nil), cfg.Sensors...),
		Signals:   append([]route.SignalSpec(nil), cfg.Signals...),
		Turnouts:  append([]route.TurnoutSpec(nil), cfg.Turnouts...),
		Offending: append([]int(nil), cfg.Offending...),
	}

	entries, err := parseRouteString(cfg.Route)
	if err != nil {
		return def, fmt.Errorf("route %d: %w", cfg.Address, err)
	}
	for _, entry := range entries {
		el, ok := layout.Get(entry.address)
		if !ok {
			return def, fmt.Errorf("%w: route %d references unknown element %d", ErrInvalidLayout, cfg.Address, entry.address)
		}
		switch el.Kind() {
		case panel.KindSignal:
			spec := route.SignalSpec{Address: entry.address, Aspect: entry.value}
			if entry.dependsOn != sx.Invalid {
				spec.DependsOn = entry.dependsOn
			}
			def.Signals = append(def.Signals, spec)
		case panel.KindTurnout:
			def.Turnouts = append(def.Turnouts, route.TurnoutSpec{Address: entry.address, Position: entry.value})
		default:
			return def, fmt.Errorf("%w: route %d element %d is a %s", ErrInvalidLayout, cfg.Address, entry.address, el.Kind())
		}
	}
	return def, nil
}
