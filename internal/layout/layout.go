package layout

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
	"github.com/nerrad567/sx4-core/internal/sx"
)

// File is the parsed content of a layout file.
type File struct {
	Elements []ElementConfig `yaml:"elements"`
	Routes   []RouteConfig   `yaml:"routes"`
}

// ElementConfig describes one panel element.
type ElementConfig struct {
	Type      string `yaml:"type"`
	Address   int    `yaml:"address"`
	Secondary int    `yaml:"secondary"` // 0 for none
}

// RouteConfig describes one route. Signals and turnouts come either from
// the compact Route string or from the structured lists; both may be used
// together.
type RouteConfig struct {
	Address   int                 `yaml:"address"`
	Route     string              `yaml:"route"`
	Sensors   AddressList         `yaml:"sensors"`
	Signals   []route.SignalSpec  `yaml:"signals"`
	Turnouts  []route.TurnoutSpec `yaml:"turnouts"`
	Offending AddressList         `yaml:"offending"`
}

// AddressList is a list of addresses written either as a YAML sequence or
// as a comma separated string.
type AddressList []int

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *AddressList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []int
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	case yaml.ScalarNode:
		list, err := parseAddressList(value.Value)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		*l = list
		return nil
	default:
		return fmt.Errorf("line %d: address list must be a sequence or a string", value.Line)
	}
}

func parseAddressList(s string) ([]int, error) {
	var list []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%w: address %q", ErrInvalidLayout, part)
		}
		list = append(list, v)
	}
	return list, nil
}

// Load reads and parses a layout file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from trusted configuration
	if err != nil {
		return nil, fmt.Errorf("reading layout file: %w", err)
	}
	return Parse(data)
}

// Parse parses layout YAML and validates it.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %w", ErrInvalidLayout, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks kinds, address ranges and uniqueness of primary
// addresses. All problems are reported together.
//
// Returns:
//   - error: joined errors wrapping ErrInvalidLayout or
//     panel.ErrDuplicateAddress, nil if valid
func (f *File) Validate() error {
	var errs []error
	seen := make(map[int]string)

	claim := func(addr int, what string) {
		if prev, ok := seen[addr]; ok {
			errs = append(errs, fmt.Errorf("%w: %d used by %s and %s", panel.ErrDuplicateAddress, addr, prev, what))
			return
		}
		seen[addr] = what
	}

	for i, e := range f.Elements {
		if _, err := panel.ParseKind(e.Type); err != nil {
			errs = append(errs, fmt.Errorf("%w: element %d: %w", ErrInvalidLayout, i, err))
			continue
		}
		if !sx.IsValidExtended(e.Address) {
			errs = append(errs, fmt.Errorf("%w: element %d: address %d out of range", ErrInvalidLayout, i, e.Address))
			continue
		}
		if e.Secondary != 0 && !sx.IsValidExtended(e.Secondary) {
			errs = append(errs, fmt.Errorf("%w: element %d: secondary address %d out of range", ErrInvalidLayout, e.Address, e.Secondary))
		}
		claim(e.Address, "element "+e.Type)
	}

	for _, r := range f.Routes {
		if !sx.IsValidExtended(r.Address) {
			errs = append(errs, fmt.Errorf("%w: route address %d out of range", ErrInvalidLayout, r.Address))
			continue
		}
		if len(r.Sensors) == 0 {
			errs = append(errs, fmt.Errorf("%w: route %d has no sensors", ErrInvalidLayout, r.Address))
		}
		if _, err := parseRouteString(r.Route); err != nil {
			errs = append(errs, fmt.Errorf("route %d: %w", r.Address, err))
		}
		claim(r.Address, "route")
	}

	return errors.Join(errs...)
}

// routeEntry is one "addr,value[,depends_on]" item of a compact route string.
type routeEntry struct {
	address   int
	value     int
	dependsOn int
}

func parseRouteString(s string) ([]routeEntry, error) {
	var entries []routeEntry
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ",")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("%w: route item %q", ErrInvalidLayout, item)
		}
		nums := make([]int, len(parts))
		for i, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("%w: route item %q", ErrInvalidLayout, item)
			}
			nums[i] = v
		}
		entry := routeEntry{address: nums[0], value: nums[1], dependsOn: sx.Invalid}
		if len(nums) == 3 {
			entry.dependsOn = nums[2]
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
