// Package layout loads the panel description of a model railway from YAML
// and builds the element index and route engine from it.
//
// A layout file lists elements and routes:
//
//	elements:
//	  - type: turnout        # turnout|signal|sensor|button, or T|Si|BM|B
//	    address: 921
//	  - type: signal
//	    address: 911
//	    secondary: 912       # primary+1 makes a two-bit signal
//	  - type: sensor
//	    address: 901
//	    secondary: 2901      # in-route flag
//	routes:
//	  - address: 2201
//	    route: "911,1,915;921,1"   # addr,value[,depends_on] pairs
//	    sensors: "901,902"
//	    offending: [2210]
//
// Routes may also use structured signals and turnouts lists instead of the
// compact route string. Duplicate primary addresses are fatal.
package layout
